package cryptoutils

import (
	"testing"

	"github.com/ruteri/steward-backup/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err, "Failed to generate identity")

	pub := id.PublicKey()
	assert.NoError(t, pub.Validate(), "Compressed key should validate")

	restored, err := IdentityFromHex(id.ExportHex())
	require.NoError(t, err, "Should restore identity from hex export")
	assert.Equal(t, pub, restored.PublicKey(), "Restored identity should have the same public key")

	_, err = IdentityFromHex("not-a-key")
	assert.ErrorIs(t, err, interfaces.ErrMalformedIdentityKey, "Garbage input should fail as malformed key")
}

func TestEnvelopeEncryption(t *testing.T) {
	recipient, err := GenerateIdentity()
	require.NoError(t, err, "Failed to generate recipient identity")

	payload := []byte(`{"vault_id":"test","distribution_version":3}`)

	ciphertext, err := EncryptEnvelope(recipient.PublicKey(), payload)
	require.NoError(t, err, "Encryption should succeed")
	assert.NotContains(t, string(ciphertext), "vault_id", "Ciphertext must not leak plaintext")

	plaintext, err := DecryptEnvelope(recipient, ciphertext)
	require.NoError(t, err, "Decryption by the recipient should succeed")
	assert.Equal(t, payload, plaintext, "Round trip should preserve payload")

	// A different identity must not be able to decrypt
	eavesdropper, err := GenerateIdentity()
	require.NoError(t, err, "Failed to generate eavesdropper identity")

	_, err = DecryptEnvelope(eavesdropper, ciphertext)
	assert.ErrorIs(t, err, interfaces.ErrDecryptionFailed, "Wrong recipient must get a distinct integrity error")

	// Tampered ciphertext must fail authentication
	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = DecryptEnvelope(recipient, tampered)
	assert.ErrorIs(t, err, interfaces.ErrDecryptionFailed, "Tampered envelope must fail decryption")
}

func TestInviteCode(t *testing.T) {
	code, err := NewInviteCode()
	require.NoError(t, err, "Code generation should succeed")
	assert.NoError(t, ValidateInviteCode(code), "Generated code should validate")

	other, err := NewInviteCode()
	require.NoError(t, err, "Code generation should succeed")
	assert.NotEqual(t, code, other, "Codes must be unique")

	assert.ErrorIs(t, ValidateInviteCode(""), interfaces.ErrMalformedInviteCode, "Empty code is malformed")
	assert.ErrorIs(t, ValidateInviteCode("not!valid*base64"), interfaces.ErrMalformedInviteCode, "Invalid encoding is malformed")
}

func TestShareEscrow(t *testing.T) {
	ownerSecret := []byte("owner master secret")
	vaultID := interfaces.DeriveVaultID(interfaces.IdentityKey{0x02}, "vault")

	key := DeriveEscrowKey(ownerSecret, vaultID)
	require.Len(t, key, 32, "Escrow key should be 32 bytes")

	otherVault := interfaces.DeriveVaultID(interfaces.IdentityKey{0x02}, "other")
	assert.NotEqual(t, key, DeriveEscrowKey(ownerSecret, otherVault), "Different vaults must derive different keys")

	share := []byte("serialized share bytes")
	wrapped, err := WrapShare(key, share)
	require.NoError(t, err, "Wrapping should succeed")

	unwrapped, err := UnwrapShare(key, wrapped)
	require.NoError(t, err, "Unwrapping should succeed")
	assert.Equal(t, share, unwrapped, "Round trip should preserve the share")

	_, err = UnwrapShare(DeriveEscrowKey([]byte("wrong"), vaultID), wrapped)
	assert.ErrorIs(t, err, interfaces.ErrDecryptionFailed, "Wrong key must fail authentication")
}
