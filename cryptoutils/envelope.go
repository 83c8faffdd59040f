package cryptoutils

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ruteri/steward-backup/interfaces"
)

// EncryptEnvelope encrypts a payload for a single recipient using ECIES with
// ECDH key agreement and AES-GCM authenticated encryption. A fresh ephemeral
// key is generated per envelope, so two encryptions of the same payload are
// unlinkable on the relay.
func EncryptEnvelope(recipient interfaces.IdentityKey, payload []byte) ([]byte, error) {
	pub, err := ParseIdentityKey(recipient)
	if err != nil {
		return nil, err
	}

	ciphertext, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), payload, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt envelope: %w", err)
	}
	return ciphertext, nil
}

// DecryptEnvelope decrypts an envelope addressed to this identity. Failures
// are reported as interfaces.ErrDecryptionFailed since they may indicate
// tampering or misrouted envelopes, and must never be silently dropped.
func DecryptEnvelope(id *Identity, ciphertext []byte) ([]byte, error) {
	payload, err := ecies.ImportECDSA(id.privateKey).Decrypt(ciphertext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptionFailed, err)
	}
	return payload, nil
}
