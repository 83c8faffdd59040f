package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ruteri/steward-backup/interfaces"
	"golang.org/x/crypto/argon2"
)

// DeriveEscrowKey derives the owner's local share-wrapping key from the owner
// secret using Argon2id, salted per vault so escrow blobs from different
// vaults never share a key.
func DeriveEscrowKey(ownerSecret []byte, vaultID interfaces.VaultID) []byte {
	salt := append([]byte("steward-escrow-"), vaultID.Bytes()...)

	// Parameters: time=1, memory=64MiB, threads=4, keyLen=32
	return argon2.IDKey(ownerSecret, salt, 1, 64*1024, 4, 32)
}

// WrapShare encrypts a serialized share for owner-side escrow with AES-GCM.
func WrapShare(escrowKey, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(escrowKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Format: [nonce][ciphertext]
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

// UnwrapShare decrypts an escrow blob produced by WrapShare.
func UnwrapShare(escrowKey, wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(escrowKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(wrapped) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: escrow blob too short", interfaces.ErrDecryptionFailed)
	}

	plaintext, err := aead.Open(nil, wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
