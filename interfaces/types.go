package interfaces

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// IdentityKey is a 33-byte compressed secp256k1 public key identifying a
// protocol participant (vault owner or steward).
type IdentityKey [33]byte

// NewIdentityKeyFromBytes creates an identity key from a raw byte slice.
func NewIdentityKeyFromBytes(source []byte) (IdentityKey, error) {
	if len(source) != 33 {
		return IdentityKey{}, errors.New("invalid identity key length: must be 33 bytes")
	}

	var key IdentityKey
	copy(key[:], source)
	if err := key.Validate(); err != nil {
		return IdentityKey{}, err
	}
	return key, nil
}

// NewIdentityKeyFromHex creates an identity key from a hex string.
func NewIdentityKeyFromHex(source string) (IdentityKey, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 66 {
		return IdentityKey{}, errors.New("invalid identity key length: hex string must be 66 characters")
	}

	keyBytes, err := hex.DecodeString(clean)
	if err != nil {
		return IdentityKey{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewIdentityKeyFromBytes(keyBytes)
}

// String returns the hex representation of the identity key.
func (k IdentityKey) String() string {
	return hex.EncodeToString(k[:])
}

// Bytes returns the raw 33-byte compressed key.
func (k IdentityKey) Bytes() []byte {
	return k[:]
}

// Equal compares two identity keys.
func (k IdentityKey) Equal(other IdentityKey) bool {
	return k == other
}

// IsZero reports whether the key is unset.
func (k IdentityKey) IsZero() bool {
	return k == IdentityKey{}
}

// Validate checks the compressed-point encoding prefix.
func (k IdentityKey) Validate() error {
	if k[0] != 0x02 && k[0] != 0x03 {
		return errors.New("invalid identity key: not a compressed secp256k1 point")
	}
	return nil
}

// VaultID is a 32-byte identifier of the protected vault.
type VaultID [32]byte

// NewVaultIDFromBytes creates a vault ID from a raw byte slice.
func NewVaultIDFromBytes(source []byte) (VaultID, error) {
	if len(source) != 32 {
		return VaultID{}, errors.New("invalid vault ID length: must be 32 bytes")
	}

	var id VaultID
	copy(id[:], source)
	return id, nil
}

// NewVaultIDFromHex creates a vault ID from a hex string.
func NewVaultIDFromHex(source string) (VaultID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return VaultID{}, errors.New("invalid vault ID length: hex string must be 64 characters")
	}

	idBytes, err := hex.DecodeString(clean)
	if err != nil {
		return VaultID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id VaultID
	copy(id[:], idBytes)
	return id, nil
}

// DeriveVaultID computes a vault ID from the owner key and a vault label.
func DeriveVaultID(owner IdentityKey, label string) VaultID {
	return VaultID(sha256.Sum256(append(owner.Bytes(), []byte(label)...)))
}

// String returns the hex representation of the vault ID.
func (id VaultID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte ID.
func (id VaultID) Bytes() []byte {
	return id[:]
}

// Equal compares two vault IDs.
func (id VaultID) Equal(other VaultID) bool {
	return id == other
}

// ContentHash is a 32-byte SHA-256 digest of vault content. A change in the
// hash triggers redistribution of shares.
type ContentHash [32]byte

// ComputeContentHash calculates the content hash of data.
func ComputeContentHash(data []byte) ContentHash {
	return ContentHash(sha256.Sum256(data))
}

// NewContentHashFromHex creates a content hash from a hex string.
func NewContentHashFromHex(source string) (ContentHash, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentHash{}, errors.New("invalid content hash length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentHash{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash ContentHash
	copy(hash[:], hashBytes)
	return hash, nil
}

// String returns the hex representation.
func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// Equal compares two content hashes.
func (h ContentHash) Equal(other ContentHash) bool {
	return bytes.Equal(h[:], other[:])
}

// GF256Field identifies the finite field used for secret splitting: GF(2^8)
// with the irreducible polynomial x^8 + x^4 + x^3 + x + 1. Every share embeds
// this constant so that shares remain portable across implementations.
const GF256Field uint32 = 0x11B

// Share is one output unit of threshold secret splitting. Any Threshold
// shares with matching field and total reconstruct the secret; fewer reveal
// nothing.
type Share struct {
	Index       int    `json:"index"`
	Threshold   int    `json:"threshold"`
	TotalShares int    `json:"total_shares"`
	FieldID     uint32 `json:"field_id"`
	Data        []byte `json:"data"`
}

// Validate checks the share's structural invariants.
func (s Share) Validate() error {
	if s.Threshold < 2 || s.Threshold > s.TotalShares || s.TotalShares > 10 {
		return ErrInvalidParameters
	}
	if s.FieldID != GF256Field {
		return fmt.Errorf("%w: unsupported field 0x%x", ErrInconsistentShares, s.FieldID)
	}
	if s.Index < 1 || s.Index > s.TotalShares {
		return fmt.Errorf("%w: share index %d out of range", ErrInconsistentShares, s.Index)
	}
	if len(s.Data) == 0 {
		return fmt.Errorf("%w: empty share data", ErrInconsistentShares)
	}
	return nil
}
