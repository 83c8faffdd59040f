package cryptoutils

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/steward-backup/interfaces"
)

// Identity is one participant's secp256k1 key pair. The compressed public
// key doubles as the participant's transport address.
type Identity struct {
	privateKey *ecdsa.PrivateKey
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return &Identity{privateKey: key}, nil
}

// IdentityFromHex restores an identity from a hex-encoded private key.
func IdentityFromHex(privHex string) (*Identity, error) {
	key, err := crypto.HexToECDSA(privHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedIdentityKey, err)
	}
	return &Identity{privateKey: key}, nil
}

// PublicKey returns the compressed public key as an IdentityKey.
func (id *Identity) PublicKey() interfaces.IdentityKey {
	var key interfaces.IdentityKey
	copy(key[:], crypto.CompressPubkey(&id.privateKey.PublicKey))
	return key
}

// ExportHex returns the hex-encoded private key for durable storage.
func (id *Identity) ExportHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(id.privateKey))
}

// ParseIdentityKey decompresses an identity key into an ECDSA public key.
func ParseIdentityKey(key interfaces.IdentityKey) (*ecdsa.PublicKey, error) {
	pub, err := crypto.DecompressPubkey(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedIdentityKey, err)
	}
	return pub, nil
}
