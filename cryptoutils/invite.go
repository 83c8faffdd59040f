package cryptoutils

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/ruteri/steward-backup/interfaces"
)

// inviteCodeBytes is the entropy of an invitation code. 256 bits makes codes
// globally unique without coordination.
const inviteCodeBytes = 32

// NewInviteCode generates a random URL-safe invitation code.
func NewInviteCode() (string, error) {
	raw := make([]byte, inviteCodeBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate invite code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidateInviteCode checks that a code is well-formed before any store
// lookup. Malformed codes are a validation error, never retried.
func ValidateInviteCode(code string) error {
	if code == "" {
		return interfaces.ErrMalformedInviteCode
	}
	if _, err := base64.RawURLEncoding.DecodeString(code); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrMalformedInviteCode, err)
	}
	return nil
}
