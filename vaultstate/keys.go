// Package vaultstate holds the durable-state conventions shared by the
// protocol coordinators: the store key schema, JSON persistence helpers and
// the per-vault serialization guard. All coordinator mutations for one vault
// go through the same guard, so reads and writes of a vault's records never
// interleave.
package vaultstate

import (
	"fmt"

	"github.com/ruteri/steward-backup/interfaces"
)

// ConfigKey is the store key for a vault's backup configuration.
func ConfigKey(vaultID interfaces.VaultID) string {
	return "config/" + vaultID.String()
}

// InviteKey is the store key for an invitation link by code.
func InviteKey(code string) string {
	return "invites/" + code
}

// SessionKey is the store key for a recovery session.
func SessionKey(sessionID string) string {
	return "sessions/" + sessionID
}

// EventSeenKey is the store key marking a processed inbound event.
func EventSeenKey(eventID interfaces.EventID) string {
	return "events/" + string(eventID)
}

// EscrowKey is the store key for the owner-side escrow blob of one
// distribution version.
func EscrowKey(vaultID interfaces.VaultID, version uint64) string {
	return fmt.Sprintf("escrow/%s/%d", vaultID.String(), version)
}

// StewardShareKey is the store key under which a steward keeps the share it
// received for a vault.
func StewardShareKey(vaultID interfaces.VaultID) string {
	return "shares/" + vaultID.String()
}
