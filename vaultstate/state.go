package vaultstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ruteri/steward-backup/interfaces"
)

// Guard serializes all state mutations for a vault. Coordinators share one
// Guard instance so that ledger, distribution and recovery updates to the
// same vault never interleave.
type Guard struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the per-vault lock and returns the unlock function.
func (g *Guard) Lock(vaultID interfaces.VaultID) func() {
	g.mu.Lock()
	l, ok := g.locks[vaultID.String()]
	if !ok {
		l = &sync.Mutex{}
		g.locks[vaultID.String()] = l
	}
	g.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// LoadConfig reads and decodes a vault's backup configuration.
func LoadConfig(ctx context.Context, store interfaces.Store, vaultID interfaces.VaultID) (*interfaces.BackupConfig, error) {
	raw, err := store.Get(ctx, ConfigKey(vaultID))
	if err != nil {
		return nil, err
	}
	var cfg interfaces.BackupConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decoding backup config for vault %s: %w", vaultID, err)
	}
	return &cfg, nil
}

// SaveConfig encodes and persists a vault's backup configuration.
func SaveConfig(ctx context.Context, store interfaces.Store, cfg *interfaces.BackupConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding backup config for vault %s: %w", cfg.VaultID, err)
	}
	return store.Put(ctx, ConfigKey(cfg.VaultID), raw)
}

// LoadInvite reads an invitation link by code.
func LoadInvite(ctx context.Context, store interfaces.Store, code string) (*interfaces.InvitationLink, error) {
	raw, err := store.Get(ctx, InviteKey(code))
	if err != nil {
		return nil, err
	}
	var link interfaces.InvitationLink
	if err := json.Unmarshal(raw, &link); err != nil {
		return nil, fmt.Errorf("decoding invitation %s: %w", code, err)
	}
	return &link, nil
}

// SaveInvite encodes and persists an invitation link.
func SaveInvite(ctx context.Context, store interfaces.Store, link *interfaces.InvitationLink) error {
	raw, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("encoding invitation %s: %w", link.InviteCode, err)
	}
	return store.Put(ctx, InviteKey(link.InviteCode), raw)
}

// LoadSession reads a recovery session by ID.
func LoadSession(ctx context.Context, store interfaces.Store, sessionID string) (*interfaces.RecoverySession, error) {
	raw, err := store.Get(ctx, SessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	var session interfaces.RecoverySession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decoding recovery session %s: %w", sessionID, err)
	}
	return &session, nil
}

// SaveSession encodes and persists a recovery session. The reconstructed
// secret is excluded from serialization and only ever lives in memory.
func SaveSession(ctx context.Context, store interfaces.Store, session *interfaces.RecoverySession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding recovery session %s: %w", session.SessionID, err)
	}
	return store.Put(ctx, SessionKey(session.SessionID), raw)
}

// EventSeen reports whether an inbound event ID has been fully processed
// before. Callers drop duplicates.
func EventSeen(ctx context.Context, store interfaces.Store, eventID interfaces.EventID) (bool, error) {
	_, err := store.Get(ctx, EventSeenKey(eventID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, interfaces.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// MarkEventSeen records an inbound event ID. Handlers record it only after
// their state mutation has been persisted, so an event whose handling failed
// part way is applied again on redelivery rather than dropped.
func MarkEventSeen(ctx context.Context, store interfaces.Store, eventID interfaces.EventID) error {
	return store.Put(ctx, EventSeenKey(eventID), []byte{1})
}
