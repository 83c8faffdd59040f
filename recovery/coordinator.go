// Package recovery implements quorum-based secret reconstruction. An
// initiator opens a session against a vault's roster, stewards answer with
// their shares, and once the approval threshold is met the secret is
// reconstructed once and cached in memory for the session's lifetime.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/steward-backup/cryptoutils"
	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/sss"
	"github.com/ruteri/steward-backup/vaultstate"
)

// Config carries the coordinator dependencies.
type Config struct {
	Store     interfaces.Store
	Transport interfaces.EventTransport
	Clock     interfaces.Clock
	Scheduler interfaces.Scheduler
	Guard     *vaultstate.Guard
	Log       *slog.Logger
}

// Coordinator drives recovery sessions. Sessions for the same vault opened
// by different initiators are fully independent.
type Coordinator struct {
	store     interfaces.Store
	transport interfaces.EventTransport
	clock     interfaces.Clock
	scheduler interfaces.Scheduler
	guard     *vaultstate.Guard
	log       *slog.Logger

	// secrets caches reconstructed secrets per session. They are never
	// written to the store.
	mu      sync.Mutex
	secrets map[string][]byte
}

// New creates a recovery coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		store:     cfg.Store,
		transport: cfg.Transport,
		clock:     cfg.Clock,
		scheduler: cfg.Scheduler,
		guard:     cfg.Guard,
		log:       cfg.Log,
		secrets:   make(map[string][]byte),
	}
}

// InitiateParams describes a new recovery session. Roster is the set of
// stewards eligible to respond; an initiator holding their own share seeds
// the session with it through OwnShare.
type InitiateParams struct {
	VaultID   interfaces.VaultID
	Initiator interfaces.IdentityKey
	Roster    []interfaces.IdentityKey
	Threshold int
	OwnShare  *interfaces.Share

	// TTL bounds how long the session collects responses. Zero means the
	// session never expires.
	TTL time.Duration
}

// Initiate opens a session and broadcasts a recovery request to every roster
// steward except the initiator. The session is persisted before the first
// request goes out; individual publish failures are logged and do not fail
// initiation.
func (c *Coordinator) Initiate(ctx context.Context, p InitiateParams) (*interfaces.RecoverySession, error) {
	if p.Threshold < 2 {
		return nil, fmt.Errorf("%w: threshold must be at least 2", interfaces.ErrInvalidParameters)
	}

	available := len(p.Roster)
	if p.OwnShare != nil && !containsKey(p.Roster, p.Initiator) {
		available++
	}
	if available < p.Threshold {
		return nil, fmt.Errorf("%w: %d potential responders for threshold %d", interfaces.ErrInvalidParameters, available, p.Threshold)
	}
	if p.OwnShare != nil {
		if err := p.OwnShare.Validate(); err != nil {
			return nil, err
		}
	}

	unlock := c.guard.Lock(p.VaultID)
	defer unlock()

	now := c.clock.Now()
	session := &interfaces.RecoverySession{
		SessionID:    uuid.NewString(),
		VaultID:      p.VaultID,
		InitiatorKey: p.Initiator,
		Threshold:    p.Threshold,
		RequestedAt:  now,
		Status:       interfaces.SessionCollecting,
		Roster:       p.Roster,
		Responses:    make(map[string]interfaces.RecoveryResponse),
	}
	if p.TTL > 0 {
		expires := now.Add(p.TTL)
		session.ExpiresAt = &expires
	}
	if p.OwnShare != nil {
		session.Responses[p.Initiator.String()] = interfaces.RecoveryResponse{
			StewardKey:  p.Initiator,
			Approved:    true,
			Share:       p.OwnShare,
			RespondedAt: now,
		}
	}

	if err := vaultstate.SaveSession(ctx, c.store, session); err != nil {
		return nil, fmt.Errorf("persisting recovery session: %w", err)
	}

	request := interfaces.RecoveryRequestPayload{
		VaultID:      p.VaultID,
		SessionID:    session.SessionID,
		InitiatorKey: p.Initiator,
		Threshold:    p.Threshold,
	}
	raw, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding recovery request: %w", err)
	}
	for _, steward := range p.Roster {
		if steward.Equal(p.Initiator) {
			continue
		}
		encrypted, err := cryptoutils.EncryptEnvelope(steward, raw)
		if err != nil {
			c.log.Error("encrypting recovery request", slog.Any("err", err))
			continue
		}
		if _, err := c.transport.Publish(ctx, steward, interfaces.KindRecoveryRequest, encrypted); err != nil {
			c.log.Warn("publishing recovery request",
				slog.String("steward", steward.String()),
				slog.Any("err", err))
		}
	}

	if p.TTL > 0 {
		sessionID := session.SessionID
		c.scheduler.Schedule(p.TTL, func() {
			if err := c.ExpireDue(context.Background(), sessionID); err != nil {
				c.log.Debug("expiry sweep", slog.Any("err", err))
			}
		})
	}

	c.log.Info("recovery session opened",
		slog.String("vault_id", p.VaultID.String()),
		slog.String("session_id", session.SessionID),
		slog.Int("threshold", p.Threshold),
		slog.Int("roster", len(p.Roster)))
	return session, nil
}

// OnResponse applies one steward's answer. The first response per steward
// wins; responses from keys outside the session roster are rejected. When
// the approved set reaches the threshold the secret is reconstructed once.
// A failed reconstruction marks the session failed, but a later response
// enlarging the approved set triggers a fresh attempt.
func (c *Coordinator) OnResponse(ctx context.Context, eventID interfaces.EventID, sender interfaces.IdentityKey, payload interfaces.RecoveryResponsePayload) error {
	seen, err := vaultstate.EventSeen(ctx, c.store, eventID)
	if err != nil {
		return fmt.Errorf("checking recovery response event: %w", err)
	}
	if seen {
		c.log.Debug("duplicate recovery response dropped", slog.String("event_id", string(eventID)))
		return nil
	}

	session, err := c.loadSession(ctx, payload.SessionID)
	if err != nil {
		return err
	}

	unlock := c.guard.Lock(session.VaultID)
	defer unlock()

	session, err = c.loadSession(ctx, payload.SessionID)
	if err != nil {
		return err
	}

	if !session.InRoster(sender) && !sender.Equal(session.InitiatorKey) {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownSteward, sender)
	}

	now := c.clock.Now()
	if session.Status == interfaces.SessionCollecting && session.ExpiresAt != nil && !now.Before(*session.ExpiresAt) {
		session.Status = interfaces.SessionExpired
		if err := vaultstate.SaveSession(ctx, c.store, session); err != nil {
			return fmt.Errorf("persisting expired session: %w", err)
		}
		return interfaces.ErrSessionExpired
	}

	switch session.Status {
	case interfaces.SessionSatisfied:
		// Quorum already met; the cached result stands.
		c.log.Debug("response after quorum dropped", slog.String("session_id", session.SessionID))
		return nil
	case interfaces.SessionExpired:
		return interfaces.ErrSessionExpired
	case interfaces.SessionFailed:
		if session.FailureCode != interfaces.ReconstructionFailed {
			return interfaces.ErrSessionTerminal
		}
		// A reconstruction failure is retried when new shares arrive.
	}

	if _, ok := session.Responses[sender.String()]; ok {
		c.log.Debug("repeat response dropped",
			slog.String("session_id", session.SessionID),
			slog.String("steward", sender.String()))
		return interfaces.ErrDuplicateResponse
	}

	if payload.Approved && payload.Share != nil {
		if err := payload.Share.Validate(); err != nil {
			return err
		}
	}

	session.Responses[sender.String()] = interfaces.RecoveryResponse{
		StewardKey:  sender,
		Approved:    payload.Approved,
		Share:       payload.Share,
		RespondedAt: now,
	}

	if err := vaultstate.SaveSession(ctx, c.store, session); err != nil {
		return fmt.Errorf("persisting recovery session: %w", err)
	}
	// Marked after the response is durable so a transient store failure does
	// not swallow the share on redelivery.
	if err := vaultstate.MarkEventSeen(ctx, c.store, eventID); err != nil {
		return fmt.Errorf("recording recovery response event: %w", err)
	}

	c.log.Info("recovery response recorded",
		slog.String("session_id", session.SessionID),
		slog.String("steward", sender.String()),
		slog.Bool("approved", payload.Approved))

	return c.tryReconstruct(ctx, session)
}

// tryReconstruct attempts reconstruction when the approved set reaches the
// threshold. Called with the vault guard held.
func (c *Coordinator) tryReconstruct(ctx context.Context, session *interfaces.RecoverySession) error {
	approved := session.ApprovedShares()
	if len(approved) < session.Threshold {
		return nil
	}

	secret, err := sss.Reconstruct(approved)
	if err != nil {
		session.Status = interfaces.SessionFailed
		session.FailureCode = interfaces.ReconstructionFailed
		if saveErr := vaultstate.SaveSession(ctx, c.store, session); saveErr != nil {
			return fmt.Errorf("persisting failed session: %w", saveErr)
		}
		c.log.Error("reconstruction failed",
			slog.String("session_id", session.SessionID),
			slog.Int("approved", len(approved)),
			slog.Any("err", err))
		return err
	}

	session.Status = interfaces.SessionSatisfied
	session.FailureCode = ""
	session.Secret = secret
	if err := vaultstate.SaveSession(ctx, c.store, session); err != nil {
		return fmt.Errorf("persisting satisfied session: %w", err)
	}

	c.mu.Lock()
	c.secrets[session.SessionID] = secret
	c.mu.Unlock()

	c.log.Info("recovery quorum satisfied",
		slog.String("session_id", session.SessionID),
		slog.Int("approved", len(approved)))
	return nil
}

// Cancel closes a collecting session on the initiator's behalf.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	unlock := c.guard.Lock(session.VaultID)
	defer unlock()

	session, err = c.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == interfaces.SessionFailed && session.FailureCode == interfaces.CancelledByInitiator {
		return nil
	}
	if session.Status.Terminal() {
		return interfaces.ErrSessionTerminal
	}

	session.Status = interfaces.SessionFailed
	session.FailureCode = interfaces.CancelledByInitiator
	if err := vaultstate.SaveSession(ctx, c.store, session); err != nil {
		return fmt.Errorf("persisting cancelled session: %w", err)
	}

	c.log.Info("recovery session cancelled", slog.String("session_id", sessionID))
	return nil
}

// ExpireDue transitions a collecting session past its expiry instant.
func (c *Coordinator) ExpireDue(ctx context.Context, sessionID string) error {
	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	unlock := c.guard.Lock(session.VaultID)
	defer unlock()

	session, err = c.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != interfaces.SessionCollecting || session.ExpiresAt == nil {
		return nil
	}
	if c.clock.Now().Before(*session.ExpiresAt) {
		return nil
	}

	session.Status = interfaces.SessionExpired
	if err := vaultstate.SaveSession(ctx, c.store, session); err != nil {
		return fmt.Errorf("persisting expired session: %w", err)
	}

	c.log.Info("recovery session expired", slog.String("session_id", sessionID))
	return nil
}

// Result returns the reconstructed secret of a satisfied session.
func (c *Coordinator) Result(ctx context.Context, sessionID string) ([]byte, error) {
	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case interfaces.SessionSatisfied:
	case interfaces.SessionCollecting:
		return nil, interfaces.ErrInsufficientShares
	case interfaces.SessionExpired:
		return nil, interfaces.ErrSessionExpired
	default:
		return nil, fmt.Errorf("session failed: %s", session.FailureCode)
	}

	c.mu.Lock()
	secret, ok := c.secrets[sessionID]
	c.mu.Unlock()
	if !ok {
		// The cache does not survive a restart; the secret is never
		// persisted.
		return nil, interfaces.ErrInsufficientShares
	}
	return secret, nil
}

// Session returns the current state of a session.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*interfaces.RecoverySession, error) {
	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	session.Secret = c.secrets[sessionID]
	c.mu.Unlock()
	return session, nil
}

func (c *Coordinator) loadSession(ctx context.Context, sessionID string) (*interfaces.RecoverySession, error) {
	session, err := vaultstate.LoadSession(ctx, c.store, sessionID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, interfaces.ErrSessionNotFound
	}
	return session, err
}

func containsKey(keys []interfaces.IdentityKey, key interfaces.IdentityKey) bool {
	for _, k := range keys {
		if k.Equal(key) {
			return true
		}
	}
	return false
}
