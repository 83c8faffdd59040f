// Package distribution implements share distribution for a vault: splitting
// the secret, delivering one encrypted share per steward, tracking
// confirmations per distribution version, and retiring superseded versions
// once the whole roster has confirmed the current one.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ruteri/steward-backup/cryptoutils"
	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/sss"
	"github.com/ruteri/steward-backup/vaultstate"
)

const (
	defaultMaxRetries      = 5
	defaultRetryBase       = 30 * time.Second
	defaultStuckAfter      = 24 * time.Hour
	defaultPublishAttempts = 3
)

// Config carries the coordinator dependencies.
type Config struct {
	Store     interfaces.Store
	Transport interfaces.EventTransport
	Clock     interfaces.Clock
	Scheduler interfaces.Scheduler
	Guard     *vaultstate.Guard
	Log       *slog.Logger

	// EscrowSecret derives the per-vault escrow key under which the owner's
	// local share copies are wrapped.
	EscrowSecret []byte

	// MaxRetries bounds redelivery attempts per steward per version.
	MaxRetries int
	// RetryBase is the initial redelivery delay; it doubles per attempt.
	RetryBase time.Duration
	// StuckAfter is how long a holder may stay inactive before it is
	// reported as stuck.
	StuckAfter time.Duration
}

// Coordinator drives share distribution for every vault owned by one
// identity. All mutations of a vault's records happen under the shared
// per-vault guard.
type Coordinator struct {
	store        interfaces.Store
	transport    interfaces.EventTransport
	clock        interfaces.Clock
	scheduler    interfaces.Scheduler
	guard        *vaultstate.Guard
	log          *slog.Logger
	escrowSecret []byte

	maxRetries int
	retryBase  time.Duration
	stuckAfter time.Duration

	mu        sync.Mutex
	retries   map[string]*retryState
	envelopes map[string][]*interfaces.DistributionEnvelope
}

type retryState struct {
	attempts int
	cancel   func()
}

// New creates a distribution coordinator.
func New(cfg Config) *Coordinator {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.StuckAfter == 0 {
		cfg.StuckAfter = defaultStuckAfter
	}
	return &Coordinator{
		store:        cfg.Store,
		transport:    cfg.Transport,
		clock:        cfg.Clock,
		scheduler:    cfg.Scheduler,
		guard:        cfg.Guard,
		log:          cfg.Log,
		escrowSecret: cfg.EscrowSecret,
		maxRetries:   cfg.MaxRetries,
		retryBase:    cfg.RetryBase,
		stuckAfter:   cfg.StuckAfter,
		retries:      make(map[string]*retryState),
		envelopes:    make(map[string][]*interfaces.DistributionEnvelope),
	}
}

// InitVault creates and persists a fresh backup configuration. The roster
// starts empty; stewards join through invitation redemption.
func (c *Coordinator) InitVault(ctx context.Context, vaultID interfaces.VaultID, threshold, totalShares int, relayAddresses []string) (*interfaces.BackupConfig, error) {
	cfg := &interfaces.BackupConfig{
		VaultID:        vaultID,
		Threshold:      threshold,
		TotalShares:    totalShares,
		RelayAddresses: relayAddresses,
		Status:         interfaces.BackupPending,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	unlock := c.guard.Lock(vaultID)
	defer unlock()

	if _, err := vaultstate.LoadConfig(ctx, c.store, vaultID); err == nil {
		return nil, fmt.Errorf("%w: vault %s already initialized", interfaces.ErrInvalidParameters, vaultID)
	} else if !errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, err
	}

	if err := vaultstate.SaveConfig(ctx, c.store, cfg); err != nil {
		return nil, fmt.Errorf("persisting vault config: %w", err)
	}
	c.log.Info("vault initialized",
		slog.String("vault_id", vaultID.String()),
		slog.Int("threshold", threshold),
		slog.Int("total_shares", totalShares))
	return cfg, nil
}

// Distribute splits the secret into a new distribution version and publishes
// one encrypted share per roster steward. The new version, the escrow copies
// and every roster assignment are persisted before the first envelope goes
// out. Publish failures leave the affected holder inactive with a scheduled
// redelivery; they do not fail the distribution.
func (c *Coordinator) Distribute(ctx context.Context, vaultID interfaces.VaultID, secret []byte) error {
	unlock := c.guard.Lock(vaultID)
	defer unlock()

	cfg, err := vaultstate.LoadConfig(ctx, c.store, vaultID)
	if err != nil {
		return fmt.Errorf("loading vault config: %w", err)
	}

	roster := cfg.Roster()
	if len(roster) != cfg.TotalShares {
		return fmt.Errorf("%w: roster has %d stewards, need exactly %d", interfaces.ErrInvalidParameters, len(roster), cfg.TotalShares)
	}

	shares, err := sss.Split(secret, cfg.Threshold, cfg.TotalShares)
	if err != nil {
		return fmt.Errorf("splitting secret: %w", err)
	}

	newVersion := cfg.DistributionVersion + 1
	escrowKey := cryptoutils.DeriveEscrowKey(c.escrowSecret, vaultID)

	for i, holder := range roster {
		raw, err := json.Marshal(shares[i])
		if err != nil {
			return fmt.Errorf("encoding share: %w", err)
		}
		wrapped, err := cryptoutils.WrapShare(escrowKey, raw)
		if err != nil {
			return fmt.Errorf("wrapping escrow share: %w", err)
		}
		holder.ShardIndex = shares[i].Index
		holder.EncryptedShare = wrapped
		holder.ErrorReason = ""
	}

	blob, err := wrapShareSet(escrowKey, shares)
	if err != nil {
		return fmt.Errorf("wrapping escrow blob: %w", err)
	}
	if err := c.store.Put(ctx, vaultstate.EscrowKey(vaultID, newVersion), blob); err != nil {
		return fmt.Errorf("persisting escrow blob: %w", err)
	}

	cfg.DistributionVersion = newVersion
	cfg.ContentHash = interfaces.ComputeContentHash(secret)
	cfg.Status = interfaces.BackupPending

	if err := vaultstate.SaveConfig(ctx, c.store, cfg); err != nil {
		return fmt.Errorf("persisting vault config: %w", err)
	}

	// Any redelivery still pending belongs to the superseded version.
	c.cancelVaultRetries(vaultID)
	c.dropSupersededEnvelopes(vaultID, newVersion)

	for i, holder := range roster {
		c.publishShare(ctx, cfg, holder, shares[i])
	}

	if err := vaultstate.SaveConfig(ctx, c.store, cfg); err != nil {
		return fmt.Errorf("persisting vault config: %w", err)
	}

	c.log.Info("distribution published",
		slog.String("vault_id", vaultID.String()),
		slog.Uint64("version", newVersion),
		slog.Int("stewards", len(roster)))
	return nil
}

// publishShare encrypts and publishes one steward's share, updating the
// holder record and the tracked outbound envelope in place. Callers persist
// the config afterwards.
func (c *Coordinator) publishShare(ctx context.Context, cfg *interfaces.BackupConfig, holder *interfaces.KeyHolder, share interfaces.Share) {
	env := c.trackEnvelope(cfg.VaultID, &interfaces.DistributionEnvelope{
		RecipientKey:        holder.IdentityKey,
		ShardIndex:          share.Index,
		DistributionVersion: cfg.DistributionVersion,
		Status:              interfaces.EnvelopeCreated,
	})

	payload := interfaces.ShareDistributionPayload{
		VaultID:             cfg.VaultID,
		DistributionVersion: cfg.DistributionVersion,
		Share:               share,
		Peers:               peersExcluding(cfg, holder.IdentityKey),
		RelayAddresses:      cfg.RelayAddresses,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.failPublish(cfg, holder, env, err)
		return
	}
	encrypted, err := cryptoutils.EncryptEnvelope(holder.IdentityKey, raw)
	if err != nil {
		c.failPublish(cfg, holder, env, err)
		return
	}
	c.setEnvelope(env, func(e *interfaces.DistributionEnvelope) {
		e.Payload = encrypted
	})

	err = c.publishWithBackoff(ctx, holder.IdentityKey, interfaces.KindShareDistribution, encrypted)
	now := c.clock.Now()
	if err != nil {
		c.failPublish(cfg, holder, env, err)
		c.scheduleRetry(cfg.VaultID, holder.IdentityKey)
		return
	}

	holder.Status = interfaces.HolderActive
	holder.LastSeenAt = &now
	c.setEnvelope(env, func(e *interfaces.DistributionEnvelope) {
		e.Status = interfaces.EnvelopePublished
	})
}

func (c *Coordinator) failPublish(cfg *interfaces.BackupConfig, holder *interfaces.KeyHolder, env *interfaces.DistributionEnvelope, err error) {
	holder.Status = interfaces.HolderInactive
	holder.ErrorReason = err.Error()
	c.setEnvelope(env, func(e *interfaces.DistributionEnvelope) {
		e.Status = interfaces.EnvelopeFailed
	})
	c.log.Warn("share delivery failed",
		slog.String("vault_id", cfg.VaultID.String()),
		slog.String("steward", holder.IdentityKey.String()),
		slog.Any("err", err))
}

// trackEnvelope upserts the outbound envelope for (recipient, version). A
// redelivery reuses the existing record so the per-steward set never grows
// past one envelope per version.
func (c *Coordinator) trackEnvelope(vaultID interfaces.VaultID, env *interfaces.DistributionEnvelope) *interfaces.DistributionEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := vaultID.String()
	for _, existing := range c.envelopes[key] {
		if existing.RecipientKey.Equal(env.RecipientKey) && existing.DistributionVersion == env.DistributionVersion {
			existing.Status = env.Status
			return existing
		}
	}
	c.envelopes[key] = append(c.envelopes[key], env)
	return env
}

func (c *Coordinator) setEnvelope(env *interfaces.DistributionEnvelope, update func(*interfaces.DistributionEnvelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update(env)
}

func (c *Coordinator) markEnvelopeConfirmed(vaultID interfaces.VaultID, steward interfaces.IdentityKey, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, env := range c.envelopes[vaultID.String()] {
		if env.RecipientKey.Equal(steward) && env.DistributionVersion == version {
			env.Status = interfaces.EnvelopeConfirmed
		}
	}
}

// dropSupersededEnvelopes forgets tracked envelopes for versions before
// current. Called with c.mu not held.
func (c *Coordinator) dropSupersededEnvelopes(vaultID interfaces.VaultID, current uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := vaultID.String()
	kept := c.envelopes[key][:0]
	for _, env := range c.envelopes[key] {
		if env.DistributionVersion >= current {
			kept = append(kept, env)
		}
	}
	c.envelopes[key] = kept
}

// Envelopes returns a copy of the tracked outbound envelopes for the vault.
func (c *Coordinator) Envelopes(vaultID interfaces.VaultID) []interfaces.DistributionEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	tracked := c.envelopes[vaultID.String()]
	out := make([]interfaces.DistributionEnvelope, 0, len(tracked))
	for _, env := range tracked {
		out = append(out, *env)
	}
	return out
}

func (c *Coordinator) publishWithBackoff(ctx context.Context, recipient interfaces.IdentityKey, kind interfaces.EventKind, payload []byte) error {
	op := func() error {
		_, err := c.transport.Publish(ctx, recipient, kind, payload)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultPublishAttempts), ctx)
	return backoff.Retry(op, bo)
}

// OnConfirmation applies an inbound share confirmation. Confirmations for
// versions older than the steward's latest, or newer than the vault's
// current version, are dropped. Once the whole roster has confirmed the
// current version the backup becomes active and the previous version's
// escrow blob is retired.
func (c *Coordinator) OnConfirmation(ctx context.Context, eventID interfaces.EventID, sender interfaces.IdentityKey, payload interfaces.ShareConfirmationPayload) error {
	seen, err := vaultstate.EventSeen(ctx, c.store, eventID)
	if err != nil {
		return fmt.Errorf("checking confirmation event: %w", err)
	}
	if seen {
		c.log.Debug("duplicate confirmation dropped", slog.String("event_id", string(eventID)))
		return nil
	}

	unlock := c.guard.Lock(payload.VaultID)
	defer unlock()

	cfg, err := vaultstate.LoadConfig(ctx, c.store, payload.VaultID)
	if err != nil {
		return fmt.Errorf("loading vault config: %w", err)
	}

	holder := cfg.HolderByKey(sender)
	if holder == nil || holder.Status == interfaces.HolderRevoked {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownSteward, sender)
	}

	switch {
	case payload.DistributionVersion > cfg.DistributionVersion:
		c.log.Warn("confirmation for unknown future version dropped",
			slog.String("vault_id", payload.VaultID.String()),
			slog.Uint64("version", payload.DistributionVersion))
		return nil
	case payload.DistributionVersion < holder.ConfirmedVersion:
		c.log.Debug("stale confirmation dropped",
			slog.String("steward", sender.String()),
			slog.Uint64("version", payload.DistributionVersion))
		return nil
	}

	now := c.clock.Now()
	holder.ConfirmedVersion = payload.DistributionVersion
	holder.LastSeenAt = &now

	if payload.DistributionVersion == cfg.DistributionVersion {
		holder.Status = interfaces.HolderAcknowledged
		holder.AcknowledgedAt = &now
		holder.ErrorReason = ""
		c.cancelRetry(payload.VaultID, sender)
		c.markEnvelopeConfirmed(payload.VaultID, sender, payload.DistributionVersion)
	}

	if c.allConfirmedCurrent(cfg) {
		cfg.Status = interfaces.BackupActive
		c.retirePrevious(ctx, cfg)
	}

	if err := vaultstate.SaveConfig(ctx, c.store, cfg); err != nil {
		return fmt.Errorf("persisting vault config: %w", err)
	}
	// Marked only after the config write lands; a transient store failure
	// leaves the event unmarked so redelivery applies the confirmation.
	if err := vaultstate.MarkEventSeen(ctx, c.store, eventID); err != nil {
		return fmt.Errorf("recording confirmation event: %w", err)
	}

	c.log.Info("share confirmed",
		slog.String("vault_id", payload.VaultID.String()),
		slog.String("steward", sender.String()),
		slog.Uint64("version", payload.DistributionVersion))
	return nil
}

// OnShareError applies an inbound delivery error. The holder goes inactive
// and a bounded redelivery is scheduled. Errors for superseded versions are
// dropped.
func (c *Coordinator) OnShareError(ctx context.Context, eventID interfaces.EventID, sender interfaces.IdentityKey, payload interfaces.ShareErrorPayload) error {
	seen, err := vaultstate.EventSeen(ctx, c.store, eventID)
	if err != nil {
		return fmt.Errorf("checking share-error event: %w", err)
	}
	if seen {
		c.log.Debug("duplicate share error dropped", slog.String("event_id", string(eventID)))
		return nil
	}

	unlock := c.guard.Lock(payload.VaultID)
	defer unlock()

	cfg, err := vaultstate.LoadConfig(ctx, c.store, payload.VaultID)
	if err != nil {
		return fmt.Errorf("loading vault config: %w", err)
	}

	holder := cfg.HolderByKey(sender)
	if holder == nil || holder.Status == interfaces.HolderRevoked {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownSteward, sender)
	}
	if payload.DistributionVersion != cfg.DistributionVersion {
		c.log.Debug("share error for superseded version dropped",
			slog.Uint64("version", payload.DistributionVersion))
		return nil
	}

	holder.Status = interfaces.HolderInactive
	holder.ErrorReason = payload.Reason

	if err := vaultstate.SaveConfig(ctx, c.store, cfg); err != nil {
		return fmt.Errorf("persisting vault config: %w", err)
	}
	if err := vaultstate.MarkEventSeen(ctx, c.store, eventID); err != nil {
		return fmt.Errorf("recording share-error event: %w", err)
	}

	c.log.Warn("steward reported share error",
		slog.String("vault_id", payload.VaultID.String()),
		slog.String("steward", sender.String()),
		slog.String("reason", payload.Reason))
	c.scheduleRetry(payload.VaultID, sender)
	return nil
}

// RemoveSteward revokes a steward's roster membership and notifies them. The
// revoked record stays for audit. The backup drops back to pending until the
// owner redistributes with a fresh share set.
func (c *Coordinator) RemoveSteward(ctx context.Context, vaultID interfaces.VaultID, steward interfaces.IdentityKey, reason string) error {
	unlock := c.guard.Lock(vaultID)
	defer unlock()

	cfg, err := vaultstate.LoadConfig(ctx, c.store, vaultID)
	if err != nil {
		return fmt.Errorf("loading vault config: %w", err)
	}

	holder := cfg.HolderByKey(steward)
	if holder == nil {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownSteward, steward)
	}
	if holder.Status == interfaces.HolderRevoked {
		return nil
	}

	holder.Status = interfaces.HolderRevoked
	holder.ErrorReason = reason
	holder.EncryptedShare = nil
	cfg.Status = interfaces.BackupPending

	if err := vaultstate.SaveConfig(ctx, c.store, cfg); err != nil {
		return fmt.Errorf("persisting vault config: %w", err)
	}
	c.cancelRetry(vaultID, steward)

	raw, err := json.Marshal(interfaces.StewardRemovedPayload{VaultID: vaultID, Reason: reason})
	if err == nil {
		if encrypted, encErr := cryptoutils.EncryptEnvelope(steward, raw); encErr == nil {
			if _, pubErr := c.transport.Publish(ctx, steward, interfaces.KindStewardRemoved, encrypted); pubErr != nil {
				c.log.Warn("publishing removal notice",
					slog.String("steward", steward.String()),
					slog.Any("err", pubErr))
			}
		}
	}

	c.log.Info("steward removed",
		slog.String("vault_id", vaultID.String()),
		slog.String("steward", steward.String()),
		slog.String("reason", reason))
	return nil
}

// CanRetirePreviousVersion reports whether every roster steward has
// confirmed the current distribution version. Stale confirmations never
// count toward retirement.
func (c *Coordinator) CanRetirePreviousVersion(cfg *interfaces.BackupConfig) bool {
	return c.allConfirmedCurrent(cfg) && cfg.DistributionVersion > 1
}

// RetirePreviousVersion deletes the previous version's escrow blob once the
// roster has fully confirmed the current one.
func (c *Coordinator) RetirePreviousVersion(ctx context.Context, vaultID interfaces.VaultID) error {
	unlock := c.guard.Lock(vaultID)
	defer unlock()

	cfg, err := vaultstate.LoadConfig(ctx, c.store, vaultID)
	if err != nil {
		return fmt.Errorf("loading vault config: %w", err)
	}
	if !c.CanRetirePreviousVersion(cfg) {
		return fmt.Errorf("%w: version %d not fully confirmed", interfaces.ErrInvalidParameters, cfg.DistributionVersion)
	}
	c.retirePrevious(ctx, cfg)
	return nil
}

func (c *Coordinator) retirePrevious(ctx context.Context, cfg *interfaces.BackupConfig) {
	if cfg.DistributionVersion <= 1 {
		return
	}
	previous := cfg.DistributionVersion - 1
	if err := c.store.Delete(ctx, vaultstate.EscrowKey(cfg.VaultID, previous)); err != nil {
		c.log.Warn("retiring previous escrow blob",
			slog.Uint64("version", previous),
			slog.Any("err", err))
		return
	}
	c.log.Info("previous version retired",
		slog.String("vault_id", cfg.VaultID.String()),
		slog.Uint64("version", previous))
}

func (c *Coordinator) allConfirmedCurrent(cfg *interfaces.BackupConfig) bool {
	roster := cfg.Roster()
	if len(roster) == 0 || cfg.DistributionVersion == 0 {
		return false
	}
	for _, holder := range roster {
		if holder.ConfirmedVersion != cfg.DistributionVersion {
			return false
		}
	}
	return true
}

// Statuses derives the per-steward delivery view for the current version.
func Statuses(cfg *interfaces.BackupConfig) []interfaces.DistributionStatus {
	statuses := make([]interfaces.DistributionStatus, 0, len(cfg.KeyHolders))
	for _, holder := range cfg.Roster() {
		statuses = append(statuses, interfaces.DistributionStatus{
			KeyHolderKey:        holder.IdentityKey,
			DistributionVersion: cfg.DistributionVersion,
			SentAt:              holder.LastSeenAt,
			ConfirmedAt:         holder.AcknowledgedAt,
			ErrorReason:         holder.ErrorReason,
		})
	}
	return statuses
}

// StuckHolders returns stewards that have been inactive longer than the
// configured window. Stuck holders are surfaced, never auto-revoked.
func (c *Coordinator) StuckHolders(cfg *interfaces.BackupConfig) []interfaces.IdentityKey {
	var stuck []interfaces.IdentityKey
	cutoff := c.clock.Now().Add(-c.stuckAfter)
	for _, holder := range cfg.Roster() {
		if holder.Status != interfaces.HolderInactive {
			continue
		}
		if holder.LastSeenAt == nil || holder.LastSeenAt.Before(cutoff) {
			stuck = append(stuck, holder.IdentityKey)
		}
	}
	return stuck
}

// Snapshot returns the vault configuration together with the derived
// per-steward delivery statuses.
func (c *Coordinator) Snapshot(ctx context.Context, vaultID interfaces.VaultID) (*interfaces.BackupConfig, []interfaces.DistributionStatus, error) {
	unlock := c.guard.Lock(vaultID)
	defer unlock()

	cfg, err := vaultstate.LoadConfig(ctx, c.store, vaultID)
	if err != nil {
		return nil, nil, err
	}
	for _, steward := range c.StuckHolders(cfg) {
		c.log.Warn("steward stuck inactive",
			slog.String("vault_id", vaultID.String()),
			slog.String("steward", steward.String()))
	}
	return cfg, Statuses(cfg), nil
}

// EscrowShares unwraps the owner-side share set of one distribution version.
func (c *Coordinator) EscrowShares(ctx context.Context, vaultID interfaces.VaultID, version uint64) ([]interfaces.Share, error) {
	blob, err := c.store.Get(ctx, vaultstate.EscrowKey(vaultID, version))
	if err != nil {
		return nil, err
	}
	escrowKey := cryptoutils.DeriveEscrowKey(c.escrowSecret, vaultID)
	return unwrapShareSet(escrowKey, blob)
}

func peersExcluding(cfg *interfaces.BackupConfig, exclude interfaces.IdentityKey) []interfaces.PeerInfo {
	peers := make([]interfaces.PeerInfo, 0, len(cfg.KeyHolders))
	for _, holder := range cfg.Roster() {
		if holder.IdentityKey.Equal(exclude) {
			continue
		}
		peers = append(peers, interfaces.PeerInfo{
			IdentityKey: holder.IdentityKey,
			DisplayName: holder.DisplayName,
		})
	}
	return peers
}

func wrapShareSet(escrowKey []byte, shares []interfaces.Share) ([]byte, error) {
	raw, err := json.Marshal(shares)
	if err != nil {
		return nil, err
	}
	return cryptoutils.WrapShare(escrowKey, raw)
}

func unwrapShareSet(escrowKey, blob []byte) ([]interfaces.Share, error) {
	raw, err := cryptoutils.UnwrapShare(escrowKey, blob)
	if err != nil {
		return nil, err
	}
	var shares []interfaces.Share
	if err := json.Unmarshal(raw, &shares); err != nil {
		return nil, fmt.Errorf("decoding escrow share set: %w", err)
	}
	return shares, nil
}
