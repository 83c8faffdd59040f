// Package steward implements the steward side of the protocol: accepting an
// invitation, holding the received share, confirming distributions and
// answering recovery requests.
package steward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/steward-backup/cryptoutils"
	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/vaultstate"
)

// Approver decides whether the held share is handed over for a recovery
// request. A nil approver denies everything.
type Approver func(req interfaces.RecoveryRequestPayload) bool

// HeldShare is the steward's durable record of one vault share.
type HeldShare struct {
	VaultID             interfaces.VaultID     `json:"vault_id"`
	VaultName           string                 `json:"vault_name,omitempty"`
	OwnerKey            interfaces.IdentityKey `json:"owner_key"`
	DistributionVersion uint64                 `json:"distribution_version"`
	Share               interfaces.Share       `json:"share"`
	Peers               []interfaces.PeerInfo  `json:"peers"`
	RelayAddresses      []string               `json:"relay_addresses"`
	ReceivedAt          time.Time              `json:"received_at"`
}

// Handler processes envelopes addressed to one steward identity.
type Handler struct {
	store     interfaces.Store
	transport interfaces.EventTransport
	identity  *cryptoutils.Identity
	clock     interfaces.Clock
	approve   Approver
	log       *slog.Logger
}

// New creates a steward handler.
func New(store interfaces.Store, transport interfaces.EventTransport, identity *cryptoutils.Identity, clock interfaces.Clock, approve Approver, log *slog.Logger) *Handler {
	return &Handler{
		store:     store,
		transport: transport,
		identity:  identity,
		clock:     clock,
		approve:   approve,
		log:       log,
	}
}

// Rsvp accepts an invitation: it publishes the steward's identity to the
// vault owner under the invite code.
func (h *Handler) Rsvp(ctx context.Context, owner interfaces.IdentityKey, inviteCode, displayName string) error {
	if err := cryptoutils.ValidateInviteCode(inviteCode); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrMalformedInviteCode, err)
	}
	payload := interfaces.InvitationRsvpPayload{
		InviteCode:  inviteCode,
		RedeemerKey: h.identity.PublicKey(),
		DisplayName: displayName,
	}
	if err := h.publish(ctx, owner, interfaces.KindInvitationRsvp, payload); err != nil {
		return fmt.Errorf("publishing rsvp: %w", err)
	}
	h.log.Info("invitation accepted", slog.String("owner", owner.String()))
	return nil
}

// Decline refuses an invitation.
func (h *Handler) Decline(ctx context.Context, owner interfaces.IdentityKey, inviteCode, reason string) error {
	payload := interfaces.InvitationDenialPayload{InviteCode: inviteCode, Reason: reason}
	if err := h.publish(ctx, owner, interfaces.KindInvitationDenial, payload); err != nil {
		return fmt.Errorf("publishing denial: %w", err)
	}
	h.log.Info("invitation declined", slog.String("owner", owner.String()))
	return nil
}

// OnShareDistribution stores a received share and confirms it to the owner.
// Shares older than the held version are dropped; storage failures are
// reported back as share errors.
func (h *Handler) OnShareDistribution(ctx context.Context, eventID interfaces.EventID, sender interfaces.IdentityKey, payload interfaces.ShareDistributionPayload) error {
	seen, err := vaultstate.EventSeen(ctx, h.store, eventID)
	if err != nil {
		return fmt.Errorf("checking distribution event: %w", err)
	}
	if seen {
		h.log.Debug("duplicate share distribution dropped", slog.String("event_id", string(eventID)))
		return nil
	}

	if err := payload.Share.Validate(); err != nil {
		h.reportError(ctx, sender, payload, "malformed share: "+err.Error())
		return err
	}

	existing, err := h.HeldShare(ctx, payload.VaultID)
	if err == nil && existing.DistributionVersion > payload.DistributionVersion {
		h.log.Debug("stale share distribution dropped",
			slog.Uint64("held", existing.DistributionVersion),
			slog.Uint64("received", payload.DistributionVersion))
		return nil
	}

	held := HeldShare{
		VaultID:             payload.VaultID,
		VaultName:           payload.VaultName,
		OwnerKey:            sender,
		DistributionVersion: payload.DistributionVersion,
		Share:               payload.Share,
		Peers:               payload.Peers,
		RelayAddresses:      payload.RelayAddresses,
		ReceivedAt:          h.clock.Now(),
	}
	raw, err := json.Marshal(held)
	if err != nil {
		return fmt.Errorf("encoding held share: %w", err)
	}
	if err := h.store.Put(ctx, vaultstate.StewardShareKey(payload.VaultID), raw); err != nil {
		h.reportError(ctx, sender, payload, "storage failure: "+err.Error())
		return fmt.Errorf("persisting held share: %w", err)
	}

	confirmation := interfaces.ShareConfirmationPayload{
		VaultID:             payload.VaultID,
		DistributionVersion: payload.DistributionVersion,
	}
	if err := h.publish(ctx, sender, interfaces.KindShareConfirmation, confirmation); err != nil {
		return fmt.Errorf("publishing confirmation: %w", err)
	}
	// Marked after both the share write and the confirmation went out, so a
	// failure in either gets another attempt on redelivery.
	if err := vaultstate.MarkEventSeen(ctx, h.store, eventID); err != nil {
		return fmt.Errorf("recording distribution event: %w", err)
	}

	h.log.Info("share stored",
		slog.String("vault_id", payload.VaultID.String()),
		slog.Uint64("version", payload.DistributionVersion),
		slog.Int("peers", len(payload.Peers)))
	return nil
}

// OnRecoveryRequest answers a recovery request. The share is attached only
// when the approver consents; a missing share or a denial still produces a
// response so the initiator is not left waiting.
func (h *Handler) OnRecoveryRequest(ctx context.Context, eventID interfaces.EventID, sender interfaces.IdentityKey, payload interfaces.RecoveryRequestPayload) error {
	seen, err := vaultstate.EventSeen(ctx, h.store, eventID)
	if err != nil {
		return fmt.Errorf("checking recovery request event: %w", err)
	}
	if seen {
		h.log.Debug("duplicate recovery request dropped", slog.String("event_id", string(eventID)))
		return nil
	}

	response := interfaces.RecoveryResponsePayload{
		VaultID:        payload.VaultID,
		SessionID:      payload.SessionID,
		RequestEventID: eventID,
	}

	held, err := h.HeldShare(ctx, payload.VaultID)
	switch {
	case errors.Is(err, interfaces.ErrKeyNotFound):
		h.log.Warn("recovery request for unheld vault",
			slog.String("vault_id", payload.VaultID.String()))
	case err != nil:
		return fmt.Errorf("loading held share: %w", err)
	case h.approve != nil && h.approve(payload):
		response.Approved = true
		response.Share = &held.Share
	}

	if err := h.publish(ctx, sender, interfaces.KindRecoveryResponse, response); err != nil {
		return fmt.Errorf("publishing recovery response: %w", err)
	}
	if err := vaultstate.MarkEventSeen(ctx, h.store, eventID); err != nil {
		return fmt.Errorf("recording recovery request event: %w", err)
	}

	h.log.Info("recovery request answered",
		slog.String("session_id", payload.SessionID),
		slog.Bool("approved", response.Approved))
	return nil
}

// OnStewardRemoved drops the held share after removal from the roster. Only
// the identity that distributed the share may revoke it.
func (h *Handler) OnStewardRemoved(ctx context.Context, eventID interfaces.EventID, sender interfaces.IdentityKey, payload interfaces.StewardRemovedPayload) error {
	seen, err := vaultstate.EventSeen(ctx, h.store, eventID)
	if err != nil {
		return fmt.Errorf("checking removal event: %w", err)
	}
	if seen {
		return nil
	}

	held, err := h.HeldShare(ctx, payload.VaultID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading held share: %w", err)
	}
	if !held.OwnerKey.Equal(sender) {
		h.log.Warn("removal notice from non-owner dropped",
			slog.String("vault_id", payload.VaultID.String()),
			slog.String("sender", sender.String()))
		return nil
	}

	if err := h.store.Delete(ctx, vaultstate.StewardShareKey(payload.VaultID)); err != nil {
		return fmt.Errorf("deleting held share: %w", err)
	}
	if err := vaultstate.MarkEventSeen(ctx, h.store, eventID); err != nil {
		return fmt.Errorf("recording removal event: %w", err)
	}
	h.log.Info("held share dropped after removal",
		slog.String("vault_id", payload.VaultID.String()),
		slog.String("reason", payload.Reason))
	return nil
}

// OnInvitationInvalid surfaces a rejected redemption attempt.
func (h *Handler) OnInvitationInvalid(ctx context.Context, eventID interfaces.EventID, payload interfaces.InvitationInvalidPayload) error {
	seen, err := vaultstate.EventSeen(ctx, h.store, eventID)
	if err != nil {
		return fmt.Errorf("checking invalid-code event: %w", err)
	}
	if seen {
		return nil
	}
	h.log.Warn("invitation rejected",
		slog.String("reason", payload.Reason))
	return vaultstate.MarkEventSeen(ctx, h.store, eventID)
}

// HeldShare returns the stored share record for a vault.
func (h *Handler) HeldShare(ctx context.Context, vaultID interfaces.VaultID) (*HeldShare, error) {
	raw, err := h.store.Get(ctx, vaultstate.StewardShareKey(vaultID))
	if err != nil {
		return nil, err
	}
	var held HeldShare
	if err := json.Unmarshal(raw, &held); err != nil {
		return nil, fmt.Errorf("decoding held share: %w", err)
	}
	return &held, nil
}

func (h *Handler) reportError(ctx context.Context, owner interfaces.IdentityKey, dist interfaces.ShareDistributionPayload, reason string) {
	payload := interfaces.ShareErrorPayload{
		VaultID:             dist.VaultID,
		DistributionVersion: dist.DistributionVersion,
		Reason:              reason,
	}
	if err := h.publish(ctx, owner, interfaces.KindShareError, payload); err != nil {
		h.log.Warn("publishing share error", slog.Any("err", err))
	}
}

func (h *Handler) publish(ctx context.Context, recipient interfaces.IdentityKey, kind interfaces.EventKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	encrypted, err := cryptoutils.EncryptEnvelope(recipient, raw)
	if err != nil {
		return err
	}
	_, err = h.transport.Publish(ctx, recipient, kind, encrypted)
	return err
}
