// Package ledger tracks invitation codes and their single-use redemption.
// The vault owner mints codes, invitees accept or decline them over the
// relay transport, and every inbound event is deduplicated so that
// redelivered envelopes never double-apply.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/steward-backup/cryptoutils"
	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/vaultstate"
)

// Ledger owns the invitation lifecycle for all vaults of one owner identity.
type Ledger struct {
	store     interfaces.Store
	transport interfaces.EventTransport
	clock     interfaces.Clock
	guard     *vaultstate.Guard
	owner     interfaces.IdentityKey
	log       *slog.Logger
}

// New creates an invitation ledger bound to the owner identity.
func New(store interfaces.Store, transport interfaces.EventTransport, clock interfaces.Clock, guard *vaultstate.Guard, owner interfaces.IdentityKey, log *slog.Logger) *Ledger {
	return &Ledger{
		store:     store,
		transport: transport,
		clock:     clock,
		guard:     guard,
		owner:     owner,
		log:       log,
	}
}

// CreateInvitation mints a fresh single-use code for the vault. The code is
// returned to the caller for out-of-band delivery; it starts in the Created
// state and moves to Pending once MarkShared is called.
func (l *Ledger) CreateInvitation(ctx context.Context, vaultID interfaces.VaultID, inviteeName string) (*interfaces.InvitationLink, error) {
	unlock := l.guard.Lock(vaultID)
	defer unlock()

	cfg, err := vaultstate.LoadConfig(ctx, l.store, vaultID)
	if err != nil {
		return nil, fmt.Errorf("loading vault config: %w", err)
	}

	code, err := cryptoutils.NewInviteCode()
	if err != nil {
		return nil, fmt.Errorf("generating invite code: %w", err)
	}

	link := &interfaces.InvitationLink{
		InviteCode:     code,
		VaultID:        vaultID,
		OwnerKey:       l.owner,
		RelayAddresses: cfg.RelayAddresses,
		InviteeName:    inviteeName,
		Status:         interfaces.InviteCreated,
	}

	if err := vaultstate.SaveInvite(ctx, l.store, link); err != nil {
		return nil, fmt.Errorf("persisting invitation: %w", err)
	}

	l.log.Info("invitation created",
		slog.String("vault_id", vaultID.String()),
		slog.String("invitee", inviteeName))
	return link, nil
}

// MarkShared records that the code has been handed to the invitee.
func (l *Ledger) MarkShared(ctx context.Context, code string) error {
	link, err := l.loadInvite(ctx, code)
	if err != nil {
		return err
	}

	unlock := l.guard.Lock(link.VaultID)
	defer unlock()

	link, err = l.loadInvite(ctx, code)
	if err != nil {
		return err
	}
	if link.Status != interfaces.InviteCreated {
		return nil
	}
	link.Status = interfaces.InvitePending
	return vaultstate.SaveInvite(ctx, l.store, link)
}

// Redeem applies an inbound RSVP envelope. The first distinct redeemer wins;
// a second, different redeemer is told the code is invalid and the ledger
// state is left untouched. A repeat RSVP from the winning redeemer is a
// no-op, so redelivered envelopes are harmless.
func (l *Ledger) Redeem(ctx context.Context, eventID interfaces.EventID, payload interfaces.InvitationRsvpPayload) error {
	if err := cryptoutils.ValidateInviteCode(payload.InviteCode); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrMalformedInviteCode, err)
	}
	if err := payload.RedeemerKey.Validate(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrMalformedIdentityKey, err)
	}

	seen, err := vaultstate.EventSeen(ctx, l.store, eventID)
	if err != nil {
		return fmt.Errorf("checking rsvp event: %w", err)
	}
	if seen {
		l.log.Debug("duplicate rsvp dropped", slog.String("event_id", string(eventID)))
		return nil
	}

	link, err := l.loadInvite(ctx, payload.InviteCode)
	if err != nil {
		if errors.Is(err, interfaces.ErrInviteNotFound) {
			l.notifyInvalid(ctx, payload.RedeemerKey, payload.InviteCode, "unknown_code")
		}
		return err
	}

	unlock := l.guard.Lock(link.VaultID)
	defer unlock()

	link, err = l.loadInvite(ctx, payload.InviteCode)
	if err != nil {
		return err
	}

	switch link.Status {
	case interfaces.InviteRedeemed:
		if link.RedeemedBy != nil && link.RedeemedBy.Equal(payload.RedeemerKey) {
			return nil
		}
		l.notifyInvalid(ctx, payload.RedeemerKey, payload.InviteCode, "already_redeemed")
		return interfaces.ErrAlreadyRedeemed
	case interfaces.InviteDenied, interfaces.InviteInvalidated, interfaces.InviteError:
		l.notifyInvalid(ctx, payload.RedeemerKey, payload.InviteCode, "invalidated")
		return interfaces.ErrInvitationInvalidated
	}

	cfg, err := vaultstate.LoadConfig(ctx, l.store, link.VaultID)
	if err != nil {
		return fmt.Errorf("loading vault config: %w", err)
	}

	name := payload.DisplayName
	if name == "" {
		name = link.InviteeName
	}
	if holder := cfg.HolderByKey(payload.RedeemerKey); holder != nil {
		holder.DisplayName = name
		if holder.Status == interfaces.HolderRevoked {
			holder.Status = interfaces.HolderPending
			holder.ErrorReason = ""
		}
	} else {
		cfg.KeyHolders = append(cfg.KeyHolders, interfaces.KeyHolder{
			IdentityKey: payload.RedeemerKey,
			DisplayName: name,
			Status:      interfaces.HolderPending,
		})
	}

	now := l.clock.Now()
	link.Status = interfaces.InviteRedeemed
	link.RedeemedBy = &payload.RedeemerKey
	link.RedeemedAt = &now

	// Both records are persisted before anything is published so a crash
	// never leaves a redeemed code without its roster entry.
	if err := vaultstate.SaveConfig(ctx, l.store, cfg); err != nil {
		return fmt.Errorf("persisting roster update: %w", err)
	}
	if err := vaultstate.SaveInvite(ctx, l.store, link); err != nil {
		return fmt.Errorf("persisting invitation: %w", err)
	}
	// Recorded only once the mutation is durable; a failure above means the
	// redelivered envelope gets a fresh attempt instead of a duplicate drop.
	if err := vaultstate.MarkEventSeen(ctx, l.store, eventID); err != nil {
		return fmt.Errorf("recording rsvp event: %w", err)
	}

	l.log.Info("invitation redeemed",
		slog.String("vault_id", link.VaultID.String()),
		slog.String("redeemer", payload.RedeemerKey.String()),
		slog.String("display_name", name))
	return nil
}

// Deny applies an inbound denial envelope. Denying a terminal invitation is
// a logged no-op.
func (l *Ledger) Deny(ctx context.Context, eventID interfaces.EventID, payload interfaces.InvitationDenialPayload) error {
	seen, err := vaultstate.EventSeen(ctx, l.store, eventID)
	if err != nil {
		return fmt.Errorf("checking denial event: %w", err)
	}
	if seen {
		l.log.Debug("duplicate denial dropped", slog.String("event_id", string(eventID)))
		return nil
	}

	link, err := l.loadInvite(ctx, payload.InviteCode)
	if err != nil {
		return err
	}

	unlock := l.guard.Lock(link.VaultID)
	defer unlock()

	link, err = l.loadInvite(ctx, payload.InviteCode)
	if err != nil {
		return err
	}
	if link.Status.Terminal() || link.Status == interfaces.InviteRedeemed {
		l.log.Debug("denial for settled invitation dropped",
			slog.String("status", link.Status.String()))
		return nil
	}

	link.Status = interfaces.InviteDenied
	if err := vaultstate.SaveInvite(ctx, l.store, link); err != nil {
		return fmt.Errorf("persisting invitation: %w", err)
	}
	if err := vaultstate.MarkEventSeen(ctx, l.store, eventID); err != nil {
		return fmt.Errorf("recording denial event: %w", err)
	}

	l.log.Info("invitation denied",
		slog.String("vault_id", link.VaultID.String()),
		slog.String("reason", payload.Reason))
	return nil
}

// Invalidate withdraws a code. For an unredeemed code this simply closes it;
// the invitee learns of the withdrawal if they later try to redeem. A
// redeemed code may only be invalidated as part of removing the steward from
// the roster, which the distribution coordinator drives.
func (l *Ledger) Invalidate(ctx context.Context, code string, reason string) error {
	link, err := l.loadInvite(ctx, code)
	if err != nil {
		return err
	}

	unlock := l.guard.Lock(link.VaultID)
	defer unlock()

	link, err = l.loadInvite(ctx, code)
	if err != nil {
		return err
	}
	if link.Status == interfaces.InviteInvalidated {
		return nil
	}

	link.Status = interfaces.InviteInvalidated
	if err := vaultstate.SaveInvite(ctx, l.store, link); err != nil {
		return fmt.Errorf("persisting invitation: %w", err)
	}

	l.log.Info("invitation invalidated",
		slog.String("vault_id", link.VaultID.String()),
		slog.String("reason", reason))
	return nil
}

// Invitation returns the current state of a code.
func (l *Ledger) Invitation(ctx context.Context, code string) (*interfaces.InvitationLink, error) {
	return l.loadInvite(ctx, code)
}

func (l *Ledger) loadInvite(ctx context.Context, code string) (*interfaces.InvitationLink, error) {
	link, err := vaultstate.LoadInvite(ctx, l.store, code)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, interfaces.ErrInviteNotFound
	}
	return link, err
}

// notifyInvalid tells a would-be redeemer that the code cannot be used.
// Delivery is best effort; the notice carries no secret material.
func (l *Ledger) notifyInvalid(ctx context.Context, recipient interfaces.IdentityKey, code string, reason string) {
	raw, err := json.Marshal(interfaces.InvitationInvalidPayload{InviteCode: code, Reason: reason})
	if err != nil {
		l.log.Error("encoding invalid-code notice", slog.Any("err", err))
		return
	}
	encrypted, err := cryptoutils.EncryptEnvelope(recipient, raw)
	if err != nil {
		l.log.Error("encrypting invalid-code notice", slog.Any("err", err))
		return
	}
	if _, err := l.transport.Publish(ctx, recipient, interfaces.KindInvitationInvalid, encrypted); err != nil {
		l.log.Warn("publishing invalid-code notice",
			slog.String("recipient", recipient.String()),
			slog.Any("err", err))
	}
}
