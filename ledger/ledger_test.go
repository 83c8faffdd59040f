package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/steward-backup/cryptoutils"
	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/storage"
	"github.com/ruteri/steward-backup/transport"
	"github.com/ruteri/steward-backup/vaultstate"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type ledgerFixture struct {
	ledger  *Ledger
	store   *storage.MemoryStore
	bus     *transport.Bus
	owner   interfaces.IdentityKey
	vaultID interfaces.VaultID
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()

	ownerID, err := cryptoutils.GenerateIdentity()
	require.NoError(t, err, "generating owner identity should succeed")

	store := storage.NewMemoryStore()
	bus := transport.NewBus()
	owner := ownerID.PublicKey()
	vaultID := interfaces.DeriveVaultID(owner, "family-vault")

	cfg := &interfaces.BackupConfig{
		VaultID:        vaultID,
		Threshold:      2,
		TotalShares:    3,
		RelayAddresses: []string{"https://relay.test"},
	}
	require.NoError(t, vaultstate.SaveConfig(context.Background(), store, cfg), "seeding vault config should succeed")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := fixedClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	l := New(store, bus.Endpoint(owner), clock, vaultstate.NewGuard(), owner, log)

	return &ledgerFixture{ledger: l, store: store, bus: bus, owner: owner, vaultID: vaultID}
}

func newStewardKey(t *testing.T) interfaces.IdentityKey {
	t.Helper()
	id, err := cryptoutils.GenerateIdentity()
	require.NoError(t, err, "generating steward identity should succeed")
	return id.PublicKey()
}

func TestCreateInvitation(t *testing.T) {
	fix := newLedgerFixture(t)
	ctx := context.Background()

	link, err := fix.ledger.CreateInvitation(ctx, fix.vaultID, "Alice")
	require.NoError(t, err, "creating invitation should succeed")
	assert.Equal(t, interfaces.InviteCreated, link.Status, "fresh invitation should be in created state")
	assert.Equal(t, fix.owner, link.OwnerKey, "invitation should carry the owner key")
	assert.Equal(t, []string{"https://relay.test"}, link.RelayAddresses, "invitation should carry the vault relays")

	require.NoError(t, fix.ledger.MarkShared(ctx, link.InviteCode), "marking invitation shared should succeed")
	stored, err := fix.ledger.Invitation(ctx, link.InviteCode)
	require.NoError(t, err)
	assert.Equal(t, interfaces.InvitePending, stored.Status, "shared invitation should be pending")
}

func TestRedeemAddsPendingHolder(t *testing.T) {
	fix := newLedgerFixture(t)
	ctx := context.Background()

	link, err := fix.ledger.CreateInvitation(ctx, fix.vaultID, "Alice")
	require.NoError(t, err)
	require.NoError(t, fix.ledger.MarkShared(ctx, link.InviteCode))

	steward := newStewardKey(t)
	err = fix.ledger.Redeem(ctx, "evt-1", interfaces.InvitationRsvpPayload{
		InviteCode:  link.InviteCode,
		RedeemerKey: steward,
		DisplayName: "Alice P.",
	})
	require.NoError(t, err, "first redemption should succeed")

	stored, err := fix.ledger.Invitation(ctx, link.InviteCode)
	require.NoError(t, err)
	assert.Equal(t, interfaces.InviteRedeemed, stored.Status, "invitation should be redeemed")
	require.NotNil(t, stored.RedeemedBy, "redeemer should be recorded")
	assert.True(t, stored.RedeemedBy.Equal(steward), "recorded redeemer should match")

	cfg, err := vaultstate.LoadConfig(ctx, fix.store, fix.vaultID)
	require.NoError(t, err)
	holder := cfg.HolderByKey(steward)
	require.NotNil(t, holder, "redeemer should appear in the roster")
	assert.Equal(t, interfaces.HolderPending, holder.Status, "new holder should await distribution")
	assert.Equal(t, "Alice P.", holder.DisplayName, "display name from the rsvp should win")
}

func TestRedeemIsSingleUse(t *testing.T) {
	fix := newLedgerFixture(t)
	ctx := context.Background()

	link, err := fix.ledger.CreateInvitation(ctx, fix.vaultID, "Alice")
	require.NoError(t, err)

	first := newStewardKey(t)
	second := newStewardKey(t)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	secondInbox, err := fix.bus.Endpoint(second).Subscribe(subCtx, second)
	require.NoError(t, err)

	require.NoError(t, fix.ledger.Redeem(ctx, "evt-1", interfaces.InvitationRsvpPayload{
		InviteCode:  link.InviteCode,
		RedeemerKey: first,
	}))

	err = fix.ledger.Redeem(ctx, "evt-2", interfaces.InvitationRsvpPayload{
		InviteCode:  link.InviteCode,
		RedeemerKey: second,
	})
	assert.ErrorIs(t, err, interfaces.ErrAlreadyRedeemed, "second distinct redeemer should be rejected")

	select {
	case env := <-secondInbox:
		assert.Equal(t, interfaces.KindInvitationInvalid, env.Kind, "loser should receive an invalid-code notice")
	case <-time.After(time.Second):
		t.Fatal("expected an invalid-code notice for the second redeemer")
	}

	cfg, err := vaultstate.LoadConfig(ctx, fix.store, fix.vaultID)
	require.NoError(t, err)
	assert.Nil(t, cfg.HolderByKey(second), "losing redeemer must not enter the roster")
}

func TestRedeemIdempotentForWinner(t *testing.T) {
	fix := newLedgerFixture(t)
	ctx := context.Background()

	link, err := fix.ledger.CreateInvitation(ctx, fix.vaultID, "Alice")
	require.NoError(t, err)

	steward := newStewardKey(t)
	rsvp := interfaces.InvitationRsvpPayload{InviteCode: link.InviteCode, RedeemerKey: steward}

	require.NoError(t, fix.ledger.Redeem(ctx, "evt-1", rsvp))

	// Redelivery of the same envelope and a fresh rsvp from the same key
	// are both no-ops.
	require.NoError(t, fix.ledger.Redeem(ctx, "evt-1", rsvp), "redelivered envelope should be dropped")
	require.NoError(t, fix.ledger.Redeem(ctx, "evt-3", rsvp), "repeat rsvp from the winner should be a no-op")

	cfg, err := vaultstate.LoadConfig(ctx, fix.store, fix.vaultID)
	require.NoError(t, err)
	assert.Len(t, cfg.KeyHolders, 1, "roster should contain the steward exactly once")
}

func TestRedeemUnknownCode(t *testing.T) {
	fix := newLedgerFixture(t)
	ctx := context.Background()

	steward := newStewardKey(t)
	err := fix.ledger.Redeem(ctx, "evt-1", interfaces.InvitationRsvpPayload{
		InviteCode:  "abc123",
		RedeemerKey: steward,
	})
	assert.ErrorIs(t, err, interfaces.ErrInviteNotFound, "well-formed but unknown code should be rejected")
}

func TestDenyInvitation(t *testing.T) {
	fix := newLedgerFixture(t)
	ctx := context.Background()

	link, err := fix.ledger.CreateInvitation(ctx, fix.vaultID, "Bob")
	require.NoError(t, err)

	require.NoError(t, fix.ledger.Deny(ctx, "evt-1", interfaces.InvitationDenialPayload{
		InviteCode: link.InviteCode,
		Reason:     "not interested",
	}))

	stored, err := fix.ledger.Invitation(ctx, link.InviteCode)
	require.NoError(t, err)
	assert.Equal(t, interfaces.InviteDenied, stored.Status, "invitation should be denied")
	assert.True(t, stored.Status.Terminal(), "denied invitation should be terminal")

	// A rsvp after denial is rejected.
	steward := newStewardKey(t)
	err = fix.ledger.Redeem(ctx, "evt-2", interfaces.InvitationRsvpPayload{
		InviteCode:  link.InviteCode,
		RedeemerKey: steward,
	})
	assert.ErrorIs(t, err, interfaces.ErrInvitationInvalidated, "denied code should not be redeemable")
}

func TestInvalidateInvitation(t *testing.T) {
	fix := newLedgerFixture(t)
	ctx := context.Background()

	link, err := fix.ledger.CreateInvitation(ctx, fix.vaultID, "Carol")
	require.NoError(t, err)

	require.NoError(t, fix.ledger.Invalidate(ctx, link.InviteCode, "owner withdrew"))
	require.NoError(t, fix.ledger.Invalidate(ctx, link.InviteCode, "again"), "invalidation should be idempotent")

	steward := newStewardKey(t)
	err = fix.ledger.Redeem(ctx, "evt-1", interfaces.InvitationRsvpPayload{
		InviteCode:  link.InviteCode,
		RedeemerKey: steward,
	})
	assert.ErrorIs(t, err, interfaces.ErrInvitationInvalidated, "withdrawn code should not be redeemable")
}
