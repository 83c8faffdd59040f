package steward

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/steward-backup/cryptoutils"
	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/sss"
	"github.com/ruteri/steward-backup/storage"
	"github.com/ruteri/steward-backup/transport"
	"github.com/ruteri/steward-backup/vaultstate"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stewardFixture struct {
	handler    *Handler
	store      *storage.MemoryStore
	bus        *transport.Bus
	owner      *cryptoutils.Identity
	steward    *cryptoutils.Identity
	ownerInbox <-chan interfaces.InboundEnvelope
	vaultID    interfaces.VaultID
	approve    bool
}

func newStewardFixture(t *testing.T) *stewardFixture {
	t.Helper()

	owner, err := cryptoutils.GenerateIdentity()
	require.NoError(t, err)
	stewardID, err := cryptoutils.GenerateIdentity()
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	bus := transport.NewBus()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ownerInbox, err := bus.Endpoint(owner.PublicKey()).Subscribe(ctx, owner.PublicKey())
	require.NoError(t, err)

	fix := &stewardFixture{
		store:      store,
		bus:        bus,
		owner:      owner,
		steward:    stewardID,
		ownerInbox: ownerInbox,
		vaultID:    interfaces.DeriveVaultID(owner.PublicKey(), "family-vault"),
		approve:    true,
	}
	fix.handler = New(
		store,
		bus.Endpoint(stewardID.PublicKey()),
		stewardID,
		fixedClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
		func(interfaces.RecoveryRequestPayload) bool { return fix.approve },
		log,
	)
	return fix
}

func (f *stewardFixture) ownerReceives(t *testing.T, kind interfaces.EventKind, out any) {
	t.Helper()
	select {
	case env := <-f.ownerInbox:
		require.Equal(t, kind, env.Kind, "unexpected envelope kind")
		raw, err := cryptoutils.DecryptEnvelope(f.owner, env.Payload)
		require.NoError(t, err, "owner should decrypt the envelope")
		require.NoError(t, json.Unmarshal(raw, out))
	case <-time.After(time.Second):
		t.Fatalf("owner did not receive a %s envelope", kind)
	}
}

func (f *stewardFixture) ownerReceivesNothing(t *testing.T) {
	t.Helper()
	select {
	case env := <-f.ownerInbox:
		t.Fatalf("unexpected envelope of kind %s", env.Kind)
	default:
	}
}

func (f *stewardFixture) distribution(version uint64) interfaces.ShareDistributionPayload {
	shares, _ := sss.Split([]byte("vault master key material"), 2, 3)
	return interfaces.ShareDistributionPayload{
		VaultID:             f.vaultID,
		VaultName:           "family vault",
		DistributionVersion: version,
		Share:               shares[0],
		Peers:               []interfaces.PeerInfo{{DisplayName: "other"}},
		RelayAddresses:      []string{"https://relay.test"},
	}
}

func TestRsvpAndDecline(t *testing.T) {
	fix := newStewardFixture(t)
	ctx := context.Background()

	code, err := cryptoutils.NewInviteCode()
	require.NoError(t, err)

	require.NoError(t, fix.handler.Rsvp(ctx, fix.owner.PublicKey(), code, "Alice"))
	var rsvp interfaces.InvitationRsvpPayload
	fix.ownerReceives(t, interfaces.KindInvitationRsvp, &rsvp)
	assert.Equal(t, code, rsvp.InviteCode)
	assert.True(t, rsvp.RedeemerKey.Equal(fix.steward.PublicKey()), "rsvp should carry the steward key")
	assert.Equal(t, "Alice", rsvp.DisplayName)

	require.NoError(t, fix.handler.Decline(ctx, fix.owner.PublicKey(), code, "no thanks"))
	var denial interfaces.InvitationDenialPayload
	fix.ownerReceives(t, interfaces.KindInvitationDenial, &denial)
	assert.Equal(t, "no thanks", denial.Reason)
}

func TestShareDistributionStoresAndConfirms(t *testing.T) {
	fix := newStewardFixture(t)
	ctx := context.Background()
	dist := fix.distribution(1)

	require.NoError(t, fix.handler.OnShareDistribution(ctx, "evt-1", fix.owner.PublicKey(), dist))

	var confirmation interfaces.ShareConfirmationPayload
	fix.ownerReceives(t, interfaces.KindShareConfirmation, &confirmation)
	assert.Equal(t, uint64(1), confirmation.DistributionVersion)

	held, err := fix.handler.HeldShare(ctx, fix.vaultID)
	require.NoError(t, err, "share should be stored")
	assert.Equal(t, dist.Share, held.Share)
	assert.True(t, held.OwnerKey.Equal(fix.owner.PublicKey()), "distributing identity should be recorded as owner")

	// Redelivery of the same envelope produces no second confirmation.
	require.NoError(t, fix.handler.OnShareDistribution(ctx, "evt-1", fix.owner.PublicKey(), dist))
	fix.ownerReceivesNothing(t)
}

func TestStaleDistributionDropped(t *testing.T) {
	fix := newStewardFixture(t)
	ctx := context.Background()

	require.NoError(t, fix.handler.OnShareDistribution(ctx, "evt-2", fix.owner.PublicKey(), fix.distribution(2)))
	var confirmation interfaces.ShareConfirmationPayload
	fix.ownerReceives(t, interfaces.KindShareConfirmation, &confirmation)

	require.NoError(t, fix.handler.OnShareDistribution(ctx, "evt-1", fix.owner.PublicKey(), fix.distribution(1)))
	fix.ownerReceivesNothing(t)

	held, err := fix.handler.HeldShare(ctx, fix.vaultID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), held.DistributionVersion, "newer version should be kept")
}

func TestRecoveryRequestAnswered(t *testing.T) {
	fix := newStewardFixture(t)
	ctx := context.Background()

	require.NoError(t, fix.handler.OnShareDistribution(ctx, "evt-1", fix.owner.PublicKey(), fix.distribution(1)))
	var confirmation interfaces.ShareConfirmationPayload
	fix.ownerReceives(t, interfaces.KindShareConfirmation, &confirmation)

	request := interfaces.RecoveryRequestPayload{
		VaultID:      fix.vaultID,
		SessionID:    "session-1",
		InitiatorKey: fix.owner.PublicKey(),
		Threshold:    2,
	}
	require.NoError(t, fix.handler.OnRecoveryRequest(ctx, "req-1", fix.owner.PublicKey(), request))

	var response interfaces.RecoveryResponsePayload
	fix.ownerReceives(t, interfaces.KindRecoveryResponse, &response)
	assert.True(t, response.Approved, "approver consented")
	require.NotNil(t, response.Share, "approved response should carry the share")
	assert.Equal(t, interfaces.EventID("req-1"), response.RequestEventID)

	// A denial still answers, without the share. The response variable is
	// zeroed first: the denied payload omits "share" entirely, and Unmarshal
	// would otherwise leave the approved response's share in place.
	fix.approve = false
	response = interfaces.RecoveryResponsePayload{}
	require.NoError(t, fix.handler.OnRecoveryRequest(ctx, "req-2", fix.owner.PublicKey(), request))
	fix.ownerReceives(t, interfaces.KindRecoveryResponse, &response)
	assert.False(t, response.Approved)
	assert.Nil(t, response.Share, "denied response must not leak the share")
}

func TestRecoveryRequestForUnheldVault(t *testing.T) {
	fix := newStewardFixture(t)
	ctx := context.Background()

	request := interfaces.RecoveryRequestPayload{
		VaultID:   fix.vaultID,
		SessionID: "session-1",
		Threshold: 2,
	}
	require.NoError(t, fix.handler.OnRecoveryRequest(ctx, "req-1", fix.owner.PublicKey(), request))

	var response interfaces.RecoveryResponsePayload
	fix.ownerReceives(t, interfaces.KindRecoveryResponse, &response)
	assert.False(t, response.Approved, "no held share means no approval")
	assert.Nil(t, response.Share)
}

func TestStewardRemovedDropsShare(t *testing.T) {
	fix := newStewardFixture(t)
	ctx := context.Background()

	require.NoError(t, fix.handler.OnShareDistribution(ctx, "evt-1", fix.owner.PublicKey(), fix.distribution(1)))
	var confirmation interfaces.ShareConfirmationPayload
	fix.ownerReceives(t, interfaces.KindShareConfirmation, &confirmation)

	removal := interfaces.StewardRemovedPayload{VaultID: fix.vaultID, Reason: "rotation"}

	// A stranger cannot revoke the share.
	stranger, err := cryptoutils.GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, fix.handler.OnStewardRemoved(ctx, "rm-0", stranger.PublicKey(), removal))
	_, err = fix.handler.HeldShare(ctx, fix.vaultID)
	require.NoError(t, err, "share should survive a non-owner removal notice")

	require.NoError(t, fix.handler.OnStewardRemoved(ctx, "rm-1", fix.owner.PublicKey(), removal))
	_, err = fix.handler.HeldShare(ctx, fix.vaultID)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound, "share should be dropped after owner removal")

	_, err = fix.store.Get(ctx, vaultstate.StewardShareKey(fix.vaultID))
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}
