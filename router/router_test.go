package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/steward-backup/cryptoutils"
	"github.com/ruteri/steward-backup/distribution"
	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/ledger"
	"github.com/ruteri/steward-backup/recovery"
	"github.com/ruteri/steward-backup/steward"
	"github.com/ruteri/steward-backup/storage"
	"github.com/ruteri/steward-backup/transport"
	"github.com/ruteri/steward-backup/vaultstate"
)

// node is one protocol participant with the full handler set, able to act
// as vault owner and as steward for other vaults.
type node struct {
	identity *cryptoutils.Identity
	store    *storage.MemoryStore
	ledger   *ledger.Ledger
	dist     *distribution.Coordinator
	rec      *recovery.Coordinator
	steward  *steward.Handler
}

func newNode(t *testing.T, ctx context.Context, bus *transport.Bus) *node {
	t.Helper()

	identity, err := cryptoutils.GenerateIdentity()
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	guard := vaultstate.NewGuard()
	endpoint := bus.Endpoint(identity.PublicKey())
	clock := interfaces.SystemClock{}
	scheduler := interfaces.SystemScheduler{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	n := &node{
		identity: identity,
		store:    store,
		ledger:   ledger.New(store, endpoint, clock, guard, identity.PublicKey(), log),
		dist: distribution.New(distribution.Config{
			Store:        store,
			Transport:    endpoint,
			Clock:        clock,
			Scheduler:    scheduler,
			Guard:        guard,
			Log:          log,
			EscrowSecret: []byte("escrow secret of " + identity.PublicKey().String()),
		}),
		rec: recovery.New(recovery.Config{
			Store:     store,
			Transport: endpoint,
			Clock:     clock,
			Scheduler: scheduler,
			Guard:     guard,
			Log:       log,
		}),
	}
	n.steward = steward.New(store, endpoint, identity, clock,
		func(interfaces.RecoveryRequestPayload) bool { return true }, log)

	r := New(identity, endpoint, Handlers{
		Ledger:       n.ledger,
		Distribution: n.dist,
		Recovery:     n.rec,
		Steward:      n.steward,
	}, log)
	go func() { _ = r.Run(ctx) }()

	return n
}

func (n *node) key() interfaces.IdentityKey { return n.identity.PublicKey() }

// TestFullProtocolRoundTrip walks the whole lifecycle: vault setup,
// invitations and redemptions, share distribution with confirmations, and a
// quorum recovery started by a steward.
func TestFullProtocolRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Duplicated delivery exercises handler idempotency throughout.
	bus := transport.NewBus()
	bus.DeliverCopies = 2

	owner := newNode(t, ctx, bus)
	stewards := []*node{newNode(t, ctx, bus), newNode(t, ctx, bus), newNode(t, ctx, bus)}

	vaultID := interfaces.DeriveVaultID(owner.key(), "family-vault")
	_, err := owner.dist.InitVault(ctx, vaultID, 2, 3, []string{"https://relay.test"})
	require.NoError(t, err)

	for i, st := range stewards {
		link, err := owner.ledger.CreateInvitation(ctx, vaultID, fmt.Sprintf("steward-%d", i))
		require.NoError(t, err)
		require.NoError(t, owner.ledger.MarkShared(ctx, link.InviteCode))
		require.NoError(t, st.steward.Rsvp(ctx, owner.key(), link.InviteCode, fmt.Sprintf("steward-%d", i)))
	}

	require.Eventually(t, func() bool {
		cfg, err := vaultstate.LoadConfig(ctx, owner.store, vaultID)
		return err == nil && len(cfg.Roster()) == 3
	}, 5*time.Second, 10*time.Millisecond, "all redemptions should reach the roster")

	secret := []byte("vault master key material")
	require.NoError(t, owner.dist.Distribute(ctx, vaultID, secret))

	require.Eventually(t, func() bool {
		cfg, err := vaultstate.LoadConfig(ctx, owner.store, vaultID)
		return err == nil && cfg.Status == interfaces.BackupActive
	}, 5*time.Second, 10*time.Millisecond, "every steward should confirm the distribution")

	cfg, err := vaultstate.LoadConfig(ctx, owner.store, vaultID)
	require.NoError(t, err)
	for _, holder := range cfg.Roster() {
		assert.Equal(t, interfaces.HolderAcknowledged, holder.Status)
		assert.Equal(t, uint64(1), holder.ConfirmedVersion)
	}

	// The initiating steward recovers using its held share and peer list.
	initiator := stewards[0]
	held, err := initiator.steward.HeldShare(ctx, vaultID)
	require.NoError(t, err)

	roster := []interfaces.IdentityKey{initiator.key()}
	for _, peer := range held.Peers {
		roster = append(roster, peer.IdentityKey)
	}
	session, err := initiator.rec.Initiate(ctx, recovery.InitiateParams{
		VaultID:   vaultID,
		Initiator: initiator.key(),
		Roster:    roster,
		Threshold: held.Share.Threshold,
		OwnShare:  &held.Share,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := initiator.rec.Session(ctx, session.SessionID)
		return err == nil && state.Status == interfaces.SessionSatisfied
	}, 5*time.Second, 10*time.Millisecond, "peer responses should satisfy the quorum")

	recovered, err := initiator.rec.Result(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, secret, recovered, "recovered secret should match the original")
}

// TestSecondRedeemerRejected covers the race of two invitees using the same
// code: the first wins, the second is notified and never joins the roster.
func TestSecondRedeemerRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := transport.NewBus()
	owner := newNode(t, ctx, bus)
	winner := newNode(t, ctx, bus)
	loser := newNode(t, ctx, bus)

	vaultID := interfaces.DeriveVaultID(owner.key(), "family-vault")
	_, err := owner.dist.InitVault(ctx, vaultID, 2, 3, []string{"https://relay.test"})
	require.NoError(t, err)

	link, err := owner.ledger.CreateInvitation(ctx, vaultID, "whoever")
	require.NoError(t, err)

	require.NoError(t, winner.steward.Rsvp(ctx, owner.key(), link.InviteCode, "first"))
	require.Eventually(t, func() bool {
		stored, err := owner.ledger.Invitation(ctx, link.InviteCode)
		return err == nil && stored.Status == interfaces.InviteRedeemed
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, loser.steward.Rsvp(ctx, owner.key(), link.InviteCode, "second"))

	require.Eventually(t, func() bool {
		cfg, err := vaultstate.LoadConfig(ctx, owner.store, vaultID)
		if err != nil {
			return false
		}
		return cfg.HolderByKey(winner.key()) != nil
	}, 5*time.Second, 10*time.Millisecond)

	// The loser never enters the roster no matter how long we wait for the
	// second rsvp to be processed.
	time.Sleep(100 * time.Millisecond)
	cfg, err := vaultstate.LoadConfig(ctx, owner.store, vaultID)
	require.NoError(t, err)
	assert.Nil(t, cfg.HolderByKey(loser.key()), "second redeemer must not join the roster")
}
