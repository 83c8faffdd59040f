package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/steward-backup/cryptoutils"
	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/relay"
)

func newRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := relay.New(&relay.ServerConfig{
		ListenAddr: "127.0.0.1:0",
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func testKeys(t *testing.T) (interfaces.IdentityKey, interfaces.IdentityKey) {
	t.Helper()
	a, err := cryptoutils.GenerateIdentity()
	require.NoError(t, err)
	b, err := cryptoutils.GenerateIdentity()
	require.NoError(t, err)
	return a.PublicKey(), b.PublicKey()
}

func TestBusDeliversQueuedEnvelopes(t *testing.T) {
	sender, recipient := testKeys(t)
	bus := NewBus()

	// Published before anyone subscribes; delivered on subscription.
	_, err := bus.Endpoint(sender).Publish(context.Background(), recipient, interfaces.KindShareDistribution, []byte("payload"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbox, err := bus.Endpoint(recipient).Subscribe(ctx, recipient)
	require.NoError(t, err)

	select {
	case env := <-inbox:
		assert.Equal(t, interfaces.KindShareDistribution, env.Kind)
		assert.True(t, env.SenderKey.Equal(sender))
		assert.Equal(t, []byte("payload"), env.Payload)
	case <-time.After(time.Second):
		t.Fatal("queued envelope was not delivered")
	}
}

func TestBusPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	sender, recipient := testKeys(t)
	bus := NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbox, err := bus.Endpoint(recipient).Subscribe(ctx, recipient)
	require.NoError(t, err)

	const total = 600
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			_, err := bus.Endpoint(sender).Publish(ctx, recipient, interfaces.KindShareConfirmation, []byte("x"))
			require.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishing stalled on an undrained subscriber")
	}

	for i := 0; i < total; i++ {
		select {
		case <-inbox:
		case <-time.After(5 * time.Second):
			t.Fatalf("envelope %d was not delivered", i)
		}
	}
}

func TestRelayClientRoundTrip(t *testing.T) {
	ts := newRelayServer(t)
	owner, steward := testKeys(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ownerClient, err := NewRelayClient([]string{ts.URL}, owner, log)
	require.NoError(t, err)
	stewardClient, err := NewRelayClient([]string{ts.URL}, steward, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbox, err := stewardClient.Subscribe(ctx, steward)
	require.NoError(t, err)

	id, err := ownerClient.Publish(ctx, steward, interfaces.KindShareDistribution, []byte("opaque ciphertext"))
	require.NoError(t, err)

	select {
	case env := <-inbox:
		assert.Equal(t, id, env.ID, "event ID should survive the relay")
		assert.Equal(t, interfaces.KindShareDistribution, env.Kind)
		assert.True(t, env.SenderKey.Equal(owner), "sender key should survive the relay")
		assert.Equal(t, []byte("opaque ciphertext"), env.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope did not arrive through the relay")
	}
}

func TestRelayClientFanOutDeduplicates(t *testing.T) {
	relayA := newRelayServer(t)
	relayB := newRelayServer(t)
	owner, steward := testKeys(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ownerClient, err := NewRelayClient([]string{relayA.URL, relayB.URL}, owner, log)
	require.NoError(t, err)
	stewardClient, err := NewRelayClient([]string{relayA.URL, relayB.URL}, steward, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbox, err := stewardClient.Subscribe(ctx, steward)
	require.NoError(t, err)

	_, err = ownerClient.Publish(ctx, steward, interfaces.KindRecoveryRequest, []byte("x"))
	require.NoError(t, err)

	select {
	case env := <-inbox:
		assert.Equal(t, interfaces.KindRecoveryRequest, env.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope did not arrive")
	}

	// The same event reached both relays; the subscriber must surface it
	// exactly once.
	select {
	case env := <-inbox:
		t.Fatalf("duplicate delivery surfaced, event %s", env.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRelayClientRedeliversUntilAcked(t *testing.T) {
	ts := newRelayServer(t)
	owner, steward := testKeys(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ownerClient, err := NewRelayClient([]string{ts.URL}, owner, log)
	require.NoError(t, err)

	subscribe := func() (<-chan interfaces.InboundEnvelope, context.CancelFunc) {
		client, err := NewRelayClient([]string{ts.URL}, steward, log)
		require.NoError(t, err)
		client.pollWait = time.Second
		ctx, cancel := context.WithCancel(context.Background())
		inbox, err := client.Subscribe(ctx, steward)
		require.NoError(t, err)
		return inbox, cancel
	}

	_, err = ownerClient.Publish(context.Background(), steward, interfaces.KindShareDistribution, []byte("x"))
	require.NoError(t, err)

	// First consumer receives the envelope but dies before acking.
	inbox, cancel := subscribe()
	var env interfaces.InboundEnvelope
	select {
	case env = <-inbox:
		require.NotNil(t, env.Ack, "relay envelopes should carry an ack")
	case <-time.After(5 * time.Second):
		t.Fatal("envelope did not arrive")
	}
	cancel()

	// A fresh consumer sees the unacked envelope again.
	inbox, cancel = subscribe()
	select {
	case env = <-inbox:
		require.NotNil(t, env.Ack)
	case <-time.After(5 * time.Second):
		t.Fatal("unacked envelope was not redelivered")
	}
	env.Ack()
	cancel()

	// Once acked the relay stops redelivering.
	inbox, cancel = subscribe()
	defer cancel()
	select {
	case env = <-inbox:
		t.Fatalf("acked envelope was redelivered, event %s", env.ID)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRelayClientUnreachable(t *testing.T) {
	owner, steward := testKeys(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := NewRelayClient([]string{"http://127.0.0.1:1"}, owner, log)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = client.Publish(ctx, steward, interfaces.KindShareDistribution, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrRecipientUnreachable, "publish with no reachable relay should fail")
}

func TestRelayClientRequiresRelays(t *testing.T) {
	owner, _ := testKeys(t)
	_, err := NewRelayClient(nil, owner, slog.Default())
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters)
}
