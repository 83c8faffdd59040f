package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, maxPending int) *httptest.Server {
	t.Helper()
	srv := New(&ServerConfig{
		ListenAddr: "127.0.0.1:0",
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxPending: maxPending,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func publish(t *testing.T, ts *httptest.Server, recipient string, env Envelope) string {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/v1/publish/"+recipient, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "publish should succeed")

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out["id"]
}

func poll(t *testing.T, ts *httptest.Server, recipient, wait string) []Envelope {
	t.Helper()
	url := ts.URL + "/api/v1/poll/" + recipient
	if wait != "" {
		url += "?wait=" + wait
	}
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "poll should succeed")

	var out map[string][]Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out["envelopes"]
}

func ack(t *testing.T, ts *httptest.Server, recipient, id string) int {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/ack/"+recipient+"/"+id, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestPublishPollAck(t *testing.T) {
	ts := newTestServer(t, 0)

	id := publish(t, ts, "alice", Envelope{
		ID:      "evt-1",
		Kind:    24101,
		Sender:  "owner",
		Payload: []byte("opaque ciphertext"),
	})
	assert.Equal(t, "evt-1", id, "server should honor the client event ID")

	envelopes := poll(t, ts, "alice", "")
	require.Len(t, envelopes, 1)
	assert.Equal(t, "evt-1", envelopes[0].ID)
	assert.Equal(t, 24101, envelopes[0].Kind)
	assert.Equal(t, "alice", envelopes[0].Recipient)
	assert.Equal(t, []byte("opaque ciphertext"), envelopes[0].Payload)

	// Unacked envelopes are redelivered on the next poll.
	envelopes = poll(t, ts, "alice", "")
	require.Len(t, envelopes, 1, "unacked envelope should be redelivered")

	assert.Equal(t, http.StatusOK, ack(t, ts, "alice", "evt-1"))
	assert.Empty(t, poll(t, ts, "alice", ""), "acked envelope should be gone")

	assert.Equal(t, http.StatusNotFound, ack(t, ts, "alice", "evt-1"), "double ack should report not found")
}

func TestPublishDeduplicatesByID(t *testing.T) {
	ts := newTestServer(t, 0)

	env := Envelope{ID: "evt-1", Kind: 24102, Payload: []byte("x")}
	publish(t, ts, "alice", env)
	publish(t, ts, "alice", env)

	assert.Len(t, poll(t, ts, "alice", ""), 1, "repeated publish of one ID should queue once")
}

func TestMailboxesAreIsolated(t *testing.T) {
	ts := newTestServer(t, 0)

	publish(t, ts, "alice", Envelope{ID: "a-1", Payload: []byte("x")})
	publish(t, ts, "bob", Envelope{ID: "b-1", Payload: []byte("y")})

	alice := poll(t, ts, "alice", "")
	require.Len(t, alice, 1)
	assert.Equal(t, "a-1", alice[0].ID)

	bob := poll(t, ts, "bob", "")
	require.Len(t, bob, 1)
	assert.Equal(t, "b-1", bob[0].ID)
}

func TestLongPollReturnsOnPublish(t *testing.T) {
	ts := newTestServer(t, 0)

	done := make(chan []Envelope, 1)
	go func() {
		done <- poll(t, ts, "alice", "5s")
	}()

	time.Sleep(50 * time.Millisecond)
	publish(t, ts, "alice", Envelope{ID: "evt-1", Payload: []byte("x")})

	select {
	case envelopes := <-done:
		require.Len(t, envelopes, 1, "long poll should return the published envelope")
	case <-time.After(3 * time.Second):
		t.Fatal("long poll did not return after publish")
	}
}

func TestMailboxCap(t *testing.T) {
	ts := newTestServer(t, 2)

	publish(t, ts, "alice", Envelope{ID: "evt-1", Payload: []byte("x")})
	publish(t, ts, "alice", Envelope{ID: "evt-2", Payload: []byte("y")})

	body, err := json.Marshal(Envelope{ID: "evt-3", Payload: []byte("z")})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/v1/publish/alice", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode, "a full mailbox should reject publishes")
}

func TestHealthEndpoints(t *testing.T) {
	srv := New(&ServerConfig{
		ListenAddr:    "127.0.0.1:0",
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		DrainDuration: time.Millisecond,
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/drain")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "draining server should not be ready")

	resp, err = http.Get(ts.URL + "/undrain")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
