package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/relay"
)

const (
	defaultPollWait    = 20 * time.Second
	publishRetries     = 2
	pollFailureBackoff = 5 * time.Second
)

// RelayClient is the production event transport. It fans every publish out
// to all configured relays and polls them all for inbound envelopes,
// deduplicating by event ID. A publish succeeds when at least one relay
// accepted it.
type RelayClient struct {
	relays   []string
	identity interfaces.IdentityKey
	client   *http.Client
	log      *slog.Logger

	pollWait time.Duration
}

// NewRelayClient creates a transport over the given relay base URLs.
func NewRelayClient(relays []string, identity interfaces.IdentityKey, log *slog.Logger) (*RelayClient, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: at least one relay address required", interfaces.ErrInvalidParameters)
	}
	return &RelayClient{
		relays:   relays,
		identity: identity,
		client:   &http.Client{Timeout: defaultPollWait + 10*time.Second},
		log:      log,
		pollWait: defaultPollWait,
	}, nil
}

// Publish sends the envelope to every relay. The client assigns the event ID
// so relays and recipients can deduplicate the fan-out.
func (c *RelayClient) Publish(ctx context.Context, recipient interfaces.IdentityKey, kind interfaces.EventKind, payload []byte) (interfaces.EventID, error) {
	env := relay.Envelope{
		ID:      uuid.NewString(),
		Kind:    int(kind),
		Sender:  c.identity.String(),
		Payload: payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding relay envelope: %w", err)
	}

	accepted := 0
	for _, base := range c.relays {
		url := base + "/api/v1/publish/" + recipient.String()
		op := func() error {
			return c.post(ctx, url, body)
		}
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), publishRetries), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			c.log.Warn("relay rejected publish",
				slog.String("relay", base),
				slog.Any("err", err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return "", fmt.Errorf("%w: %s", interfaces.ErrRecipientUnreachable, recipient)
	}
	return interfaces.EventID(env.ID), nil
}

// Subscribe polls every relay for the identity's mailbox. Envelopes stay
// pending on the relays until the consumer calls Ack after handling, so a
// crash before handling leads to redelivery, never to loss.
func (c *RelayClient) Subscribe(ctx context.Context, identity interfaces.IdentityKey) (<-chan interfaces.InboundEnvelope, error) {
	ch := make(chan interfaces.InboundEnvelope, 64)

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		wg   sync.WaitGroup
	)

	for _, base := range c.relays {
		wg.Add(1)
		go func(base string) {
			defer wg.Done()
			c.pollLoop(ctx, base, identity, ch, &mu, seen)
		}(base)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()

	return ch, nil
}

func (c *RelayClient) pollLoop(ctx context.Context, base string, identity interfaces.IdentityKey, ch chan<- interfaces.InboundEnvelope, mu *sync.Mutex, seen map[string]struct{}) {
	url := fmt.Sprintf("%s/api/v1/poll/%s?wait=%s", base, identity.String(), c.pollWait)

	for ctx.Err() == nil {
		envelopes, err := c.poll(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("relay poll failed",
				slog.String("relay", base),
				slog.Any("err", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollFailureBackoff):
			}
			continue
		}

		for _, env := range envelopes {
			inbound, err := toInbound(env, identity)
			if err != nil {
				c.log.Warn("malformed relay envelope dropped",
					slog.String("relay", base),
					slog.String("event_id", env.ID),
					slog.Any("err", err))
				c.ack(ctx, base, identity, env.ID)
				continue
			}

			mu.Lock()
			_, duplicate := seen[env.ID]
			if !duplicate {
				seen[env.ID] = struct{}{}
			}
			mu.Unlock()

			if duplicate {
				// Already handed to the consumer; its Ack settles every
				// relay's copy.
				continue
			}

			// The consumer settles the envelope once it has handled it. Until
			// then the relays keep it pending and every poll redelivers it.
			eventID := env.ID
			inbound.Ack = func() {
				for _, b := range c.relays {
					c.ack(context.Background(), b, identity, eventID)
				}
			}
			select {
			case ch <- inbound:
			case <-ctx.Done():
				return
			}
		}
	}
}

func toInbound(env relay.Envelope, recipient interfaces.IdentityKey) (interfaces.InboundEnvelope, error) {
	sender, err := interfaces.NewIdentityKeyFromHex(env.Sender)
	if err != nil {
		return interfaces.InboundEnvelope{}, fmt.Errorf("malformed sender key: %w", err)
	}
	return interfaces.InboundEnvelope{
		ID:           interfaces.EventID(env.ID),
		Kind:         interfaces.EventKind(env.Kind),
		SenderKey:    sender,
		RecipientKey: recipient,
		Payload:      env.Payload,
		ReceivedAt:   time.Now(),
	}, nil
}

func (c *RelayClient) poll(ctx context.Context, url string) ([]relay.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out map[string][]relay.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}
	return out["envelopes"], nil
}

func (c *RelayClient) ack(ctx context.Context, base string, identity interfaces.IdentityKey, id string) {
	url := fmt.Sprintf("%s/api/v1/ack/%s/%s", base, identity.String(), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debug("ack failed", slog.String("relay", base), slog.Any("err", err))
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (c *RelayClient) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}
