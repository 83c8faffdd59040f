// Package relay implements the rendezvous server stewards and owners
// exchange envelopes through. The relay only sees opaque encrypted payloads;
// it queues them per recipient until the recipient polls and acknowledges.
// Unacknowledged envelopes are redelivered on every poll, which gives the
// transport its at-least-once semantics.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Envelope is the relay wire format. Payload stays encrypted end to end; the
// relay never inspects it.
type Envelope struct {
	ID          string    `json:"id"`
	Kind        int       `json:"kind"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// ErrMailboxFull is returned when a recipient's queue hit its cap.
var ErrMailboxFull = errors.New("mailbox full")

const defaultMaxPending = 1024

type mailbox struct {
	mu      sync.Mutex
	pending []Envelope
	seen    map[string]struct{}
	notify  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		seen:   make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// MailboxRegistry holds one queue per recipient identity.
type MailboxRegistry struct {
	mu         sync.Mutex
	boxes      map[string]*mailbox
	maxPending int
}

// NewMailboxRegistry creates a registry. maxPending of zero applies the
// default cap per recipient.
func NewMailboxRegistry(maxPending int) *MailboxRegistry {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	return &MailboxRegistry{
		boxes:      make(map[string]*mailbox),
		maxPending: maxPending,
	}
}

func (r *MailboxRegistry) box(recipient string) *mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.boxes[recipient]
	if !ok {
		b = newMailbox()
		r.boxes[recipient] = b
	}
	return b
}

// Publish queues an envelope. Publishing the same envelope ID twice is a
// no-op so clients can safely fan out to several relays and retry.
func (r *MailboxRegistry) Publish(recipient string, env Envelope) error {
	b := r.box(recipient)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.seen[env.ID]; ok {
		return nil
	}
	if len(b.pending) >= r.maxPending {
		return ErrMailboxFull
	}
	b.seen[env.ID] = struct{}{}
	b.pending = append(b.pending, env)

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Poll returns the recipient's pending envelopes, blocking up to wait when
// the queue is empty. Envelopes stay queued until acknowledged.
func (r *MailboxRegistry) Poll(ctx context.Context, recipient string, wait time.Duration) []Envelope {
	b := r.box(recipient)
	deadline := time.Now().Add(wait)

	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			out := make([]Envelope, len(b.pending))
			copy(out, b.pending)
			b.mu.Unlock()
			return out
		}
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			return nil
		case <-b.notify:
			timer.Stop()
		}
	}
}

// Ack removes an acknowledged envelope from the queue. Acking an unknown ID
// reports false.
func (r *MailboxRegistry) Ack(recipient, id string) bool {
	b := r.box(recipient)

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, env := range b.pending {
		if env.ID == id {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Pending reports the queue depth for a recipient.
func (r *MailboxRegistry) Pending(recipient string) int {
	b := r.box(recipient)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
