// Package transport provides the relay-based pub/sub implementations of the
// event transport: an HTTP relay client for production, a DNS-based relay
// resolver, and an in-process bus for tests.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/steward-backup/interfaces"
)

// Bus is an in-process message bus connecting several endpoints. Delivery is
// at-least-once: the bus can be configured to duplicate envelopes or fail
// publishes, mirroring the behavior handlers must tolerate from real relays.
type Bus struct {
	mu     sync.Mutex
	subs   map[interfaces.IdentityKey]*mailbox
	queued map[interfaces.IdentityKey][]interfaces.InboundEnvelope

	// DeliverCopies is how many times each envelope is delivered. Zero is
	// treated as one.
	DeliverCopies int

	failNext error
}

// mailbox buffers one subscriber's envelopes. Publishes append under the
// mailbox lock and never block, no matter how slowly the subscriber drains.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []interfaces.InboundEnvelope
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(env interfaces.InboundEnvelope) {
	m.mu.Lock()
	m.pending = append(m.pending, env)
	m.mu.Unlock()
	m.cond.Signal()
}

// pump moves buffered envelopes to ch until ctx is cancelled, then closes ch.
func (m *mailbox) pump(ctx context.Context, ch chan<- interfaces.InboundEnvelope) {
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	}()
	for {
		m.mu.Lock()
		for len(m.pending) == 0 && ctx.Err() == nil {
			m.cond.Wait()
		}
		if ctx.Err() != nil {
			m.mu.Unlock()
			close(ch)
			return
		}
		env := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		select {
		case ch <- env:
		case <-ctx.Done():
			close(ch)
			return
		}
	}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[interfaces.IdentityKey]*mailbox),
		queued: make(map[interfaces.IdentityKey][]interfaces.InboundEnvelope),
	}
}

// FailNext makes the next publish on any endpoint return err.
func (b *Bus) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

// Endpoint returns the transport handle for one identity. Envelopes published
// through it carry the identity as sender.
func (b *Bus) Endpoint(identity interfaces.IdentityKey) *Endpoint {
	return &Endpoint{bus: b, identity: identity}
}

func (b *Bus) publish(sender, recipient interfaces.IdentityKey, kind interfaces.EventKind, payload []byte) (interfaces.EventID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return "", err
	}

	env := interfaces.InboundEnvelope{
		ID:           interfaces.EventID(uuid.NewString()),
		Kind:         kind,
		SenderKey:    sender,
		RecipientKey: recipient,
		Payload:      append([]byte(nil), payload...),
		ReceivedAt:   time.Now(),
	}

	copies := b.DeliverCopies
	if copies < 1 {
		copies = 1
	}
	for i := 0; i < copies; i++ {
		if m, ok := b.subs[recipient]; ok {
			m.push(env)
		} else {
			b.queued[recipient] = append(b.queued[recipient], env)
		}
	}
	return env.ID, nil
}

func (b *Bus) subscribe(ctx context.Context, identity interfaces.IdentityKey) <-chan interfaces.InboundEnvelope {
	b.mu.Lock()
	m := newMailbox()
	m.pending = append(m.pending, b.queued[identity]...)
	delete(b.queued, identity)
	b.subs[identity] = m
	b.mu.Unlock()

	ch := make(chan interfaces.InboundEnvelope, 256)
	go m.pump(ctx, ch)
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subs[identity] == m {
			delete(b.subs, identity)
		}
		b.mu.Unlock()
	}()
	return ch
}

// Endpoint is one identity's handle on a Bus. It implements
// interfaces.EventTransport.
type Endpoint struct {
	bus      *Bus
	identity interfaces.IdentityKey
}

// Publish delivers an envelope to the recipient's mailbox.
func (e *Endpoint) Publish(ctx context.Context, recipient interfaces.IdentityKey, kind interfaces.EventKind, payload []byte) (interfaces.EventID, error) {
	return e.bus.publish(e.identity, recipient, kind, payload)
}

// Subscribe returns the stream of envelopes addressed to identity.
func (e *Endpoint) Subscribe(ctx context.Context, identity interfaces.IdentityKey) (<-chan interfaces.InboundEnvelope, error) {
	return e.bus.subscribe(ctx, identity), nil
}
