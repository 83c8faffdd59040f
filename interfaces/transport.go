package interfaces

import (
	"context"
	"errors"
	"time"
)

// EventKind is the numeric envelope kind used for routing. Values are carried
// over from the host relay protocol and must not be renumbered.
type EventKind int

const (
	// KindShareDistribution carries an encrypted share to one steward.
	KindShareDistribution EventKind = 24101
	// KindShareConfirmation acknowledges receipt of a share version.
	KindShareConfirmation EventKind = 24102
	// KindShareError reports a share the steward could not accept.
	KindShareError EventKind = 24103

	// KindInvitationRsvp is the invitee's acceptance of an invite code.
	KindInvitationRsvp EventKind = 24201
	// KindInvitationDenial is the invitee's refusal of an invite code.
	KindInvitationDenial EventKind = 24202
	// KindInvitationInvalid notifies a redeemer that a code is unusable.
	KindInvitationInvalid EventKind = 24203
	// KindStewardRemoved notifies a steward of roster removal.
	KindStewardRemoved EventKind = 24204

	// KindRecoveryRequest asks a steward to return its share.
	KindRecoveryRequest EventKind = 24301
	// KindRecoveryResponse is a steward's approval or denial with share.
	KindRecoveryResponse EventKind = 24302
)

// String returns the kind name for logging.
func (k EventKind) String() string {
	switch k {
	case KindShareDistribution:
		return "share_distribution"
	case KindShareConfirmation:
		return "share_confirmation"
	case KindShareError:
		return "share_error"
	case KindInvitationRsvp:
		return "invitation_rsvp"
	case KindInvitationDenial:
		return "invitation_denial"
	case KindInvitationInvalid:
		return "invitation_invalid"
	case KindStewardRemoved:
		return "steward_removed"
	case KindRecoveryRequest:
		return "recovery_request"
	case KindRecoveryResponse:
		return "recovery_response"
	default:
		return "unknown"
	}
}

// EventID uniquely identifies one published envelope. Handlers deduplicate
// redelivered envelopes by this ID.
type EventID string

// InboundEnvelope is one delivered transport envelope. Payload is still
// encrypted for the recipient at this point.
type InboundEnvelope struct {
	ID           EventID     `json:"id"`
	Kind         EventKind   `json:"kind"`
	SenderKey    IdentityKey `json:"sender_key"`
	RecipientKey IdentityKey `json:"recipient_key"`
	Payload      []byte      `json:"payload"`
	ReceivedAt   time.Time   `json:"received_at"`

	// Ack settles the envelope with its transport. Consumers call it after
	// handling so an envelope in flight at crash time is redelivered.
	// Transports without redelivery leave it nil.
	Ack func() `json:"-"`
}

var (
	// ErrRecipientUnreachable is returned when no relay accepted an envelope
	// for the recipient. Publishes failing with it are retried with backoff.
	ErrRecipientUnreachable = errors.New("recipient unreachable on all relays")

	// ErrSubscriptionClosed is returned when a subscription stream has been
	// closed and no further envelopes will be delivered.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// EventTransport is the relay-based pub/sub used for all steward
// communication. Delivery is at-least-once and unordered; envelopes may be
// duplicated. All handlers must therefore be idempotent.
type EventTransport interface {
	// Publish sends an encrypted payload of the given kind to one recipient.
	Publish(ctx context.Context, recipient IdentityKey, kind EventKind, payload []byte) (EventID, error)

	// Subscribe returns the stream of envelopes addressed to identity. The
	// channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context, identity IdentityKey) (<-chan InboundEnvelope, error)
}
