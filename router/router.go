// Package router connects the transport to the protocol handlers. It
// decrypts inbound envelopes, decodes them by kind and dispatches to the
// invitation ledger, the distribution coordinator, the recovery coordinator
// and the steward handler. Protocol conflicts such as duplicate redemptions
// or responses to settled sessions are logged and dropped; the receive loop
// never stops over them.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/steward-backup/cryptoutils"
	"github.com/ruteri/steward-backup/distribution"
	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/ledger"
	"github.com/ruteri/steward-backup/recovery"
	"github.com/ruteri/steward-backup/steward"
)

// Handlers are the dispatch targets. A node acting purely as a steward
// leaves the owner-side handlers nil; envelopes for them are dropped.
type Handlers struct {
	Ledger       *ledger.Ledger
	Distribution *distribution.Coordinator
	Recovery     *recovery.Coordinator
	Steward      *steward.Handler
}

// Router dispatches inbound envelopes for one identity.
type Router struct {
	identity  *cryptoutils.Identity
	transport interfaces.EventTransport
	handlers  Handlers
	log       *slog.Logger
}

// New creates a router for the identity.
func New(identity *cryptoutils.Identity, transport interfaces.EventTransport, handlers Handlers, log *slog.Logger) *Router {
	return &Router{
		identity:  identity,
		transport: transport,
		handlers:  handlers,
		log:       log,
	}
}

// Run subscribes to the identity's mailbox and processes envelopes until ctx
// is cancelled. Envelopes for one identity are handled strictly one at a
// time, which serializes all state mutations triggered by the network.
func (r *Router) Run(ctx context.Context) error {
	inbox, err := r.transport.Subscribe(ctx, r.identity.PublicKey())
	if err != nil {
		return fmt.Errorf("subscribing to mailbox: %w", err)
	}

	r.log.Info("event loop started", slog.String("identity", r.identity.PublicKey().String()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-inbox:
			if !ok {
				return interfaces.ErrSubscriptionClosed
			}
			err := r.Route(ctx, env)
			switch {
			case err == nil:
			case isConflict(err):
				r.log.Debug("envelope dropped",
					slog.String("kind", env.Kind.String()),
					slog.String("event_id", string(env.ID)),
					slog.Any("err", err))
			default:
				r.log.Error("envelope handling failed",
					slog.String("kind", env.Kind.String()),
					slog.String("event_id", string(env.ID)),
					slog.Any("err", err))
				// Left unsettled so the transport redelivers it.
				continue
			}
			if env.Ack != nil {
				env.Ack()
			}
		}
	}
}

// Route decrypts and dispatches one envelope.
func (r *Router) Route(ctx context.Context, env interfaces.InboundEnvelope) error {
	raw, err := cryptoutils.DecryptEnvelope(r.identity, env.Payload)
	if err != nil {
		return fmt.Errorf("decrypting envelope %s: %w", env.ID, err)
	}

	switch env.Kind {
	case interfaces.KindInvitationRsvp:
		if r.handlers.Ledger == nil {
			return r.unhandled(env)
		}
		var payload interfaces.InvitationRsvpPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return decodeErr(env, err)
		}
		return r.handlers.Ledger.Redeem(ctx, env.ID, payload)

	case interfaces.KindInvitationDenial:
		if r.handlers.Ledger == nil {
			return r.unhandled(env)
		}
		var payload interfaces.InvitationDenialPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return decodeErr(env, err)
		}
		return r.handlers.Ledger.Deny(ctx, env.ID, payload)

	case interfaces.KindShareConfirmation:
		if r.handlers.Distribution == nil {
			return r.unhandled(env)
		}
		var payload interfaces.ShareConfirmationPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return decodeErr(env, err)
		}
		return r.handlers.Distribution.OnConfirmation(ctx, env.ID, env.SenderKey, payload)

	case interfaces.KindShareError:
		if r.handlers.Distribution == nil {
			return r.unhandled(env)
		}
		var payload interfaces.ShareErrorPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return decodeErr(env, err)
		}
		return r.handlers.Distribution.OnShareError(ctx, env.ID, env.SenderKey, payload)

	case interfaces.KindRecoveryResponse:
		if r.handlers.Recovery == nil {
			return r.unhandled(env)
		}
		var payload interfaces.RecoveryResponsePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return decodeErr(env, err)
		}
		return r.handlers.Recovery.OnResponse(ctx, env.ID, env.SenderKey, payload)

	case interfaces.KindShareDistribution:
		if r.handlers.Steward == nil {
			return r.unhandled(env)
		}
		var payload interfaces.ShareDistributionPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return decodeErr(env, err)
		}
		return r.handlers.Steward.OnShareDistribution(ctx, env.ID, env.SenderKey, payload)

	case interfaces.KindRecoveryRequest:
		if r.handlers.Steward == nil {
			return r.unhandled(env)
		}
		var payload interfaces.RecoveryRequestPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return decodeErr(env, err)
		}
		return r.handlers.Steward.OnRecoveryRequest(ctx, env.ID, env.SenderKey, payload)

	case interfaces.KindStewardRemoved:
		if r.handlers.Steward == nil {
			return r.unhandled(env)
		}
		var payload interfaces.StewardRemovedPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return decodeErr(env, err)
		}
		return r.handlers.Steward.OnStewardRemoved(ctx, env.ID, env.SenderKey, payload)

	case interfaces.KindInvitationInvalid:
		if r.handlers.Steward == nil {
			return r.unhandled(env)
		}
		var payload interfaces.InvitationInvalidPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return decodeErr(env, err)
		}
		return r.handlers.Steward.OnInvitationInvalid(ctx, env.ID, payload)

	default:
		r.log.Warn("envelope of unknown kind dropped",
			slog.Int("kind", int(env.Kind)),
			slog.String("event_id", string(env.ID)))
		return nil
	}
}

func (r *Router) unhandled(env interfaces.InboundEnvelope) error {
	r.log.Debug("no handler for envelope kind",
		slog.String("kind", env.Kind.String()),
		slog.String("event_id", string(env.ID)))
	return nil
}

func decodeErr(env interfaces.InboundEnvelope, err error) error {
	return fmt.Errorf("decoding %s payload of envelope %s: %w", env.Kind, env.ID, err)
}

// isConflict reports whether the error is an expected protocol conflict
// rather than a processing failure. Conflicts are a consequence of
// at-least-once delivery and concurrent actors; they are dropped quietly.
func isConflict(err error) bool {
	for _, conflict := range []error{
		interfaces.ErrAlreadyRedeemed,
		interfaces.ErrInvitationInvalidated,
		interfaces.ErrInviteNotFound,
		interfaces.ErrDuplicateResponse,
		interfaces.ErrUnknownSteward,
		interfaces.ErrSessionTerminal,
		interfaces.ErrSessionExpired,
		interfaces.ErrSessionNotFound,
	} {
		if errors.Is(err, conflict) {
			return true
		}
	}
	return false
}
