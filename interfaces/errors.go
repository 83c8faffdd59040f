package interfaces

import "errors"

// Validation errors are fatal for the requested operation and never retried.
var (
	// ErrInvalidParameters is returned for threshold/share-count combinations
	// outside 2 <= threshold <= totalShares <= 10.
	ErrInvalidParameters = errors.New("invalid threshold parameters")

	// ErrMalformedInviteCode is returned when an invite code fails to decode.
	ErrMalformedInviteCode = errors.New("malformed invite code")

	// ErrMalformedIdentityKey is returned when a public key fails to parse.
	ErrMalformedIdentityKey = errors.New("malformed identity key")
)

// Conflict errors report state disagreements. They are surfaced to the
// caller but never retried.
var (
	// ErrInviteNotFound is returned when an invite code is unknown.
	ErrInviteNotFound = errors.New("invitation not found")

	// ErrAlreadyRedeemed is returned when a second distinct redeemer attempts
	// to redeem a code that has already been redeemed.
	ErrAlreadyRedeemed = errors.New("invitation already redeemed")

	// ErrInvitationInvalidated is returned when redeeming a code the owner
	// has invalidated or the invitee has denied.
	ErrInvitationInvalidated = errors.New("invitation invalidated")

	// ErrDuplicateResponse is returned when a steward responds twice to the
	// same recovery session. The first response always wins.
	ErrDuplicateResponse = errors.New("duplicate recovery response")

	// ErrUnknownSteward is returned for envelopes from keys that are not part
	// of the vault's current roster.
	ErrUnknownSteward = errors.New("steward not in vault roster")

	// ErrSessionTerminal is returned when applying a response or cancellation
	// to a recovery session that already reached a terminal state.
	ErrSessionTerminal = errors.New("recovery session already terminal")
)

// Cryptographic integrity errors may indicate tampering and must never be
// silently swallowed.
var (
	// ErrInsufficientShares is returned when fewer shares than the embedded
	// threshold are supplied for reconstruction.
	ErrInsufficientShares = errors.New("insufficient shares for reconstruction")

	// ErrInconsistentShares is returned when supplied shares disagree on
	// field, threshold or total count, or when combination fails.
	ErrInconsistentShares = errors.New("inconsistent shares")

	// ErrDecryptionFailed is returned when an envelope payload cannot be
	// decrypted for the local identity.
	ErrDecryptionFailed = errors.New("envelope decryption failed")
)

// Session lifecycle errors.
var (
	// ErrSessionExpired is returned when a response arrives after the
	// session's expiry instant.
	ErrSessionExpired = errors.New("recovery session expired")

	// ErrSessionNotFound is returned for responses referencing an unknown
	// session.
	ErrSessionNotFound = errors.New("recovery session not found")
)
