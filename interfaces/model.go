package interfaces

import (
	"fmt"
	"time"
)

// BackupStatus tracks the lifecycle of a vault's backup configuration.
type BackupStatus int

const (
	// BackupPending means shares have not yet been distributed.
	BackupPending BackupStatus = iota
	// BackupActive means the current distribution version is fully confirmed.
	BackupActive
	// BackupInactive means the backup has been disabled by the owner.
	BackupInactive
	// BackupFailed means distribution failed permanently.
	BackupFailed
)

// String returns the status name.
func (s BackupStatus) String() string {
	switch s {
	case BackupPending:
		return "pending"
	case BackupActive:
		return "active"
	case BackupInactive:
		return "inactive"
	case BackupFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// KeyHolderStatus tracks one steward's standing within a vault roster.
type KeyHolderStatus int

const (
	// HolderPending means the steward was added but no share has been sent.
	HolderPending KeyHolderStatus = iota
	// HolderActive means a share envelope has been published to the steward.
	HolderActive
	// HolderAcknowledged means the steward confirmed the current version.
	HolderAcknowledged
	// HolderInactive means delivery failed and the steward is awaiting retry.
	HolderInactive
	// HolderRevoked means the owner removed the steward from the roster. The
	// record is kept for audit; it is never hard-deleted.
	HolderRevoked
)

// String returns the status name.
func (s KeyHolderStatus) String() string {
	switch s {
	case HolderPending:
		return "pending"
	case HolderActive:
		return "active"
	case HolderAcknowledged:
		return "acknowledged"
	case HolderInactive:
		return "inactive"
	case HolderRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// KeyHolder is one steward entrusted with a share of the vault secret.
type KeyHolder struct {
	IdentityKey IdentityKey     `json:"identity_key"`
	DisplayName string          `json:"display_name,omitempty"`
	Status      KeyHolderStatus `json:"status"`
	LastSeenAt  *time.Time      `json:"last_seen_at,omitempty"`

	// EncryptedShare is the owner-side escrow copy of the steward's share,
	// wrapped under the owner's escrow key. Never sent over the wire.
	EncryptedShare []byte `json:"encrypted_share,omitempty"`

	// ShardIndex is the share index assigned in the current distribution
	// version. Zero when no share has been planned yet.
	ShardIndex int `json:"shard_index,omitempty"`

	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	// ConfirmedVersion is the highest distribution version this steward has
	// confirmed. Confirmations for older versions are ignored.
	ConfirmedVersion uint64 `json:"confirmed_version,omitempty"`

	// ErrorReason holds the last delivery error while Status is inactive.
	ErrorReason string `json:"error_reason,omitempty"`
}

// BackupConfig is the owner-side record of a vault's backup arrangement.
// It is exclusively owned by the vault owner's coordinator instance.
type BackupConfig struct {
	VaultID             VaultID      `json:"vault_id"`
	Threshold           int          `json:"threshold"`
	TotalShares         int          `json:"total_shares"`
	KeyHolders          []KeyHolder  `json:"key_holders"`
	RelayAddresses      []string     `json:"relay_addresses"`
	ContentHash         ContentHash  `json:"content_hash"`
	DistributionVersion uint64       `json:"distribution_version"`
	Status              BackupStatus `json:"status"`
}

// Validate checks the configuration invariants.
func (c *BackupConfig) Validate() error {
	if c.Threshold < 2 || c.Threshold > c.TotalShares || c.TotalShares > 10 {
		return fmt.Errorf("%w: threshold=%d totalShares=%d", ErrInvalidParameters, c.Threshold, c.TotalShares)
	}
	if len(c.RelayAddresses) < 1 {
		return fmt.Errorf("%w: at least one relay address required", ErrInvalidParameters)
	}
	if c.Status == BackupActive && len(c.Roster()) != c.TotalShares {
		return fmt.Errorf("%w: active config must have exactly %d key holders", ErrInvalidParameters, c.TotalShares)
	}
	return nil
}

// Roster returns the key holders that currently count toward the share total,
// excluding revoked entries kept for audit.
func (c *BackupConfig) Roster() []*KeyHolder {
	roster := make([]*KeyHolder, 0, len(c.KeyHolders))
	for i := range c.KeyHolders {
		if c.KeyHolders[i].Status != HolderRevoked {
			roster = append(roster, &c.KeyHolders[i])
		}
	}
	return roster
}

// HolderByKey returns the key holder record for an identity, or nil.
func (c *BackupConfig) HolderByKey(key IdentityKey) *KeyHolder {
	for i := range c.KeyHolders {
		if c.KeyHolders[i].IdentityKey.Equal(key) {
			return &c.KeyHolders[i]
		}
	}
	return nil
}

// EnvelopeStatus tracks one outbound distribution envelope.
type EnvelopeStatus int

const (
	// EnvelopeCreated means the envelope is built but not yet published.
	EnvelopeCreated EnvelopeStatus = iota
	// EnvelopePublished means the transport accepted the envelope.
	EnvelopePublished
	// EnvelopeConfirmed means the recipient confirmed receipt.
	EnvelopeConfirmed
	// EnvelopeFailed means publishing failed after bounded retries.
	EnvelopeFailed
)

// String returns the status name.
func (s EnvelopeStatus) String() string {
	switch s {
	case EnvelopeCreated:
		return "created"
	case EnvelopePublished:
		return "published"
	case EnvelopeConfirmed:
		return "confirmed"
	case EnvelopeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DistributionEnvelope is one outbound unit of distribution work: a single
// steward's encrypted share for a single version. Payload is opaque,
// already encrypted for the recipient.
type DistributionEnvelope struct {
	RecipientKey        IdentityKey    `json:"recipient_key"`
	ShardIndex          int            `json:"shard_index"`
	DistributionVersion uint64         `json:"distribution_version"`
	Payload             []byte         `json:"payload"`
	Status              EnvelopeStatus `json:"status"`
}

// DistributionStatus is the per-steward delivery view for one version,
// derived from the key holder records.
type DistributionStatus struct {
	KeyHolderKey        IdentityKey `json:"key_holder_key"`
	DistributionVersion uint64      `json:"distribution_version"`
	SentAt              *time.Time  `json:"sent_at,omitempty"`
	ConfirmedAt         *time.Time  `json:"confirmed_at,omitempty"`
	ErrorReason         string      `json:"error_reason,omitempty"`
}

// InvitationStatus tracks the lifecycle of one invitation code.
type InvitationStatus int

const (
	// InviteCreated means the code exists but has not been shared yet.
	InviteCreated InvitationStatus = iota
	// InvitePending means the code was handed to the invitee.
	InvitePending
	// InviteRedeemed means the invitee accepted; redemption is single-use.
	InviteRedeemed
	// InviteDenied means the invitee declined the invitation.
	InviteDenied
	// InviteInvalidated means the owner withdrew the invitation.
	InviteInvalidated
	// InviteError means the invitation failed irrecoverably.
	InviteError
)

// String returns the status name.
func (s InvitationStatus) String() string {
	switch s {
	case InviteCreated:
		return "created"
	case InvitePending:
		return "pending"
	case InviteRedeemed:
		return "redeemed"
	case InviteDenied:
		return "denied"
	case InviteInvalidated:
		return "invalidated"
	case InviteError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further redemption transition is allowed.
// Redeemed codes can still move to invalidated via roster removal.
func (s InvitationStatus) Terminal() bool {
	return s == InviteDenied || s == InviteInvalidated || s == InviteError
}

// InvitationLink is a single-use steward invitation. Its lifecycle is owned
// by the vault owner; redemption authority belongs to the invitee. When the
// two writers disagree, invalidation and denial take precedence over pending.
type InvitationLink struct {
	InviteCode     string           `json:"invite_code"`
	VaultID        VaultID          `json:"vault_id"`
	OwnerKey       IdentityKey      `json:"owner_key"`
	RelayAddresses []string         `json:"relay_addresses"`
	InviteeName    string           `json:"invitee_name,omitempty"`
	Status         InvitationStatus `json:"status"`
	RedeemedBy     *IdentityKey     `json:"redeemed_by,omitempty"`
	RedeemedAt     *time.Time       `json:"redeemed_at,omitempty"`
}

// SessionStatus tracks the state machine of one recovery session.
type SessionStatus int

const (
	// SessionCollecting means responses are still being gathered.
	SessionCollecting SessionStatus = iota
	// SessionSatisfied means quorum was reached and the secret reconstructed.
	SessionSatisfied
	// SessionFailed means reconstruction failed or the initiator cancelled.
	SessionFailed
	// SessionExpired means the expiry instant passed before quorum.
	SessionExpired
)

// String returns the status name.
func (s SessionStatus) String() string {
	switch s {
	case SessionCollecting:
		return "collecting"
	case SessionSatisfied:
		return "satisfied"
	case SessionFailed:
		return "failed"
	case SessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session accepts no further transitions.
func (s SessionStatus) Terminal() bool {
	return s != SessionCollecting
}

// RecoveryResponse is one steward's answer to a recovery request. Share is
// present iff the steward approved.
type RecoveryResponse struct {
	StewardKey  IdentityKey `json:"steward_key"`
	Approved    bool        `json:"approved"`
	Share       *Share      `json:"share,omitempty"`
	RespondedAt time.Time   `json:"responded_at"`
}

// RecoverySession is one recovery attempt, scoped to its initiator.
// Sessions for the same vault by different initiators are independent.
type RecoverySession struct {
	SessionID    string        `json:"session_id"`
	VaultID      VaultID       `json:"vault_id"`
	InitiatorKey IdentityKey   `json:"initiator_key"`
	Threshold    int           `json:"threshold"`
	RequestedAt  time.Time     `json:"requested_at"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	Status       SessionStatus `json:"status"`
	FailureCode  string        `json:"failure_code,omitempty"`

	// Roster is the set of steward identities eligible to respond, captured
	// at initiation time. Responses from keys outside Roster are rejected.
	Roster []IdentityKey `json:"roster"`

	// Responses is keyed by steward identity (hex). First response wins;
	// later responses from the same steward are dropped.
	Responses map[string]RecoveryResponse `json:"responses"`

	// Secret caches the reconstruction result. It is held in memory only and
	// never persisted.
	Secret []byte `json:"-"`
}

// InRoster reports whether key was part of the roster captured at initiation.
func (s *RecoverySession) InRoster(key IdentityKey) bool {
	for _, k := range s.Roster {
		if k.Equal(key) {
			return true
		}
	}
	return false
}

// ApprovedShares returns the shares attached to approving responses.
func (s *RecoverySession) ApprovedShares() []Share {
	shares := make([]Share, 0, len(s.Responses))
	for _, resp := range s.Responses {
		if resp.Approved && resp.Share != nil {
			shares = append(shares, *resp.Share)
		}
	}
	return shares
}

// CancelledByInitiator is the failure code recorded when the initiator
// cancels a collecting session.
const CancelledByInitiator = "cancelled_by_initiator"

// ReconstructionFailed is the failure code recorded when combining an
// approved share set fails integrity checks.
const ReconstructionFailed = "reconstruction_failed"
