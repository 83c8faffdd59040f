package interfaces

// Envelope payload structures. Every payload is JSON-encoded, then encrypted
// for its single recipient before handoff to the transport (§ relay nodes are
// untrusted for confidentiality).

// PeerInfo identifies one fellow steward included in a distribution so that
// stewards can reach each other during recovery.
type PeerInfo struct {
	IdentityKey IdentityKey `json:"identity_key"`
	DisplayName string      `json:"display_name,omitempty"`
}

// ShareDistributionPayload delivers one indexed share to a steward.
type ShareDistributionPayload struct {
	VaultID             VaultID    `json:"vault_id"`
	VaultName           string     `json:"vault_name,omitempty"`
	DistributionVersion uint64     `json:"distribution_version"`
	Share               Share      `json:"share"`
	Peers               []PeerInfo `json:"peers"`
	RelayAddresses      []string   `json:"relay_addresses"`
}

// ShareConfirmationPayload acknowledges receipt of one distribution version.
type ShareConfirmationPayload struct {
	VaultID             VaultID `json:"vault_id"`
	DistributionVersion uint64  `json:"distribution_version"`
}

// ShareErrorPayload reports a share the steward could not store.
type ShareErrorPayload struct {
	VaultID             VaultID `json:"vault_id"`
	DistributionVersion uint64  `json:"distribution_version"`
	Reason              string  `json:"reason"`
}

// InvitationRsvpPayload is the invitee's acceptance of an invitation.
type InvitationRsvpPayload struct {
	InviteCode  string      `json:"invite_code"`
	RedeemerKey IdentityKey `json:"redeemer_key"`
	DisplayName string      `json:"display_name,omitempty"`
}

// InvitationDenialPayload is the invitee's refusal of an invitation.
type InvitationDenialPayload struct {
	InviteCode string `json:"invite_code"`
	Reason     string `json:"reason,omitempty"`
}

// InvitationInvalidPayload notifies a redeemer that a code cannot be used.
type InvitationInvalidPayload struct {
	InviteCode string `json:"invite_code"`
	Reason     string `json:"reason"`
}

// StewardRemovedPayload notifies a steward of removal from the roster.
type StewardRemovedPayload struct {
	VaultID VaultID `json:"vault_id"`
	Reason  string  `json:"reason"`
}

// RecoveryRequestPayload broadcasts a recovery attempt to the roster.
type RecoveryRequestPayload struct {
	VaultID      VaultID     `json:"vault_id"`
	SessionID    string      `json:"session_id"`
	InitiatorKey IdentityKey `json:"initiator_key"`
	Threshold    int         `json:"threshold"`
}

// RecoveryResponsePayload is one steward's answer to a recovery request.
// Share is present iff Approved.
type RecoveryResponsePayload struct {
	VaultID        VaultID `json:"vault_id"`
	SessionID      string  `json:"session_id"`
	RequestEventID EventID `json:"request_event_id"`
	Approved       bool    `json:"approved"`
	Share          *Share  `json:"share,omitempty"`
}
