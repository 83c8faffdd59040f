// Package interfaces defines the core types and component contracts for the
// steward backup system. It provides the shared data model and the interfaces
// between components without implementation details.
//
// The package contains:
//
//   - Typed identifiers (IdentityKey, VaultID, ContentHash, InviteCode) with
//     validation and conversion helpers.
//
//   - The durable data model: BackupConfig, KeyHolder, InvitationLink,
//     RecoverySession and their status state machines.
//
//   - The Store contract for durable keyed state, implemented by the storage
//     package (file, S3, Vault, IPFS and in-memory backends).
//
//   - The EventTransport contract for relay-based per-recipient messaging,
//     implemented by the transport package.
//
//   - Envelope kind constants and payload structures exchanged between the
//     owner and steward coordinators.
//
// Components depend on this package only, never on each other's concrete
// implementations. Coordinators for the same vault communicate exclusively
// through envelopes and the Store.
package interfaces
