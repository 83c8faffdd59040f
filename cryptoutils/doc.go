// Package cryptoutils provides the cryptographic primitives consumed by the
// backup protocol: participant identities, per-recipient envelope encryption,
// invitation code generation, and owner-side share escrow wrapping.
//
// Identities are secp256k1 key pairs; the 33-byte compressed public key is
// the participant's address on the relay network. Envelopes are encrypted
// with ECIES (ECDH + AES-GCM) for exactly one recipient, so relays never see
// plaintext. Escrow wrapping protects the owner's local copy of distributed
// shares with AES-GCM under an Argon2id-derived key.
package cryptoutils
