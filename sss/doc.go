// Package sss wraps threshold secret sharing for the backup engine. It is a
// stateless, side-effect-free layer over Shamir's Secret Sharing in GF(2^8):
// splitting produces totalShares indexed shares of which any threshold
// reconstruct the secret, while any threshold-1 reveal nothing.
//
// The field arithmetic itself is delegated to hashicorp/vault/shamir; this
// package adds parameter validation, the portable share envelope (index,
// threshold, total, field identifier) and consistency checks across a share
// set prior to combination.
package sss
