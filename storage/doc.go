// Package storage implements the durable Store contract over multiple
// backends, selected by location URI:
//
//   - file:///var/lib/steward - local filesystem, keys become file paths
//   - s3://bucket/prefix?region=us-east-1 - Amazon S3 or compatible object
//     storage, optionally with embedded credentials for write access
//   - vault://host:8200/secret/steward - HashiCorp Vault KV v2
//   - ipfs://host:5001 - IPFS node via the mutable files (MFS) API
//   - mem:// - in-memory store for tests
//
// The Factory parses URIs into backends; MultiStore replicates writes across
// several backends and reads from the first one holding the key, mirroring
// the redundancy needs of a protocol whose relays and stores are individually
// unreliable.
//
// All backends treat Put as atomic per key and Delete of an absent key as a
// no-op, which the coordinators rely on for idempotent replay after a crash.
package storage
