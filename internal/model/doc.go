// Package model defines the data shared by the offline write queue, the local
// cache and the sync engine.
//
// # Records
//
// Payloads are opaque JSON objects (Record). The queue never interprets them
// beyond three things:
//   - canonical serialisation for hashing and equality (RFC 8785 key order,
//     NFC-normalised strings, no HTML escaping)
//   - top-level field diffing for conflict resolution
//   - rewriting of temporary entity identifiers once the server assigns real ones
//
// # Ordering
//
// Operation.Sequence is the only ordering key. It is assigned by the store at
// append time and is strictly increasing for an installation. Wall-clock
// timestamps (CreatedAt, LastAttemptAt) are bookkeeping only and are never used
// to order replay.
package model
