// Package store provides SQLite-backed durable storage for the reactor.
//
// The store holds:
//   - Operations: the garbage-collected history of every stream
//   - Document snapshots: the materialized document view used by get/find
//
// # Ordering
//
//   - Stream reads are ordered by index (idx ASC)
//   - Cross-stream reads are ordered by ordinal, the global write order
//
// Append is optimistic: the first operation's anchor must equal the
// stream's current revision, so two writers racing on a stream cannot both
// succeed. ReplaceFrom rewrites the end of a stream in one transaction
// after history reconciliation.
//
// # Connection
//
// Open applies WAL journaling, synchronous=NORMAL, a five second busy
// timeout and foreign keys to a single shared connection, then runs the
// numbered migrations tracked in PRAGMA user_version.
//
// Actions are stored as RFC 8785 canonical JSON (internal/model).
package store
