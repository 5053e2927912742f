// Package model defines the data model shared by every reactor component.
//
// # Streams
//
// A document's history is split into independent streams keyed by
// (documentId, scope, branch). Each stream is a linear sequence of
// operations with contiguous indices once garbage collected.
//
// # Identity
//
// Operation ids are content-addressed: SHA-256 with domain separation over
// RFC 8785 canonical JSON of (documentId, scope, branch, index, skip,
// action). Re-indexing an operation therefore always yields a new id.
//
// The operation hash field carries the BLAKE3 digest of the canonical JSON
// of the scope state produced by that operation, so peers can detect
// divergent replays without shipping state.
//
// # Canonical JSON
//
// MarshalCanonical sorts object keys by UTF-16 code units, NFC-normalizes
// strings and never escapes HTML characters.
package model
