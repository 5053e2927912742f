package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainOperation = "reactor/operation/v1"
	DomainAction    = "reactor/action/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func actionObject(a Action) map[string]any {
	obj := map[string]any{
		"type":           a.Type,
		"scope":          a.Scope,
		"timestampUtcMs": a.TimestampUtcMs,
	}
	if a.Input != nil {
		obj["input"] = a.Input
	}
	return obj
}

// ActionID computes a content-addressed id for an action that has none.
// Callers usually supply their own ids; this keeps unlabeled actions stable
// across retries.
func ActionID(a Action) (string, error) {
	canonical, err := MarshalCanonical(actionObject(a))
	if err != nil {
		return "", fmt.Errorf("ActionID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainAction, canonical), nil
}

// OperationID computes the content-addressed id for an operation placed at
// (index, skip) in the given stream.
func OperationID(stream StreamKey, index, skip int, a Action) (string, error) {
	obj := map[string]any{
		"documentId": stream.DocumentID,
		"scope":      stream.Scope,
		"branch":     stream.Branch,
		"index":      index,
		"skip":       skip,
		"actionId":   a.ID,
		"action":     actionObject(a),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("OperationID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainOperation, canonical), nil
}

// StateHash returns the BLAKE3 digest of the canonical scope state.
func StateHash(state map[string]any) (string, error) {
	canonical, err := MarshalCanonical(state)
	if err != nil {
		return "", fmt.Errorf("StateHash: failed to marshal: %w", err)
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MustOperationID is like OperationID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustOperationID(stream StreamKey, index, skip int, a Action) string {
	id, err := OperationID(stream, index, skip, a)
	if err != nil {
		panic(err)
	}
	return id
}
