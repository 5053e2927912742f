// Package syncing exchanges operations with remote reactors.
//
// Each remote is reached through a Channel holding three mailboxes:
//
//   - outbox: operations written locally, waiting for the remote to
//     acknowledge them
//   - inbox: operations received from the remote, waiting to be loaded
//   - dead letter: inbox entries that failed to load. They are kept for
//     inspection and never retried automatically.
//
// The Manager fills outboxes from BATCH_READY and drains inboxes through
// the reactor's Load. Acknowledgements move the per-remote cursor, which is
// persisted so a restarted reactor resumes where it left off.
package syncing

import (
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// Status is the lifecycle state of a SyncOperation.
type Status string

const (
	StatusUnknown          Status = "UNKNOWN"
	StatusTransportPending Status = "TRANSPORT_PENDING"
	StatusExecutionPending Status = "EXECUTION_PENDING"
	StatusApplied          Status = "APPLIED"
	StatusError            Status = "ERROR"
)

// SyncOperation is the envelope exchanged with a remote: the operations of
// one document branch produced by one job.
type SyncOperation struct {
	ID         string                       `json:"id"`
	RemoteName string                       `json:"remoteName"`
	DocumentID string                       `json:"documentId"`
	Scopes     []string                     `json:"scopes"`
	Branch     string                       `json:"branch"`
	Operations []model.OperationWithContext `json:"operations"`
	Status     Status                       `json:"status"`
	Error      string                       `json:"error,omitempty"`
}

// Ordinal is the highest sender ordinal carried by the envelope.
func (s SyncOperation) Ordinal() int64 {
	var max int64
	for _, op := range s.Operations {
		if op.Context.Ordinal > max {
			max = op.Context.Ordinal
		}
	}
	return max
}

// ByScope splits the operations per scope. The document scope comes first
// so a document is created before its other scopes are loaded; the other
// scopes keep their first-appearance order.
func (s SyncOperation) ByScope() ([]string, map[string][]model.Operation) {
	groups := make(map[string][]model.Operation)
	var order []string
	for _, op := range s.Operations {
		scope := op.Context.Scope
		if scope == "" {
			scope = op.Operation.Action.Scope
		}
		if _, ok := groups[scope]; !ok {
			if scope == model.ScopeDocument {
				order = append([]string{scope}, order...)
			} else {
				order = append(order, scope)
			}
		}
		groups[scope] = append(groups[scope], op.Operation)
	}
	return order, groups
}

// clone copies the envelope. Operations are immutable and shared.
func (s SyncOperation) clone() SyncOperation {
	out := s
	out.Scopes = append([]string(nil), s.Scopes...)
	out.Operations = append([]model.OperationWithContext(nil), s.Operations...)
	return out
}
