package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

const insertOperationSQL = `
	INSERT INTO operations
	(id, document_id, document_type, scope, branch, idx, skip, hash, timestamp_utc_ms, action)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// Append writes ops to the end of stream. The first operation's anchor
// must equal the stream's current revision, otherwise a REVISION_MISMATCH
// error is returned and nothing is written.
//
// Returns the written operations with their assigned ordinals.
func (s *Store) Append(ctx context.Context, stream model.StreamKey, documentType string, ops []model.Operation) ([]model.OperationWithContext, error) {
	return s.AppendAll(ctx, documentType, []StreamOperations{{Stream: stream, Operations: ops}})
}

// StreamOperations is a run of operations for one stream.
type StreamOperations struct {
	Stream     model.StreamKey
	Operations []model.Operation
}

// AppendAll appends every run in one transaction. Each run is checked
// against its stream revision like Append; any mismatch writes nothing.
func (s *Store) AppendAll(ctx context.Context, documentType string, runs []StreamOperations) ([]model.OperationWithContext, error) {
	written := []model.OperationWithContext{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, run := range runs {
			if len(run.Operations) == 0 {
				continue
			}
			revision, err := revisionTx(ctx, tx, run.Stream)
			if err != nil {
				return err
			}
			if anchor := run.Operations[0].Anchor(); anchor != revision {
				return errs.RevisionMismatch(run.Stream.String(), anchor, revision)
			}
			ops, err := insertOperations(ctx, tx, run.Stream, documentType, run.Operations)
			if err != nil {
				return err
			}
			written = append(written, ops...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append operations: %w", err)
	}
	return written, nil
}

// ReplaceFrom atomically deletes every operation of stream with index at
// or after fromIndex and writes ops in their place. Used after history
// reconciliation rewrote the end of a stream.
func (s *Store) ReplaceFrom(ctx context.Context, stream model.StreamKey, documentType string, fromIndex int, ops []model.Operation) ([]model.OperationWithContext, error) {
	var written []model.OperationWithContext
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM operations
			WHERE document_id = ? AND scope = ? AND branch = ? AND idx >= ?
		`, stream.DocumentID, stream.Scope, stream.Branch, fromIndex)
		if err != nil {
			return fmt.Errorf("delete displaced operations: %w", err)
		}
		written, err = insertOperations(ctx, tx, stream, documentType, ops)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("replace operations: %w", err)
	}
	return written, nil
}

func insertOperations(ctx context.Context, tx *sql.Tx, stream model.StreamKey, documentType string, ops []model.Operation) ([]model.OperationWithContext, error) {
	stmt, err := tx.PrepareContext(ctx, insertOperationSQL)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	written := make([]model.OperationWithContext, 0, len(ops))
	for _, op := range ops {
		actionJSON, err := marshalAction(op.Action)
		if err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx,
			op.ID,
			stream.DocumentID,
			documentType,
			stream.Scope,
			stream.Branch,
			op.Index,
			op.Skip,
			op.Hash,
			op.TimestampUtcMs,
			actionJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("insert operation %d: %w", op.Index, err)
		}
		ordinal, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("read ordinal: %w", err)
		}
		written = append(written, model.OperationWithContext{
			Operation: op,
			Context: model.OperationContext{
				DocumentID:   stream.DocumentID,
				DocumentType: documentType,
				Scope:        stream.Scope,
				Branch:       stream.Branch,
				Ordinal:      ordinal,
			},
		})
	}
	return written, nil
}

func revisionTx(ctx context.Context, tx *sql.Tx, stream model.StreamKey) (int, error) {
	var revision int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(idx) + 1, 0) FROM operations
		WHERE document_id = ? AND scope = ? AND branch = ?
	`, stream.DocumentID, stream.Scope, stream.Branch).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return revision, nil
}
