package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// Operations returns the operations of stream with fromIndex <= index <
// toIndex, ordered by index. A negative toIndex means no upper bound.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Operations(ctx context.Context, stream model.StreamKey, fromIndex, toIndex int) ([]model.Operation, error) {
	query := `
		SELECT id, idx, skip, hash, timestamp_utc_ms, action
		FROM operations
		WHERE document_id = ? AND scope = ? AND branch = ? AND idx >= ?`
	args := []any{stream.DocumentID, stream.Scope, stream.Branch, fromIndex}
	if toIndex >= 0 {
		query += " AND idx < ?"
		args = append(args, toIndex)
	}
	query += " ORDER BY idx ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []model.Operation{}
	for rows.Next() {
		var op model.Operation
		var actionJSON string
		if err := rows.Scan(&op.ID, &op.Index, &op.Skip, &op.Hash, &op.TimestampUtcMs, &actionJSON); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if op.Action, err = unmarshalAction(actionJSON); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// Revision returns the index following the last stored operation of
// stream, or 0 for an empty stream.
func (s *Store) Revision(ctx context.Context, stream model.StreamKey) (int, error) {
	var revision int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(idx) + 1, 0) FROM operations
		WHERE document_id = ? AND scope = ? AND branch = ?
	`, stream.DocumentID, stream.Scope, stream.Branch).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return revision, nil
}

// Revisions returns the revision of every scope of a document branch.
func (s *Store) Revisions(ctx context.Context, documentID, branch string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, MAX(idx) + 1 FROM operations
		WHERE document_id = ? AND branch = ?
		GROUP BY scope
		ORDER BY scope
	`, documentID, branch)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	revisions := make(map[string]int)
	for rows.Next() {
		var scope string
		var revision int
		if err := rows.Scan(&scope, &revision); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		revisions[scope] = revision
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return revisions, nil
}

// DocumentType returns the type recorded for a document, or a NOT_FOUND
// error if the document has no operations.
func (s *Store) DocumentType(ctx context.Context, documentID string) (string, error) {
	var documentType string
	err := s.db.QueryRowContext(ctx, `
		SELECT document_type FROM operations
		WHERE document_id = ?
		ORDER BY ordinal ASC
		LIMIT 1
	`, documentID).Scan(&documentType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.NotFound("document %s has no operations", documentID)
	}
	if err != nil {
		return "", fmt.Errorf("read document type: %w", err)
	}
	return documentType, nil
}

// OperationsSince returns up to limit operations written after ordinal,
// in write order. Sync backfill and read-model catch-up page through the
// whole store with it.
func (s *Store) OperationsSince(ctx context.Context, ordinal int64, limit int) ([]model.OperationWithContext, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal, id, document_id, document_type, scope, branch, idx, skip, hash, timestamp_utc_ms, action
		FROM operations
		WHERE ordinal > ?
		ORDER BY ordinal ASC
		LIMIT ?
	`, ordinal, limit)
	if err != nil {
		return nil, fmt.Errorf("query operations since %d: %w", ordinal, err)
	}
	defer rows.Close()

	out := []model.OperationWithContext{}
	for rows.Next() {
		var owc model.OperationWithContext
		var actionJSON string
		err := rows.Scan(
			&owc.Context.Ordinal,
			&owc.Operation.ID,
			&owc.Context.DocumentID,
			&owc.Context.DocumentType,
			&owc.Context.Scope,
			&owc.Context.Branch,
			&owc.Operation.Index,
			&owc.Operation.Skip,
			&owc.Operation.Hash,
			&owc.Operation.TimestampUtcMs,
			&actionJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if owc.Operation.Action, err = unmarshalAction(actionJSON); err != nil {
			return nil, err
		}
		out = append(out, owc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return out, nil
}
