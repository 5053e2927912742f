package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// SnapshotFilter narrows FindSnapshots. Zero fields match everything.
type SnapshotFilter struct {
	DocumentType   string
	IDs            []string
	Branch         string
	Collection     string
	IncludeDeleted bool
}

// PutSnapshot upserts the materialized document for branch. ordinal is
// the highest operation ordinal reflected in doc.
func (s *Store) PutSnapshot(ctx context.Context, branch string, doc *model.Document, ordinal int64) error {
	headerJSON, err := marshalJSON(doc.Header, "header")
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	stateJSON, err := marshalJSON(doc.State, "state")
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_snapshots
		(document_id, branch, document_type, header, state, collections, deleted, updated_ordinal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (document_id, branch) DO UPDATE SET
			document_type = excluded.document_type,
			header = excluded.header,
			state = excluded.state,
			collections = excluded.collections,
			deleted = excluded.deleted,
			updated_ordinal = MAX(document_snapshots.updated_ordinal, excluded.updated_ordinal)
	`,
		doc.Header.ID,
		branch,
		doc.Header.DocumentType,
		headerJSON,
		stateJSON,
		encodeCollections(doc.Header.Collections),
		doc.Header.Deleted,
		ordinal,
	)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the materialized document, or a NOT_FOUND error.
func (s *Store) GetSnapshot(ctx context.Context, documentID, branch string) (*model.Document, error) {
	var headerJSON, stateJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT header, state FROM document_snapshots
		WHERE document_id = ? AND branch = ?
	`, documentID, branch).Scan(&headerJSON, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("document %s not found on branch %s", documentID, branch)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return decodeSnapshot(headerJSON, stateJSON)
}

// FindSnapshots pages through snapshots ordered by document id. cursor is
// the last document id of the previous page ("" for the first page). The
// returned cursor is "" when no further page exists.
func (s *Store) FindSnapshots(ctx context.Context, filter SnapshotFilter, cursor string, limit int) ([]*model.Document, string, error) {
	if limit <= 0 {
		limit = 100
	}
	branch := filter.Branch
	if branch == "" {
		branch = model.BranchMain
	}

	var where []string
	args := []any{}
	where = append(where, "branch = ?")
	args = append(args, branch)
	if filter.DocumentType != "" {
		where = append(where, "document_type = ?")
		args = append(args, filter.DocumentType)
	}
	if len(filter.IDs) > 0 {
		placeholders := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, "document_id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Collection != "" {
		where = append(where, "instr(collections, ?) > 0")
		args = append(args, "|"+filter.Collection+"|")
	}
	if !filter.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if cursor != "" {
		where = append(where, "document_id > ?")
		args = append(args, cursor)
	}
	// Fetch one extra row to learn whether another page exists.
	args = append(args, limit+1)

	query := "SELECT document_id, header, state FROM document_snapshots WHERE " +
		strings.Join(where, " AND ") +
		" ORDER BY document_id COLLATE BINARY ASC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("find snapshots: %w", err)
	}
	defer rows.Close()

	docs := []*model.Document{}
	var ids []string
	for rows.Next() {
		var id, headerJSON, stateJSON string
		if err := rows.Scan(&id, &headerJSON, &stateJSON); err != nil {
			return nil, "", fmt.Errorf("scan snapshot: %w", err)
		}
		doc, err := decodeSnapshot(headerJSON, stateJSON)
		if err != nil {
			return nil, "", err
		}
		docs = append(docs, doc)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate snapshots: %w", err)
	}

	next := ""
	if len(docs) > limit {
		docs = docs[:limit]
		next = ids[limit-1]
	}
	return docs, next, nil
}

func decodeSnapshot(headerJSON, stateJSON string) (*model.Document, error) {
	doc := &model.Document{}
	if err := unmarshalJSON(headerJSON, &doc.Header, "header"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(stateJSON, &doc.State, "state"); err != nil {
		return nil, err
	}
	if doc.State == nil {
		doc.State = map[string]map[string]any{}
	}
	return doc, nil
}
