// Package readmodel holds the read models fed by the consistency
// coordinator.
package readmodel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/store"
)

// DocumentViewName is the name DocumentView registers under.
const DocumentViewName = "document-view"

// Materializer returns the current state of a document on a branch.
type Materializer interface {
	GetDocument(ctx context.Context, documentID, branch string) (*model.Document, error)
}

// View selects the scopes returned by Get and Find. An empty view returns
// every scope.
type View struct {
	Scopes []string
}

// Filter narrows Find.
type Filter = store.SnapshotFilter

// Paging selects one page of Find results.
type Paging struct {
	Cursor string
	Limit  int
}

// Page is one page of Find results.
type Page struct {
	Documents  []*model.Document
	NextCursor string
}

// DocumentView keeps the latest materialized document per branch in the
// snapshot table.
type DocumentView struct {
	store        *store.Store
	materializer Materializer
	logger       *zap.Logger
}

// Option configures a DocumentView.
type Option func(*DocumentView)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *DocumentView) {
		v.logger = l
	}
}

// NewDocumentView creates the view.
func NewDocumentView(st *store.Store, m Materializer, opts ...Option) *DocumentView {
	v := &DocumentView{store: st, materializer: m, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Name implements consistency.ReadModel.
func (v *DocumentView) Name() string {
	return DocumentViewName
}

type docBranch struct {
	documentID string
	branch     string
}

// Index materializes every document touched by ops once and upserts its
// snapshot.
func (v *DocumentView) Index(ctx context.Context, ops []model.OperationWithContext) error {
	var order []docBranch
	ordinals := make(map[docBranch]int64)
	for _, op := range ops {
		key := docBranch{documentID: op.Context.DocumentID, branch: op.Context.Branch}
		if key.branch == "" {
			key.branch = model.BranchMain
		}
		prev, seen := ordinals[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || op.Context.Ordinal > prev {
			ordinals[key] = op.Context.Ordinal
		}
	}

	for _, key := range order {
		doc, err := v.materializer.GetDocument(ctx, key.documentID, key.branch)
		if err != nil {
			return fmt.Errorf("materialize %s@%s: %w", key.documentID, key.branch, err)
		}
		if err := v.store.PutSnapshot(ctx, key.branch, doc, ordinals[key]); err != nil {
			return err
		}
		v.logger.Debug("document view updated",
			zap.String("document_id", key.documentID),
			zap.String("branch", key.branch),
			zap.Int64("ordinal", ordinals[key]))
	}
	return nil
}

// Get returns the indexed document projected to view.
func (v *DocumentView) Get(ctx context.Context, documentID, branch string, view View) (*model.Document, error) {
	if branch == "" {
		branch = model.BranchMain
	}
	doc, err := v.store.GetSnapshot(ctx, documentID, branch)
	if err != nil {
		return nil, err
	}
	return Project(doc, view), nil
}

// Find pages through indexed documents ordered by id.
func (v *DocumentView) Find(ctx context.Context, filter Filter, view View, paging Paging) (Page, error) {
	docs, next, err := v.store.FindSnapshots(ctx, filter, paging.Cursor, paging.Limit)
	if err != nil {
		return Page{}, err
	}
	for i, doc := range docs {
		docs[i] = Project(doc, view)
	}
	return Page{Documents: docs, NextCursor: next}, nil
}

// Project drops the scopes view does not select. The header is always
// kept.
func Project(doc *model.Document, view View) *model.Document {
	if len(view.Scopes) == 0 {
		return doc
	}
	out := &model.Document{Header: doc.Header, State: make(map[string]map[string]any, len(view.Scopes))}
	for _, scope := range view.Scopes {
		if s, ok := doc.State[scope]; ok {
			out.State[scope] = s
		}
	}
	return out
}
