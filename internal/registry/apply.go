package registry

import (
	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// CreateDocument builds a document from a CREATE_DOCUMENT action. The
// action input names the model and optionally the collections the
// document belongs to.
func (r *Registry) CreateDocument(documentID string, action model.Action) (*model.Document, error) {
	if action.Type != model.ActionCreateDocument {
		return nil, errs.Validation("expected %s, got %s", model.ActionCreateDocument, action.Type)
	}
	documentType := ModelOf(action)
	if documentType == "" {
		return nil, errs.Validation("%s for %s has no model", model.ActionCreateDocument, documentID)
	}
	return r.NewDocument(documentID, documentType, action.TimestampUtcMs, stringList(action.Input["collections"]))
}

// ModelOf returns the document type named by a CREATE_DOCUMENT action.
func ModelOf(action model.Action) string {
	s, _ := action.Input["model"].(string)
	return s
}

// ApplyOperation applies op to doc in place and advances the scope
// revision to op.Index+1.
//
// Document-scope operations maintain the header. CREATE_DOCUMENT is only
// valid as the first operation of the document scope.
func (r *Registry) ApplyOperation(doc *model.Document, scope string, op model.Operation) error {
	if scope == model.ScopeDocument {
		switch op.Action.Type {
		case model.ActionCreateDocument:
			if doc.Revision(model.ScopeDocument) > 0 {
				return errs.Validation("document %s already created", doc.Header.ID)
			}
		case model.ActionDeleteDocument:
			doc.Header.Deleted = true
		default:
			return errs.Validation("unknown document action %s", op.Action.Type)
		}
	} else {
		next, err := r.Apply(doc.Header.DocumentType, doc.State[scope], op.Action)
		if err != nil {
			return err
		}
		doc.State[scope] = next
	}

	if doc.Header.Revision == nil {
		doc.Header.Revision = map[string]int{}
	}
	doc.Header.Revision[scope] = op.Index + 1
	if op.TimestampUtcMs > doc.Header.LastModifiedAtUtcMs {
		doc.Header.LastModifiedAtUtcMs = op.TimestampUtcMs
	}
	return nil
}

// Replay applies ops to a copy of base. A nil base is only valid for the
// document scope, whose first operation must be CREATE_DOCUMENT.
func (r *Registry) Replay(documentID string, base *model.Document, scope string, ops []model.Operation) (*model.Document, error) {
	doc := base.Clone()
	for _, op := range ops {
		if doc == nil {
			if scope != model.ScopeDocument || op.Action.Type != model.ActionCreateDocument {
				return nil, errs.Integrity("stream %s:%s does not start with %s", documentID, scope, model.ActionCreateDocument)
			}
			created, err := r.CreateDocument(documentID, op.Action)
			if err != nil {
				return nil, err
			}
			doc = created
		}
		if err := r.ApplyOperation(doc, scope, op); err != nil {
			return nil, err
		}
	}
	if doc == nil {
		return nil, errs.NotFound("document %s has no history", documentID)
	}
	return doc, nil
}

// ScopeState returns the state an operation hash covers: the scope state,
// or a projection of the header for the document scope.
func ScopeState(doc *model.Document, scope string) map[string]any {
	if scope != model.ScopeDocument {
		if s := doc.State[scope]; s != nil {
			return s
		}
		return map[string]any{}
	}
	collections := make([]any, len(doc.Header.Collections))
	for i, c := range doc.Header.Collections {
		collections[i] = c
	}
	return map[string]any{
		"id":           doc.Header.ID,
		"documentType": doc.Header.DocumentType,
		"collections":  collections,
		"deleted":      doc.Header.Deleted,
	}
}

// HashScope returns the state hash recorded on operations of scope.
func HashScope(doc *model.Document, scope string) (string, error) {
	return model.StateHash(ScopeState(doc, scope))
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
