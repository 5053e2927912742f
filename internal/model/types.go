package model

import "fmt"

// Well-known scopes.
const (
	ScopeDocument = "document"
	ScopeGlobal   = "global"
	ScopeLocal    = "local"
)

// BranchMain is the default branch.
const BranchMain = "main"

// Document lifecycle actions, always applied in ScopeDocument.
const (
	ActionCreateDocument = "CREATE_DOCUMENT"
	ActionDeleteDocument = "DELETE_DOCUMENT"
)

// Action is a request to mutate a document, before it is assigned a
// position in a stream.
type Action struct {
	ID             string         `json:"id" cbor:"id" yaml:"id"`
	Type           string         `json:"type" cbor:"type" yaml:"type"`
	Scope          string         `json:"scope" cbor:"scope" yaml:"scope"`
	TimestampUtcMs int64          `json:"timestampUtcMs" cbor:"timestampUtcMs" yaml:"timestamp"`
	Input          map[string]any `json:"input,omitempty" cbor:"input,omitempty" yaml:"input,omitempty"`
}

// Operation is an action placed at Index in a stream.
//
// Skip > 0 means the operation supersedes the Skip operations immediately
// preceding it, so its anchor is Index-Skip.
type Operation struct {
	ID             string `json:"id" cbor:"id" yaml:"id"`
	Index          int    `json:"index" cbor:"index" yaml:"index"`
	Skip           int    `json:"skip" cbor:"skip" yaml:"skip"`
	Hash           string `json:"hash" cbor:"hash" yaml:"hash"`
	TimestampUtcMs int64  `json:"timestampUtcMs" cbor:"timestampUtcMs" yaml:"timestamp"`
	Action         Action `json:"action" cbor:"action" yaml:"action"`
}

// Anchor returns the first index this operation overwrites.
func (o Operation) Anchor() int {
	return o.Index - o.Skip
}

// Equivalent reports whether two operations describe the same history
// entry: same position, same skip, same action type and timestamp.
func (o Operation) Equivalent(other Operation) bool {
	return o.Index == other.Index &&
		o.Skip == other.Skip &&
		o.Action.Type == other.Action.Type &&
		o.TimestampUtcMs == other.TimestampUtcMs
}

func (o Operation) String() string {
	return fmt.Sprintf("%d:%d %s", o.Index, o.Skip, o.Action.Type)
}

// StreamKey identifies one linear operation history.
type StreamKey struct {
	DocumentID string `json:"documentId"`
	Scope      string `json:"scope"`
	Branch     string `json:"branch"`
}

// NewStreamKey builds a key, defaulting an empty branch to BranchMain.
func NewStreamKey(documentID, scope, branch string) StreamKey {
	if branch == "" {
		branch = BranchMain
	}
	return StreamKey{DocumentID: documentID, Scope: scope, Branch: branch}
}

// String renders the key as "documentId:scope:branch".
func (k StreamKey) String() string {
	return k.DocumentID + ":" + k.Scope + ":" + k.Branch
}

// OperationContext locates an operation written by the reactor.
type OperationContext struct {
	DocumentID   string `json:"documentId"`
	DocumentType string `json:"documentType"`
	Scope        string `json:"scope"`
	Branch       string `json:"branch"`
	Ordinal      int64  `json:"ordinal"`
}

// Stream returns the stream the operation belongs to.
func (c OperationContext) Stream() StreamKey {
	return NewStreamKey(c.DocumentID, c.Scope, c.Branch)
}

// OperationWithContext pairs an operation with its location.
type OperationWithContext struct {
	Operation Operation        `json:"operation"`
	Context   OperationContext `json:"context"`
}

// Header holds document metadata maintained by the document scope.
type Header struct {
	ID                  string         `json:"id" cbor:"id"`
	DocumentType        string         `json:"documentType" cbor:"documentType"`
	CreatedAtUtcMs      int64          `json:"createdAtUtcMs" cbor:"createdAtUtcMs"`
	LastModifiedAtUtcMs int64          `json:"lastModifiedAtUtcMs" cbor:"lastModifiedAtUtcMs"`
	Revision            map[string]int `json:"revision" cbor:"revision"`
	Collections         []string       `json:"collections,omitempty" cbor:"collections,omitempty"`
	Deleted             bool           `json:"deleted,omitempty" cbor:"deleted,omitempty"`
}

// Document is a materialized snapshot: header plus per-scope state.
type Document struct {
	Header Header                    `json:"header" cbor:"header"`
	State  map[string]map[string]any `json:"state" cbor:"state"`
}

// Revision returns the number of operations applied to scope.
func (d *Document) Revision(scope string) int {
	if d == nil || d.Header.Revision == nil {
		return 0
	}
	return d.Header.Revision[scope]
}

// Clone returns a deep copy so callers can never alias cached state.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		Header: d.Header,
		State:  make(map[string]map[string]any, len(d.State)),
	}
	out.Header.Revision = make(map[string]int, len(d.Header.Revision))
	for k, v := range d.Header.Revision {
		out.Header.Revision[k] = v
	}
	if d.Header.Collections != nil {
		out.Header.Collections = append([]string(nil), d.Header.Collections...)
	}
	for scope, state := range d.State {
		out.State[scope] = CloneObject(state)
	}
	return out
}

// CloneObject deep-copies a JSON object.
func CloneObject(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a decoded JSON value. Scalars are returned as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneObject(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = CloneValue(elem)
		}
		return out
	default:
		return val
	}
}

// CloneOperations copies a slice of operations including action inputs.
func CloneOperations(ops []Operation) []Operation {
	if ops == nil {
		return nil
	}
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = op
		out[i].Action.Input = CloneObject(op.Action.Input)
	}
	return out
}
