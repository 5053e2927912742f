package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/cache"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/queue"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/reconcile"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/registry"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/store"
)

// Result is what a successful job wrote.
type Result struct {
	DocumentType          string
	Operations            []model.OperationWithContext
	CollectionMemberships map[string][]string
}

// Executor runs one job to completion. Implementations must be safe to
// call from several goroutines for jobs of different documents.
type Executor interface {
	Execute(ctx context.Context, job *queue.Job) (Result, error)
}

// OperationStore is the durable history the default executor writes.
type OperationStore interface {
	Operations(ctx context.Context, stream model.StreamKey, fromIndex, toIndex int) ([]model.Operation, error)
	DocumentType(ctx context.Context, documentID string) (string, error)
	AppendAll(ctx context.Context, documentType string, runs []store.StreamOperations) ([]model.OperationWithContext, error)
	ReplaceFrom(ctx context.Context, stream model.StreamKey, documentType string, fromIndex int, ops []model.Operation) ([]model.OperationWithContext, error)
}

// Default executes actions through the document-model registry and loads
// remote operations through history reconciliation.
type Default struct {
	store    OperationStore
	cache    *cache.WriteCache
	registry *registry.Registry
	logger   *zap.Logger
	now      func() time.Time
}

// DefaultOption configures a Default executor.
type DefaultOption func(*Default)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) DefaultOption {
	return func(d *Default) {
		d.logger = l
	}
}

// WithClock sets the time source for actions without a timestamp.
func WithClock(now func() time.Time) DefaultOption {
	return func(d *Default) {
		d.now = now
	}
}

// NewDefault creates the default executor.
func NewDefault(st OperationStore, c *cache.WriteCache, reg *registry.Registry, opts ...DefaultOption) *Default {
	d := &Default{
		store:    st,
		cache:    c,
		registry: reg,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute dispatches on the job kind.
func (d *Default) Execute(ctx context.Context, job *queue.Job) (Result, error) {
	switch job.Kind {
	case queue.KindLoad:
		return d.load(ctx, job)
	case queue.KindExecute, "":
		return d.execute(ctx, job)
	default:
		return Result{}, errs.Validation("unknown job kind %q", job.Kind)
	}
}

// scopeRun accumulates the operations one job writes to one scope.
type scopeRun struct {
	scope string
	doc   *model.Document
	ops   []model.Operation
}

// execute applies job.Actions in order.
//
//  1. Resolve the document type (from CREATE_DOCUMENT or the store)
//  2. Validate every action against the model schema
//  3. Apply each action to the latest state of its scope and derive the
//     operation id and state hash
//  4. Append every scope run in one transaction
//  5. Put the new scope states into the write cache
//
// Nothing is written unless every action applied.
func (d *Default) execute(ctx context.Context, job *queue.Job) (Result, error) {
	if len(job.Actions) == 0 {
		return Result{}, errs.Validation("job %s has no actions", job.ID)
	}

	var created *model.Document
	documentType := ""
	if first := job.Actions[0]; first.Type == model.ActionCreateDocument {
		documentType = registry.ModelOf(first)
		if documentType == "" {
			return Result{}, errs.Validation("%s for %s has no model", model.ActionCreateDocument, job.DocumentID)
		}
		_, err := d.store.DocumentType(ctx, job.DocumentID)
		if err == nil {
			return Result{}, errs.Validation("document %s already exists", job.DocumentID)
		}
		if !errs.IsNotFound(err) {
			return Result{}, errs.Transient(err, "resolve document type")
		}
	} else {
		t, err := d.store.DocumentType(ctx, job.DocumentID)
		if errs.IsNotFound(err) {
			return Result{}, errs.Validation("document %s does not exist", job.DocumentID)
		}
		if err != nil {
			return Result{}, errs.Transient(err, "resolve document type")
		}
		documentType = t
	}
	if _, err := d.registry.Get(documentType); err != nil {
		return Result{}, err
	}

	var runs []*scopeRun
	byScope := make(map[string]*scopeRun)

	for i, action := range job.Actions {
		if action.Scope == "" {
			action.Scope = job.Scope
		}
		if action.TimestampUtcMs == 0 {
			action.TimestampUtcMs = d.now().UnixMilli()
		}
		if action.ID == "" {
			id, err := model.ActionID(action)
			if err != nil {
				return Result{}, errs.Validation("action %d: %v", i, err)
			}
			action.ID = id
		}
		if action.Scope != model.ScopeDocument {
			if err := d.registry.ValidateAction(documentType, action); err != nil {
				return Result{}, err
			}
		}

		run, ok := byScope[action.Scope]
		if !ok {
			doc, err := d.baseState(ctx, job, action, documentType, created)
			if err != nil {
				return Result{}, err
			}
			run = &scopeRun{scope: action.Scope, doc: doc}
			byScope[action.Scope] = run
			runs = append(runs, run)
		}

		if action.Type == model.ActionCreateDocument {
			if run.doc != nil {
				return Result{}, errs.Validation("document %s already exists", job.DocumentID)
			}
			doc, err := d.registry.CreateDocument(job.DocumentID, action)
			if err != nil {
				return Result{}, err
			}
			run.doc = doc
			created = doc
		}
		if run.doc == nil {
			return Result{}, errs.Validation("document %s does not exist", job.DocumentID)
		}

		stream := model.NewStreamKey(job.DocumentID, action.Scope, job.Branch)
		index := run.doc.Revision(action.Scope)
		op := model.Operation{
			Index:          index,
			TimestampUtcMs: action.TimestampUtcMs,
			Action:         action,
		}
		if err := d.registry.ApplyOperation(run.doc, action.Scope, op); err != nil {
			return Result{}, err
		}
		hash, err := registry.HashScope(run.doc, action.Scope)
		if err != nil {
			return Result{}, errs.Transient(err, "hash scope %s", action.Scope)
		}
		id, err := model.OperationID(stream, index, 0, action)
		if err != nil {
			return Result{}, errs.Validation("operation id: %v", err)
		}
		op.ID = id
		op.Hash = hash
		run.ops = append(run.ops, op)
	}

	storeRuns := make([]store.StreamOperations, len(runs))
	for i, run := range runs {
		storeRuns[i] = store.StreamOperations{
			Stream:     model.NewStreamKey(job.DocumentID, run.scope, job.Branch),
			Operations: run.ops,
		}
	}
	written, err := d.store.AppendAll(ctx, documentType, storeRuns)
	if err != nil {
		d.cache.Invalidate(job.DocumentID, "", job.Branch)
		if errs.IsRevisionMismatch(err) {
			return Result{}, errs.Transient(err, "concurrent write to document %s", job.DocumentID)
		}
		return Result{}, errs.Transient(err, "append operations")
	}

	memberships := map[string][]string{}
	for _, run := range runs {
		d.cache.PutState(job.DocumentID, documentType, run.scope, job.Branch, run.doc.Revision(run.scope), run.doc)
		if len(run.doc.Header.Collections) > 0 {
			memberships[job.DocumentID] = append([]string(nil), run.doc.Header.Collections...)
		}
	}

	d.logger.Debug("job executed",
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID),
		zap.String("branch", job.Branch),
		zap.Int("operations", len(written)))

	return Result{DocumentType: documentType, Operations: written, CollectionMemberships: memberships}, nil
}

// baseState returns the state an action's scope starts from, or nil for
// a document scope that has no history yet.
func (d *Default) baseState(ctx context.Context, job *queue.Job, action model.Action, documentType string, created *model.Document) (*model.Document, error) {
	if action.Scope == model.ScopeDocument {
		if action.Type == model.ActionCreateDocument {
			return nil, nil
		}
		return d.latest(ctx, job.DocumentID, model.ScopeDocument, job.Branch)
	}
	if created != nil {
		fresh, err := d.registry.NewDocument(job.DocumentID, documentType, created.Header.CreatedAtUtcMs, created.Header.Collections)
		if err != nil {
			return nil, err
		}
		doc := created.Clone()
		doc.State = map[string]map[string]any{action.Scope: fresh.State[action.Scope]}
		if doc.State[action.Scope] == nil {
			doc.State[action.Scope] = map[string]any{}
		}
		return doc, nil
	}
	return d.latest(ctx, job.DocumentID, action.Scope, job.Branch)
}

func (d *Default) latest(ctx context.Context, documentID, scope, branch string) (*model.Document, error) {
	doc, err := d.cache.GetState(ctx, documentID, scope, branch, cache.Latest)
	if err == nil {
		return doc, nil
	}
	if errs.IsNotFound(err) {
		return nil, errs.Validation("document %s does not exist", documentID)
	}
	if errs.CodeOf(err) != "" {
		return nil, err
	}
	return nil, errs.Transient(err, "load state of %s:%s", documentID, scope)
}

// load reconciles job.Operations, produced by another reactor, with the
// stored history of the job's stream.
//
//  1. Attach the incoming operations to the stored trunk
//  2. Re-index the displaced local tail after the new trunk
//  3. Replay from the first rewritten position, keeping remote ids and
//     checking remote hashes
//  4. Rewrite the stream from that position in one transaction
//  5. Drop the stream from the cache and store the rebuilt state
//
// Loading history that is already present writes nothing.
func (d *Default) load(ctx context.Context, job *queue.Job) (Result, error) {
	if len(job.Operations) == 0 {
		return Result{}, errs.Validation("job %s has no operations", job.ID)
	}
	stream := job.Stream()
	for _, op := range job.Operations {
		if op.Action.Scope != "" && op.Action.Scope != stream.Scope {
			return Result{}, errs.Validation("operation %d belongs to scope %s, job loads %s", op.Index, op.Action.Scope, stream.Scope)
		}
	}

	documentType, err := d.loadDocumentType(ctx, job)
	if err != nil {
		return Result{}, err
	}
	if _, err := d.registry.Get(documentType); err != nil {
		return Result{}, err
	}

	trunk, err := d.store.Operations(ctx, stream, 0, -1)
	if err != nil {
		return Result{}, errs.Transient(err, "read trunk %s", stream)
	}
	newTrunk, tail, err := reconcile.AttachBranch(trunk, job.Operations)
	if err != nil {
		return Result{}, err
	}
	// A stored stream always starts at index 0; a branch that only covers
	// later indices needs the earlier history first.
	if issues := reconcile.CheckIntegrity(newTrunk); len(issues) > 0 {
		return Result{}, errs.Integrity("history of %s is incomplete: %s", stream, issues[0].Message)
	}

	reindexed := reconcile.Reshuffle(reconcile.NextIndex(newTrunk), tail)
	final := append(append([]model.Operation{}, newTrunk...), reindexed...)

	first := firstDifference(trunk, final)
	if first == len(final) {
		d.logger.Debug("load is a no-op",
			zap.String("job_id", job.ID),
			zap.String("document_id", job.DocumentID),
			zap.String("scope", stream.Scope))
		return Result{DocumentType: documentType, Operations: []model.OperationWithContext{}}, nil
	}

	var base *model.Document
	if first > 0 || stream.Scope != model.ScopeDocument {
		base, err = d.cache.GetState(ctx, stream.DocumentID, stream.Scope, stream.Branch, revisionAt(final, first))
		if err != nil {
			return Result{}, errs.Transient(err, "load base state of %s", stream)
		}
	}

	rewritten := model.CloneOperations(final[first:])
	doc := base
	for i := range rewritten {
		op := &rewritten[i]
		if op.Action.Scope == "" {
			op.Action.Scope = stream.Scope
		}
		if doc == nil {
			if op.Action.Type != model.ActionCreateDocument {
				return Result{}, errs.Integrity("stream %s does not start with %s", stream, model.ActionCreateDocument)
			}
			if doc, err = d.registry.CreateDocument(stream.DocumentID, op.Action); err != nil {
				return Result{}, err
			}
		}
		if err := d.registry.ApplyOperation(doc, stream.Scope, *op); err != nil {
			return Result{}, err
		}
		hash, err := registry.HashScope(doc, stream.Scope)
		if err != nil {
			return Result{}, errs.Transient(err, "hash scope %s", stream.Scope)
		}
		if op.Hash != "" && op.Hash != hash {
			return Result{}, errs.Integrity("operation %d of %s: hash %s does not match replayed state %s", op.Index, stream, op.Hash, hash)
		}
		op.Hash = hash
		if op.ID == "" {
			if op.ID, err = model.OperationID(stream, op.Index, op.Skip, op.Action); err != nil {
				return Result{}, errs.Validation("operation id: %v", err)
			}
		}
	}

	fromIndex := rewritten[0].Anchor()
	if first < len(trunk) && trunk[first].Index < fromIndex {
		fromIndex = trunk[first].Index
	}
	written, err := d.store.ReplaceFrom(ctx, stream, documentType, fromIndex, rewritten)
	if err != nil {
		return Result{}, errs.Transient(err, "rewrite %s", stream)
	}

	d.cache.Invalidate(stream.DocumentID, stream.Scope, stream.Branch)
	d.cache.PutState(stream.DocumentID, documentType, stream.Scope, stream.Branch, doc.Revision(stream.Scope), doc)

	memberships := map[string][]string{}
	if len(doc.Header.Collections) > 0 {
		memberships[stream.DocumentID] = append([]string(nil), doc.Header.Collections...)
	}

	d.logger.Info("history reconciled",
		zap.String("job_id", job.ID),
		zap.String("document_id", stream.DocumentID),
		zap.String("scope", stream.Scope),
		zap.String("branch", stream.Branch),
		zap.Int("rewritten_from", fromIndex),
		zap.Int("displaced", len(tail)))

	return Result{DocumentType: documentType, Operations: written, CollectionMemberships: memberships}, nil
}

func (d *Default) loadDocumentType(ctx context.Context, job *queue.Job) (string, error) {
	t, err := d.store.DocumentType(ctx, job.DocumentID)
	if err == nil {
		return t, nil
	}
	if !errs.IsNotFound(err) {
		return "", errs.Transient(err, "resolve document type")
	}
	for _, op := range job.Operations {
		if op.Action.Type == model.ActionCreateDocument {
			return registry.ModelOf(op.Action), nil
		}
	}
	// The document scope may still be on its way.
	return "", errs.Transient(err, "document %s is unknown", job.DocumentID)
}

// firstDifference returns the first position where final departs from
// trunk, or len(final) when final extends or equals trunk there.
func firstDifference(trunk, final []model.Operation) int {
	for i := range final {
		if i >= len(trunk) {
			return i
		}
		if trunk[i].ID != final[i].ID || !trunk[i].Equivalent(final[i]) {
			return i
		}
	}
	return len(final)
}

// revisionAt is the revision of the history preceding position i.
func revisionAt(ops []model.Operation, i int) int {
	if i == 0 {
		return 0
	}
	return ops[i-1].Index + 1
}

func (r Result) String() string {
	return fmt.Sprintf("%d operation(s) of %s", len(r.Operations), r.DocumentType)
}
