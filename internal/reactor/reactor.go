// Package reactor is the entry point of the document reactor.
//
// A Reactor accepts actions (Execute) and remote operations (Load), runs
// them as jobs through the queue and the executor pool, and serves reads
// (Get, Find) that can wait for a consistency token so a caller observes
// its own writes.
package reactor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/batch"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/cache"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/consistency"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/eventbus"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/executor"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/ids"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/jobs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/kv"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/queue"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/readmodel"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/registry"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/store"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/syncing"
)

// BatchResult maps each plan key of a batch request to its job.
type BatchResult struct {
	BatchID string
	Jobs    map[string]jobs.Info
}

// Reactor is safe for concurrent use. Build one with Build.
type Reactor struct {
	bus         *eventbus.Bus
	store       *store.Store
	kv          kv.Store
	registry    *registry.Registry
	cache       *cache.WriteCache
	queue       *queue.Queue
	tracker     *jobs.Tracker
	coordinator *consistency.Coordinator
	view        *readmodel.DocumentView
	executors   *executor.Manager
	aggregator  *batch.Aggregator
	sync        *syncing.Manager
	ids         ids.Generator
	now         func() time.Time
	logger      *zap.Logger
	maxRetries  int

	closers []func() error

	mu      sync.Mutex
	started bool
	stopped bool
}

// Bus returns the event bus.
func (r *Reactor) Bus() *eventbus.Bus { return r.bus }

// Registry returns the document-model registry.
func (r *Reactor) Registry() *registry.Registry { return r.registry }

// Coordinator returns the consistency coordinator, where read models
// register.
func (r *Reactor) Coordinator() *consistency.Coordinator { return r.coordinator }

// Sync returns the sync manager.
func (r *Reactor) Sync() *syncing.Manager { return r.sync }

// Executors returns the executor pool status.
func (r *Reactor) Executors() executor.Status { return r.executors.Status() }

// Start begins executing jobs and routing batches to remotes.
func (r *Reactor) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errs.Aborted(nil, "reactor is shut down")
	}
	if r.started {
		return nil
	}
	r.tracker.Start()
	r.coordinator.Start()
	r.aggregator.Attach(r.bus)
	r.sync.Start()
	if err := r.executors.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	r.started = true
	r.logger.Info("reactor started")
	return nil
}

// Shutdown stops accepting jobs, waits for running jobs within ctx, then
// flushes keyframes and closes storage.
func (r *Reactor) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(r.executors.Stop(ctx, true))
	keep(r.sync.Stop(ctx))
	r.aggregator.Detach()
	r.aggregator.Clear()
	r.coordinator.Stop()
	r.tracker.Stop()
	keep(r.cache.Shutdown(ctx))
	for i := len(r.closers) - 1; i >= 0; i-- {
		keep(r.closers[i]())
	}
	r.logger.Info("reactor shut down", zap.Error(firstErr))
	return firstErr
}

func (r *Reactor) accepting() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errs.Aborted(nil, "reactor is shut down")
	}
	return nil
}

// Execute submits actions against one document as a single job. The job
// forms a batch of its own.
func (r *Reactor) Execute(ctx context.Context, documentID, branch string, actions []model.Action, meta model.JobMeta) (jobs.Info, error) {
	res, err := r.ExecuteBatch(ctx, ExecuteBatchRequest{Jobs: []ExecutePlan{{
		Key:        documentID,
		DocumentID: documentID,
		Branch:     branch,
		Actions:    actions,
	}}}, meta)
	if err != nil {
		return jobs.Info{}, err
	}
	return res.Jobs[documentID], nil
}

// Load submits operations produced elsewhere for reconciliation into one
// stream. meta.SourceRemote names the remote they came from, if any.
func (r *Reactor) Load(ctx context.Context, documentID, branch string, ops []model.Operation, meta model.JobMeta) (jobs.Info, error) {
	res, err := r.LoadBatch(ctx, LoadBatchRequest{Jobs: []LoadPlan{{
		Key:        documentID,
		DocumentID: documentID,
		Branch:     branch,
		Operations: ops,
	}}}, meta)
	if err != nil {
		return jobs.Info{}, err
	}
	return res.Jobs[documentID], nil
}

// ExecuteBatch validates every plan, then enqueues the jobs in dependency
// order. All jobs share one batch id; caller meta is kept on each job.
// If any enqueue fails the jobs already queued are withdrawn and every job
// of the batch is marked failed.
func (r *Reactor) ExecuteBatch(ctx context.Context, req ExecuteBatchRequest, meta model.JobMeta) (BatchResult, error) {
	nodes := make([]planNode, len(req.Jobs))
	built := make([]*queue.Job, len(req.Jobs))
	for i, p := range req.Jobs {
		nodes[i] = planNode{key: p.Key, dependsOn: p.DependsOn}
		if p.DocumentID == "" {
			return BatchResult{}, errs.Validation("batch job %q has no document id", p.Key)
		}
		if len(p.Actions) == 0 {
			return BatchResult{}, errs.Validation("batch job %q has no actions", p.Key)
		}
		scope, err := actionScope(p.Actions, p.Scope)
		if err != nil {
			return BatchResult{}, err
		}
		built[i] = &queue.Job{
			Kind:       queue.KindExecute,
			DocumentID: p.DocumentID,
			Scope:      scope,
			Branch:     p.Branch,
			Actions:    cloneActions(p.Actions),
		}
	}
	return r.submit(ctx, nodes, built, meta)
}

// LoadBatch is ExecuteBatch for operations.
func (r *Reactor) LoadBatch(ctx context.Context, req LoadBatchRequest, meta model.JobMeta) (BatchResult, error) {
	nodes := make([]planNode, len(req.Jobs))
	built := make([]*queue.Job, len(req.Jobs))
	for i, p := range req.Jobs {
		nodes[i] = planNode{key: p.Key, dependsOn: p.DependsOn}
		if p.DocumentID == "" {
			return BatchResult{}, errs.Validation("batch job %q has no document id", p.Key)
		}
		scope, err := operationScope(p.Operations, p.Scope)
		if err != nil {
			return BatchResult{}, err
		}
		built[i] = &queue.Job{
			Kind:       queue.KindLoad,
			DocumentID: p.DocumentID,
			Scope:      scope,
			Branch:     p.Branch,
			Operations: model.CloneOperations(p.Operations),
		}
	}
	return r.submit(ctx, nodes, built, meta)
}

func (r *Reactor) submit(ctx context.Context, nodes []planNode, built []*queue.Job, meta model.JobMeta) (BatchResult, error) {
	if err := r.accepting(); err != nil {
		return BatchResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return BatchResult{}, errs.Aborted(err, "submit batch")
	}
	order, err := sortPlans(nodes)
	if err != nil {
		return BatchResult{}, err
	}

	batchID := r.ids.Generate()
	jobIDs := make([]string, len(built))
	keyToID := make(map[string]string, len(built))
	for i := range built {
		jobIDs[i] = r.ids.Generate()
		keyToID[nodes[i].key] = jobIDs[i]
	}
	createdAt := r.now().UnixMilli()
	for i, job := range built {
		job.ID = jobIDs[i]
		job.CreatedAtUtcMs = createdAt
		job.MaxRetries = r.maxRetries
		job.Meta = meta.Clone()
		job.Meta.BatchID = batchID
		job.Meta.BatchJobIDs = append([]string(nil), jobIDs...)
		for _, dep := range nodes[i].dependsOn {
			job.DependsOn = append(job.DependsOn, keyToID[dep])
		}
		r.tracker.Register(job.ID, job.DocumentID, job.Meta)
	}

	var enqueued []string
	for _, i := range order {
		job := built[i]
		err := ctx.Err()
		if err != nil {
			err = errs.Aborted(err, "submit batch %s", batchID)
		} else {
			err = r.queue.Enqueue(ctx, job)
		}
		if err != nil {
			r.rollback(ctx, batchID, built, enqueued, err)
			return BatchResult{}, err
		}
		enqueued = append(enqueued, job.ID)
	}

	res := BatchResult{BatchID: batchID, Jobs: make(map[string]jobs.Info, len(built))}
	for i, n := range nodes {
		info, _ := r.tracker.Get(jobIDs[i])
		res.Jobs[n.key] = info
	}
	r.logger.Debug("batch submitted",
		zap.String("batch_id", batchID),
		zap.Int("jobs", len(built)))
	return res, nil
}

// rollback withdraws the jobs of a batch whose submission failed. Jobs the
// queue still holds, and jobs never enqueued, fail through JOB_FAILED so
// the tracker and the batch aggregator settle them. Jobs already picked up
// by an executor run to their real outcome.
func (r *Reactor) rollback(ctx context.Context, batchID string, built []*queue.Job, enqueued []string, cause error) {
	sent := make(map[string]bool, len(enqueued))
	for _, id := range enqueued {
		sent[id] = true
	}
	// Lifecycle events must reach subscribers even when ctx caused the
	// rollback.
	ctx = context.WithoutCancel(ctx)
	var withdrawn, failed, running int
	for _, job := range built {
		if sent[job.ID] {
			if !r.queue.Remove(job.ID) {
				running++
				continue
			}
			withdrawn++
		}
		if info, ok := r.tracker.Get(job.ID); ok && info.Status.Terminal() {
			// Already reported, e.g. by the queue's model gate.
			continue
		}
		failure := &errs.Error{
			Code:       errs.CodeOf(cause),
			Message:    "batch enqueue failed",
			JobID:      job.ID,
			DocumentID: job.DocumentID,
			Err:        cause,
		}
		if failure.Code == "" {
			failure.Code = errs.CodeTransientExecution
		}
		err := r.bus.Emit(ctx, eventbus.JobFailed, eventbus.JobFailedEvent{
			JobID:        job.ID,
			DocumentID:   job.DocumentID,
			Err:          failure,
			ErrorHistory: []errs.ErrorInfo{errs.NewErrorInfo(cause)},
			Meta:         job.Meta.Clone(),
		})
		if err != nil {
			r.logger.Error("job failure not delivered",
				zap.String("job_id", job.ID),
				zap.String("batch_id", batchID),
				zap.Error(err))
		}
		failed++
	}
	r.logger.Warn("batch enqueue failed",
		zap.String("batch_id", batchID),
		zap.Int("withdrawn", withdrawn),
		zap.Int("failed", failed),
		zap.Int("running", running),
		zap.Error(cause))
}

// GetJobStatus returns the job's current info.
func (r *Reactor) GetJobStatus(jobID string) (jobs.Info, error) {
	info, ok := r.tracker.Get(jobID)
	if !ok {
		return jobs.Info{}, errs.NotFound("job %s not found", jobID)
	}
	return info, nil
}

// WaitForJob blocks until the job is COMPLETED or FAILED.
func (r *Reactor) WaitForJob(ctx context.Context, jobID string) (jobs.Info, error) {
	return r.tracker.Wait(ctx, jobID)
}

// WaitForBatch waits for every job of res concurrently. The returned map
// is keyed like res.Jobs.
func (r *Reactor) WaitForBatch(ctx context.Context, res BatchResult) (map[string]jobs.Info, error) {
	var mu sync.Mutex
	out := make(map[string]jobs.Info, len(res.Jobs))
	g, gctx := errgroup.WithContext(ctx)
	for key, info := range res.Jobs {
		key, jobID := key, info.JobID
		g.Go(func() error {
			done, err := r.tracker.Wait(gctx, jobID)
			if err != nil {
				return err
			}
			mu.Lock()
			out[key] = done
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a document from the document view. A non-empty token makes
// the read wait until every read model caught up with it.
func (r *Reactor) Get(ctx context.Context, documentID, branch string, view readmodel.View, token consistency.Token) (*model.Document, error) {
	if documentID == "" {
		return nil, errs.Validation("document id is required")
	}
	if err := r.waitFor(ctx, token); err != nil {
		return nil, err
	}
	return r.view.Get(ctx, documentID, branch, view)
}

// Find pages through documents matching filter, waiting for token first.
func (r *Reactor) Find(ctx context.Context, filter readmodel.Filter, view readmodel.View, paging readmodel.Paging, token consistency.Token) (readmodel.Page, error) {
	if err := r.waitFor(ctx, token); err != nil {
		return readmodel.Page{}, err
	}
	return r.view.Find(ctx, filter, view, paging)
}

func (r *Reactor) waitFor(ctx context.Context, token consistency.Token) error {
	if token.IsEmpty() {
		return nil
	}
	return r.coordinator.WaitFor(ctx, token)
}

// Operations returns the stored history of a stream.
func (r *Reactor) Operations(ctx context.Context, documentID, scope, branch string) ([]model.Operation, error) {
	return r.store.Operations(ctx, model.NewStreamKey(documentID, scope, branch), 0, -1)
}

func cloneActions(actions []model.Action) []model.Action {
	out := make([]model.Action, len(actions))
	for i, a := range actions {
		out[i] = a
		out[i].Input = model.CloneObject(a.Input)
	}
	return out
}
