// Package batch groups the write-ready events of jobs submitted together
// into one BATCH_READY notification.
//
// Every call goes through a single FIFO processing point: a worker
// goroutine runs one task at a time, so batch composition and dependency
// lists follow arrival order even under concurrent callers.
//
// A job failure reported before any job of its batch arrived is not
// ignored. It opens the batch as pending with that job settled, so the
// batch still flushes once its remaining jobs arrive or fail instead of
// waiting forever for the failed one.
package batch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/eventbus"
)

// maxFlushed bounds how many flushed batch ids are remembered for late
// arrival detection.
const maxFlushed = 4096

// ErrCleared is returned to callers whose task was dropped by Clear.
var ErrCleared = &errs.Error{Code: errs.CodeAborted, Message: "batch aggregator cleared"}

// ReadyFunc consumes a prepared batch.
type ReadyFunc func(ctx context.Context, batch eventbus.BatchReadyEvent) error

type task struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// pending is a batch that has not flushed yet.
type pending struct {
	expected map[string]bool
	arrived  []string
	failed   map[string]bool
	entries  []eventbus.BatchEntry
}

func (p *pending) complete() bool {
	settled := 0
	for id := range p.expected {
		if p.failed[id] {
			settled++
			continue
		}
		for _, a := range p.arrived {
			if a == id {
				settled++
				break
			}
		}
	}
	return settled >= len(p.expected)
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	onReady ReadyFunc
	logger  *zap.Logger

	mu      sync.Mutex
	tasks   []*task
	working bool

	// Guarded by stateMu, held by the worker while a task runs.
	stateMu     sync.Mutex
	batches     map[string]*pending
	flushed     map[string]bool
	flushedList []string

	unsubscribe []func()
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l
	}
}

// New creates an aggregator that hands complete batches to onReady.
func New(onReady ReadyFunc, opts ...Option) *Aggregator {
	a := &Aggregator{
		onReady: onReady,
		logger:  zap.NewNop(),
		batches: make(map[string]*pending),
		flushed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach feeds JOB_WRITE_READY and JOB_FAILED from bus into the
// aggregator.
func (a *Aggregator) Attach(bus *eventbus.Bus) {
	a.unsubscribe = append(a.unsubscribe,
		bus.Subscribe(eventbus.JobWriteReady, func(ctx context.Context, _ eventbus.EventType, payload any) error {
			ev, ok := payload.(eventbus.JobWriteReadyEvent)
			if !ok {
				return nil
			}
			return a.EnqueueWriteReady(ctx, ev)
		}),
		bus.Subscribe(eventbus.JobFailed, func(ctx context.Context, _ eventbus.EventType, payload any) error {
			ev, ok := payload.(eventbus.JobFailedEvent)
			if !ok {
				return nil
			}
			return a.HandleJobFailed(ctx, ev)
		}),
	)
}

// Detach undoes Attach.
func (a *Aggregator) Detach() {
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	a.unsubscribe = nil
}

// EnqueueWriteReady records ev and flushes its batch once every job of the
// batch arrived or failed. Events without batch siblings, and late
// arrivals for a batch that already flushed, are delivered on their own.
func (a *Aggregator) EnqueueWriteReady(ctx context.Context, ev eventbus.JobWriteReadyEvent) error {
	return a.submit(ctx, func(ctx context.Context) error {
		batchID := ev.Meta.BatchID
		if batchID == "" || len(ev.Meta.BatchJobIDs) <= 1 || a.flushed[batchID] {
			if a.flushed[batchID] {
				a.logger.Debug("late batch arrival delivered alone",
					zap.String("batch_id", batchID),
					zap.String("job_id", ev.JobID))
			}
			return a.deliver(ctx, batchID, []eventbus.BatchEntry{{Event: ev, JobDependencies: []string{}}})
		}

		p := a.pendingFor(batchID, ev.Meta.BatchJobIDs)
		p.entries = append(p.entries, eventbus.BatchEntry{
			Event:           ev,
			JobDependencies: append([]string{}, p.arrived...),
		})
		p.arrived = append(p.arrived, ev.JobID)

		if !p.complete() {
			return nil
		}
		return a.flush(ctx, batchID)
	})
}

// HandleJobFailed flushes the partial batch of a failed job. A failure
// before any sibling arrived is remembered and counts toward completion.
func (a *Aggregator) HandleJobFailed(ctx context.Context, ev eventbus.JobFailedEvent) error {
	return a.submit(ctx, func(ctx context.Context) error {
		batchID := ev.Meta.BatchID
		if batchID == "" || a.flushed[batchID] {
			return nil
		}
		p := a.pendingFor(batchID, ev.Meta.BatchJobIDs)
		p.failed[ev.JobID] = true
		if len(p.entries) == 0 {
			if p.complete() {
				// Every job failed; nothing to deliver.
				delete(a.batches, batchID)
				a.markFlushed(batchID)
			}
			return nil
		}
		a.logger.Info("flushing partial batch",
			zap.String("batch_id", batchID),
			zap.String("job_id", ev.JobID),
			zap.Int("entries", len(p.entries)))
		return a.flush(ctx, batchID)
	})
}

// Clear drops every pending batch and every queued task. Queued callers
// get ErrCleared; a task already running completes.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	dropped := a.tasks
	a.tasks = nil
	a.mu.Unlock()

	for _, t := range dropped {
		t.done <- ErrCleared
	}

	a.stateMu.Lock()
	a.batches = make(map[string]*pending)
	a.flushed = make(map[string]bool)
	a.flushedList = nil
	a.stateMu.Unlock()
}

// Pending returns the number of batches waiting for more jobs.
func (a *Aggregator) Pending() int {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return len(a.batches)
}

func (a *Aggregator) pendingFor(batchID string, jobIDs []string) *pending {
	p, ok := a.batches[batchID]
	if !ok {
		p = &pending{expected: make(map[string]bool), failed: make(map[string]bool)}
		a.batches[batchID] = p
	}
	for _, id := range jobIDs {
		p.expected[id] = true
	}
	return p
}

func (a *Aggregator) flush(ctx context.Context, batchID string) error {
	p := a.batches[batchID]
	delete(a.batches, batchID)
	a.markFlushed(batchID)
	return a.deliver(ctx, batchID, p.entries)
}

func (a *Aggregator) deliver(ctx context.Context, batchID string, entries []eventbus.BatchEntry) error {
	memberships := map[string][]string{}
	for _, e := range entries {
		for doc, collections := range e.Event.CollectionMemberships {
			memberships[doc] = mergeStrings(memberships[doc], collections)
		}
	}
	if a.onReady == nil {
		return nil
	}
	return a.onReady(ctx, eventbus.BatchReadyEvent{
		BatchID:               batchID,
		Entries:               entries,
		CollectionMemberships: memberships,
	})
}

func (a *Aggregator) markFlushed(batchID string) {
	if a.flushed[batchID] {
		return
	}
	a.flushed[batchID] = true
	a.flushedList = append(a.flushedList, batchID)
	if len(a.flushedList) > maxFlushed {
		delete(a.flushed, a.flushedList[0])
		a.flushedList = a.flushedList[1:]
	}
}

// submit queues fn and waits for its result.
func (a *Aggregator) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	t := &task{ctx: ctx, run: fn, done: make(chan error, 1)}

	a.mu.Lock()
	a.tasks = append(a.tasks, t)
	if !a.working {
		a.working = true
		go a.work()
	}
	a.mu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		if a.dequeue(t) {
			return errs.Aborted(ctx.Err(), "batch task cancelled")
		}
		return <-t.done
	}
}

// dequeue removes t if it has not started.
func (a *Aggregator) dequeue(t *task) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, queued := range a.tasks {
		if queued == t {
			a.tasks = append(a.tasks[:i], a.tasks[i+1:]...)
			return true
		}
	}
	return false
}

func (a *Aggregator) work() {
	for {
		a.mu.Lock()
		if len(a.tasks) == 0 {
			a.working = false
			a.mu.Unlock()
			return
		}
		t := a.tasks[0]
		a.tasks[0] = nil
		a.tasks = a.tasks[1:]
		a.mu.Unlock()

		a.stateMu.Lock()
		err := t.run(context.WithoutCancel(t.ctx))
		a.stateMu.Unlock()
		t.done <- err
	}
}

func mergeStrings(dst, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
