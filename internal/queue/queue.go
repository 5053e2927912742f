// Package queue holds pending jobs.
//
// Jobs are kept per stream in FIFO order. A job is eligible to run when it
// is at the head of its stream, every job it depends on is terminal, and no
// other job of the same document is running. Dequeue rotates over streams
// so one busy document cannot starve the others.
package queue

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/eventbus"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// ErrBlocked is returned by Enqueue while the queue is blocked.
var ErrBlocked = errors.New("queue: blocked")

// maxTerminal bounds how many finished job ids are remembered for
// dependency checks.
const maxTerminal = 10000

// ModelGate is consulted for jobs that create a document. It must make the
// named model available or return an error.
type ModelGate func(ctx context.Context, documentType string) error

// Queue is safe for concurrent use.
type Queue struct {
	bus    *eventbus.Bus
	gate   ModelGate
	logger *zap.Logger

	mu       sync.Mutex
	streams  map[model.StreamKey][]*Job
	order    []model.StreamKey // round-robin order of non-empty streams
	cursor   int
	pending  map[string]*Job
	running  map[string]*Handle
	docs     map[string]int // running jobs per document
	terminal map[string]bool
	finished []string // terminal ids, oldest first
	paused   bool
	blocked  bool
	drained  func()

	signal chan struct{} // buffered, size 1
}

// Option configures a Queue.
type Option func(*Queue)

// WithModelGate sets the gate for CREATE_DOCUMENT jobs.
func WithModelGate(g ModelGate) Option {
	return func(q *Queue) {
		q.gate = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// New creates an empty queue that announces jobs on bus.
func New(bus *eventbus.Bus, opts ...Option) *Queue {
	q := &Queue{
		bus:      bus,
		logger:   zap.NewNop(),
		streams:  make(map[model.StreamKey][]*Job),
		pending:  make(map[string]*Job),
		running:  make(map[string]*Handle),
		docs:     make(map[string]int),
		terminal: make(map[string]bool),
		signal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds job to the back of its stream and emits JOB_AVAILABLE.
//
// A job creating a document is first checked against the model gate; if
// the model cannot be made available the job fails immediately with
// JOB_FAILED and the error is returned.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return errs.Validation("job has no id")
	}
	if job.DocumentID == "" {
		return errs.Validation("job %s has no document id", job.ID)
	}
	if job.Scope == "" {
		job.Scope = model.ScopeGlobal
	}
	if job.Branch == "" {
		job.Branch = model.BranchMain
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = DefaultMaxRetries
	}

	if documentType, ok := job.CreatesDocument(); ok && q.gate != nil {
		if err := q.gate(ctx, documentType); err != nil {
			q.logger.Warn("document model unavailable",
				zap.String("job_id", job.ID),
				zap.String("document_id", job.DocumentID),
				zap.Error(err))
			q.emit(ctx, eventbus.JobFailed, eventbus.JobFailedEvent{
				JobID:        job.ID,
				DocumentID:   job.DocumentID,
				Err:          err,
				ErrorHistory: []errs.ErrorInfo{errs.NewErrorInfo(err)},
				Meta:         job.Meta.Clone(),
			})
			return err
		}
	}

	q.mu.Lock()
	if q.blocked {
		q.mu.Unlock()
		return ErrBlocked
	}
	if _, ok := q.pending[job.ID]; ok {
		q.mu.Unlock()
		return errs.Duplicate("job %s already queued", job.ID)
	}
	if _, ok := q.running[job.ID]; ok {
		q.mu.Unlock()
		return errs.Duplicate("job %s is running", job.ID)
	}
	q.pushLocked(job, false)
	q.mu.Unlock()

	q.emit(ctx, eventbus.JobAvailable, eventbus.JobAvailableEvent{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Scope:      job.Scope,
		Branch:     job.Branch,
	})
	return nil
}

func (q *Queue) pushLocked(job *Job, front bool) {
	key := job.Stream()
	jobs, ok := q.streams[key]
	if !ok || len(jobs) == 0 {
		q.order = append(q.order, key)
	}
	if front {
		q.streams[key] = append([]*Job{job}, jobs...)
	} else {
		q.streams[key] = append(jobs, job)
	}
	q.pending[job.ID] = job
	q.notifyLocked()
}

// notifyLocked signals availability. The buffer of 1 coalesces signals.
func (q *Queue) notifyLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) emit(ctx context.Context, eventType eventbus.EventType, payload any) {
	if q.bus == nil {
		return
	}
	if err := q.bus.Emit(ctx, eventType, payload); err != nil {
		q.logger.Warn("event subscriber failed",
			zap.String("event", string(eventType)),
			zap.Error(err))
	}
}

// DequeueNext returns a handle for the next eligible job, or false when no
// job can run now.
func (q *Queue) DequeueNext() (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || len(q.order) == 0 {
		return nil, false
	}
	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		key := q.order[idx]
		jobs := q.streams[key]
		head := jobs[0]
		if !q.eligibleLocked(head) {
			continue
		}

		jobs[0] = nil
		jobs = jobs[1:]
		if len(jobs) == 0 {
			delete(q.streams, key)
			q.order = append(q.order[:idx], q.order[idx+1:]...)
			q.cursor = idx
		} else {
			q.streams[key] = jobs
			q.cursor = idx + 1
		}
		if len(q.order) > 0 {
			q.cursor %= len(q.order)
		} else {
			q.cursor = 0
		}

		delete(q.pending, head.ID)
		h := &Handle{q: q, job: head}
		q.running[head.ID] = h
		q.docs[head.DocumentID]++
		return h, true
	}
	return nil, false
}

func (q *Queue) eligibleLocked(job *Job) bool {
	if q.docs[job.DocumentID] > 0 {
		return false
	}
	for _, dep := range job.DependsOn {
		if q.terminal[dep] {
			continue
		}
		if _, ok := q.pending[dep]; ok {
			return false
		}
		if _, ok := q.running[dep]; ok {
			return false
		}
		// Unknown ids are treated as finished long ago.
	}
	return true
}

// finish releases a settled job. Called by the handle.
func (q *Queue) finish(job *Job) {
	q.mu.Lock()
	q.releaseLocked(job)
	q.markTerminalLocked(job.ID)
	q.notifyLocked()
	drained := q.drainedLocked()
	q.mu.Unlock()

	if drained != nil {
		drained()
	}
}

func (q *Queue) releaseLocked(job *Job) {
	delete(q.running, job.ID)
	q.docs[job.DocumentID]--
	if q.docs[job.DocumentID] <= 0 {
		delete(q.docs, job.DocumentID)
	}
}

func (q *Queue) markTerminalLocked(id string) {
	if q.terminal[id] {
		return
	}
	q.terminal[id] = true
	q.finished = append(q.finished, id)
	if len(q.finished) > maxTerminal {
		delete(q.terminal, q.finished[0])
		q.finished[0] = ""
		q.finished = q.finished[1:]
	}
}

// drainedLocked returns the drained callback when the queue is blocked and
// empty. The callback fires once.
func (q *Queue) drainedLocked() func() {
	if !q.blocked || q.drained == nil || len(q.pending) > 0 || len(q.running) > 0 {
		return nil
	}
	cb := q.drained
	q.drained = nil
	return cb
}

// RetryJob puts a running job back at the head of its stream with its
// retry count incremented and info appended to its error history.
func (q *Queue) RetryJob(ctx context.Context, id string, info errs.ErrorInfo) error {
	return q.requeue(ctx, id, &info)
}

// Requeue puts a running job back at the head of its stream without
// consuming retry budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.requeue(ctx, id, nil)
}

func (q *Queue) requeue(ctx context.Context, id string, info *errs.ErrorInfo) error {
	q.mu.Lock()
	h, ok := q.running[id]
	if !ok {
		q.mu.Unlock()
		return errs.NotFound("job %s is not running", id)
	}
	if err := h.transitionFrom(StateRequeued, StateReady, StateRunning); err != nil {
		q.mu.Unlock()
		return err
	}

	job := h.job
	if info != nil {
		job.RetryCount++
		job.ErrorHistory = append(job.ErrorHistory, *info)
		last := *info
		job.LastError = &last
	}
	q.releaseLocked(job)
	q.pushLocked(job, true)
	q.mu.Unlock()

	q.emit(ctx, eventbus.JobAvailable, eventbus.JobAvailableEvent{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Scope:      job.Scope,
		Branch:     job.Branch,
	})
	return nil
}

// Remove drops a pending job and reports whether it was found. Running
// jobs cannot be removed.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.pending[id]
	if !ok {
		return false
	}
	delete(q.pending, id)
	key := job.Stream()
	jobs := q.streams[key]
	for i, j := range jobs {
		if j.ID == id {
			jobs = append(jobs[:i], jobs[i+1:]...)
			break
		}
	}
	if len(jobs) == 0 {
		delete(q.streams, key)
		for i, k := range q.order {
			if k == key {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
		if q.cursor >= len(q.order) {
			q.cursor = 0
		}
	} else {
		q.streams[key] = jobs
	}
	q.markTerminalLocked(id)
	return true
}

// HasJobs reports whether any job is pending.
func (q *Queue) HasJobs() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0
}

// Size returns the number of pending jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// TotalSize returns pending plus running jobs.
func (q *Queue) TotalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.running)
}

// Pending returns copies of the pending jobs in stream order.
func (q *Queue) Pending() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.pending))
	for _, key := range q.order {
		for _, j := range q.streams[key] {
			out = append(out, j.Clone())
		}
	}
	return out
}

// Pause stops DequeueNext from returning jobs.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume undoes Pause and signals waiters.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	if len(q.pending) > 0 {
		q.notifyLocked()
	}
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Block rejects further Enqueue calls. onDrained, if set, is called once
// when no job is pending or running.
func (q *Queue) Block(onDrained func()) {
	q.mu.Lock()
	q.blocked = true
	q.drained = onDrained
	cb := q.drainedLocked()
	q.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Unblock accepts Enqueue calls again.
func (q *Queue) Unblock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.blocked = false
	q.drained = nil
}

// Wait returns a channel that signals when a job may have become
// eligible. Use with select and retry DequeueNext:
//
//	select {
//	case <-ctx.Done():
//		return ctx.Err()
//	case <-q.Wait():
//	}
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}
