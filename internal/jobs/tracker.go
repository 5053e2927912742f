// Package jobs exposes the status of every job the reactor accepted.
package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/consistency"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/eventbus"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// Status is the lifecycle stage of a job. Statuses only move forward.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusWriteReady      Status = "WRITE_READY"
	StatusReadReady       Status = "READ_READY"
	StatusReadModelsReady Status = "READ_MODELS_READY"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusWriteReady:
		return 2
	case StatusReadReady:
		return 3
	case StatusReadModelsReady:
		return 4
	case StatusCompleted, StatusFailed:
		return 5
	default:
		return -1
	}
}

// Terminal reports whether s is COMPLETED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Info is the externally visible state of a job.
type Info struct {
	JobID            string
	DocumentID       string
	Status           Status
	ConsistencyToken consistency.Token
	Error            string
	ErrorHistory     []errs.ErrorInfo
	Meta             model.JobMeta
	UpdatedAt        time.Time
}

func (i Info) clone() Info {
	out := i
	out.ErrorHistory = append([]errs.ErrorInfo(nil), i.ErrorHistory...)
	out.ConsistencyToken.Coordinates = append([]consistency.Coordinate(nil), i.ConsistencyToken.Coordinates...)
	out.Meta = i.Meta.Clone()
	return out
}

// Readiness reports whether every read model observed a token.
type Readiness func(token consistency.Token) bool

// Tracker follows jobs through the event bus. Safe for concurrent use.
type Tracker struct {
	bus       *eventbus.Bus
	logger    *zap.Logger
	readiness Readiness
	now       func() time.Time

	mu      sync.Mutex
	jobs    map[string]*Info
	changed chan struct{}
	unsubs  []func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// WithReadiness sets the check that promotes READ_READY jobs to
// READ_MODELS_READY. Without it the promotion is immediate.
func WithReadiness(r Readiness) Option {
	return func(t *Tracker) {
		t.readiness = r
	}
}

// WithClock sets the time source used for tokens and timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a tracker. Call Start to follow bus events.
func New(bus *eventbus.Bus, opts ...Option) *Tracker {
	t := &Tracker{
		bus:     bus,
		logger:  zap.NewNop(),
		now:     time.Now,
		jobs:    make(map[string]*Info),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start subscribes to job events.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.unsubs) > 0 {
		return
	}
	t.unsubs = []func(){
		t.bus.Subscribe(eventbus.JobRunning, t.onRunning),
		t.bus.Subscribe(eventbus.JobWriteReady, t.onWriteReady),
		t.bus.Subscribe(eventbus.JobReadReady, t.onReadReady),
		t.bus.Subscribe(eventbus.JobFailed, t.onFailed),
	}
}

// Stop unsubscribes from job events.
func (t *Tracker) Stop() {
	t.mu.Lock()
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Register records a newly submitted job as PENDING.
func (t *Tracker) Register(jobID, documentID string, meta model.JobMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[jobID]; ok {
		return
	}
	t.jobs[jobID] = &Info{
		JobID:      jobID,
		DocumentID: documentID,
		Status:     StatusPending,
		Meta:       meta.Clone(),
		UpdatedAt:  t.now(),
	}
	t.broadcastLocked()
}

// Complete marks a job COMPLETED. Called by the executor manager once the
// job's handle settled successfully.
func (t *Tracker) Complete(jobID string) {
	t.update(jobID, func(info *Info) {
		info.Status = StatusCompleted
	}, StatusCompleted)
}

// Fail marks a job FAILED with message and history.
func (t *Tracker) Fail(jobID, message string, history []errs.ErrorInfo) {
	t.update(jobID, func(info *Info) {
		info.Status = StatusFailed
		info.Error = message
		info.ErrorHistory = append([]errs.ErrorInfo(nil), history...)
	}, StatusFailed)
}

// Get returns a copy of the job's info.
func (t *Tracker) Get(jobID string) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.jobs[jobID]
	if !ok {
		return Info{}, false
	}
	return info.clone(), true
}

// Wait blocks until the job is terminal or ctx is done.
func (t *Tracker) Wait(ctx context.Context, jobID string) (Info, error) {
	for {
		t.mu.Lock()
		info, ok := t.jobs[jobID]
		if !ok {
			t.mu.Unlock()
			return Info{}, errs.NotFound("job %s is not tracked", jobID)
		}
		if info.Status.Terminal() {
			out := info.clone()
			t.mu.Unlock()
			return out, nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Info{}, errs.Aborted(ctx.Err(), "waiting for job %s", jobID)
		}
	}
}

// Prune forgets terminal jobs last updated before cutoff and returns how
// many were removed.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, info := range t.jobs {
		if info.Status.Terminal() && info.UpdatedAt.Before(cutoff) {
			delete(t.jobs, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

func (t *Tracker) onRunning(_ context.Context, _ eventbus.EventType, payload any) error {
	event, ok := payload.(eventbus.JobRunningEvent)
	if !ok {
		return errs.Validation("unexpected JOB_RUNNING payload %T", payload)
	}
	t.update(event.JobID, func(info *Info) {
		info.Status = StatusRunning
	}, StatusRunning)
	return nil
}

func (t *Tracker) onWriteReady(_ context.Context, _ eventbus.EventType, payload any) error {
	event, ok := payload.(eventbus.JobWriteReadyEvent)
	if !ok {
		return errs.Validation("unexpected JOB_WRITE_READY payload %T", payload)
	}
	t.setToken(event.JobID, event.Operations)
	t.update(event.JobID, func(info *Info) {
		info.Status = StatusWriteReady
	}, StatusWriteReady)
	return nil
}

func (t *Tracker) onReadReady(_ context.Context, _ eventbus.EventType, payload any) error {
	event, ok := payload.(eventbus.JobReadReadyEvent)
	if !ok {
		return errs.Validation("unexpected JOB_READ_READY payload %T", payload)
	}
	// Both events are delivered concurrently, so either may arrive first.
	t.setToken(event.JobID, event.Operations)
	t.update(event.JobID, func(info *Info) {
		info.Status = StatusReadReady
	}, StatusReadReady)

	info, ok := t.Get(event.JobID)
	if !ok {
		return nil
	}
	if t.readiness == nil || t.readiness(info.ConsistencyToken) {
		t.update(event.JobID, func(info *Info) {
			info.Status = StatusReadModelsReady
		}, StatusReadModelsReady)
	}
	return nil
}

func (t *Tracker) onFailed(_ context.Context, _ eventbus.EventType, payload any) error {
	event, ok := payload.(eventbus.JobFailedEvent)
	if !ok {
		return errs.Validation("unexpected JOB_FAILED payload %T", payload)
	}
	msg := ""
	if event.Err != nil {
		msg = event.Err.Error()
	}
	t.Fail(event.JobID, msg, event.ErrorHistory)
	return nil
}

func (t *Tracker) setToken(jobID string, ops []model.OperationWithContext) {
	token := consistency.TokenFromOperations(t.now(), ops)
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.jobs[jobID]
	if !ok {
		info = &Info{JobID: jobID, Status: StatusPending}
		t.jobs[jobID] = info
	}
	if info.ConsistencyToken.IsEmpty() {
		info.ConsistencyToken = token
	}
}

// update applies fn when moving to status would not regress the job.
// Unknown jobs are created so events for jobs submitted elsewhere are
// still visible.
func (t *Tracker) update(jobID string, fn func(*Info), status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.jobs[jobID]
	if !ok {
		info = &Info{JobID: jobID, Status: StatusPending}
		t.jobs[jobID] = info
	}
	if info.Status.Terminal() || status.rank() < info.Status.rank() {
		t.logger.Debug("ignoring status regression",
			zap.String("job_id", jobID),
			zap.String("from", string(info.Status)),
			zap.String("to", string(status)))
		return
	}
	fn(info)
	info.UpdatedAt = t.now()
	t.broadcastLocked()
}

func (t *Tracker) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
