// Package executor runs queued jobs.
//
// The Manager owns a fixed pool of executors and at most one running job
// per executor. It wakes on JOB_AVAILABLE and on queue signals, so jobs
// released by a finished dependency are picked up without a new enqueue.
//
// Failure policy, in order:
//
//  1. MODULE_NOT_FOUND: load the model and re-queue without consuming a
//     retry. A failed load falls through.
//  2. VALIDATION or INTEGRITY: fail permanently.
//  3. Retries left: re-queue with the error appended to the job history.
//     JOB_FAILED is emitted only if the re-queue itself fails; the
//     attempt's error and the re-queue error both enter the history.
//  4. Otherwise fail permanently with every attempt in the message.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/eventbus"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/queue"
)

// pollInterval is how often a graceful Stop checks for running jobs.
const pollInterval = 10 * time.Millisecond

// ModelLoader makes a document model available.
type ModelLoader interface {
	Load(ctx context.Context, documentType string) error
}

// Stats counts settled attempts since the manager was created.
type Stats struct {
	Processed int64
	Succeeded int64
	Failed    int64
	Retried   int64
	Recovered int64
}

// Status is a snapshot of the manager.
type Status struct {
	Running    bool
	Executors  int
	ActiveJobs int
	Stats      Stats
}

// JobQueue is the part of a queue the manager drives. *queue.Queue
// implements it.
type JobQueue interface {
	Wait() <-chan struct{}
	DequeueNext() (*queue.Handle, bool)
	Requeue(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, info errs.ErrorInfo) error
}

// Manager is safe for concurrent use.
type Manager struct {
	queue      JobQueue
	bus        *eventbus.Bus
	executors  []Executor
	loader     ModelLoader
	onComplete func(job *queue.Job)
	logger     *zap.Logger

	mu          sync.Mutex
	running     bool
	accepting   bool
	active      int
	next        int
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	loopDone    chan struct{}
	jobs        sync.WaitGroup

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	recovered atomic.Int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithModelLoader sets the loader used to recover from MODULE_NOT_FOUND.
func WithModelLoader(l ModelLoader) ManagerOption {
	return func(m *Manager) {
		m.loader = l
	}
}

// WithOnComplete sets a callback run after a job's handle completed.
func WithOnComplete(fn func(job *queue.Job)) ManagerOption {
	return func(m *Manager) {
		m.onComplete = fn
	}
}

// NewManager creates a manager over executors. At least one executor is
// required.
func NewManager(q JobQueue, bus *eventbus.Bus, executors []Executor, opts ...ManagerOption) (*Manager, error) {
	if len(executors) == 0 {
		return nil, errs.Validation("executor manager needs at least one executor")
	}
	m := &Manager{
		queue:     q,
		bus:       bus,
		executors: append([]Executor(nil), executors...),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start begins pulling jobs. Jobs run with a context derived from ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.accepting = true
	m.loopDone = make(chan struct{})
	m.unsubscribe = m.bus.Subscribe(eventbus.JobAvailable, func(context.Context, eventbus.EventType, any) error {
		m.drain()
		return nil
	})
	loopCtx, done := m.ctx, m.loopDone
	m.mu.Unlock()

	go m.loop(loopCtx, done)

	m.emit(ctx, eventbus.ExecutorStarted, eventbus.ExecutorEvent{Executors: len(m.executors)})
	m.logger.Info("executor manager started", zap.Int("executors", len(m.executors)))
	m.drain()
	return nil
}

// loop drains on queue signals until ctx is done.
func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.queue.Wait():
			m.drain()
		}
	}
}

// drain starts jobs while capacity allows.
func (m *Manager) drain() {
	for {
		m.mu.Lock()
		if !m.accepting || m.active >= len(m.executors) {
			m.mu.Unlock()
			return
		}
		h, ok := m.queue.DequeueNext()
		if !ok {
			m.mu.Unlock()
			return
		}
		m.active++
		exec := m.executors[m.next]
		m.next = (m.next + 1) % len(m.executors)
		ctx := m.ctx
		m.jobs.Add(1)
		m.mu.Unlock()

		go m.run(ctx, h, exec)
	}
}

func (m *Manager) run(ctx context.Context, h *queue.Handle, exec Executor) {
	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
		m.jobs.Done()
		m.drain()
	}()

	job := h.Job()
	if err := h.Start(); err != nil {
		m.logger.Error("job handle did not start", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	m.emit(ctx, eventbus.JobRunning, eventbus.JobRunningEvent{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Attempt:    job.RetryCount + 1,
	})

	result, err := m.execute(ctx, exec, job)
	m.processed.Add(1)
	if err != nil {
		m.handleFailure(ctx, h, err)
		return
	}
	m.succeed(ctx, h, result)
}

func (m *Manager) execute(ctx context.Context, exec Executor, job *queue.Job) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Transient(fmt.Errorf("%v", r), "executor panicked")
		}
	}()
	return exec.Execute(ctx, job)
}

func (m *Manager) succeed(ctx context.Context, h *queue.Handle, result Result) {
	job := h.Job()
	m.emit(ctx, eventbus.JobWriteReady, eventbus.JobWriteReadyEvent{
		JobID:                 job.ID,
		DocumentID:            job.DocumentID,
		Operations:            result.Operations,
		Meta:                  job.Meta.Clone(),
		CollectionMemberships: result.CollectionMemberships,
	})
	if err := h.Complete(); err != nil {
		m.logger.Error("job handle did not complete", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	m.succeeded.Add(1)
	if m.onComplete != nil {
		m.onComplete(job)
	}
	m.logger.Debug("job completed",
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID),
		zap.String("batch_id", job.Meta.BatchID),
		zap.Int("operations", len(result.Operations)))
}

func (m *Manager) handleFailure(ctx context.Context, h *queue.Handle, err error) {
	job := h.Job()
	info := errs.NewErrorInfo(err)

	if errs.IsModuleNotFound(err) && m.loader != nil {
		var coded *errs.Error
		errors.As(err, &coded)
		loadErr := m.loader.Load(ctx, coded.DocumentType)
		if loadErr == nil {
			loadErr = m.queue.Requeue(ctx, job.ID)
		}
		if loadErr == nil {
			m.recovered.Add(1)
			m.logger.Info("document model loaded, job re-queued",
				zap.String("job_id", job.ID),
				zap.String("document_type", coded.DocumentType))
			return
		}
		m.logger.Warn("document model recovery failed",
			zap.String("job_id", job.ID),
			zap.String("document_type", coded.DocumentType),
			zap.Error(loadErr))
	}

	if !errs.IsPermanent(err) && job.RetryCount < job.MaxRetries {
		rqErr := m.queue.RetryJob(ctx, job.ID, info)
		if rqErr == nil {
			m.retried.Add(1)
			m.logger.Info("job retry scheduled",
				zap.String("job_id", job.ID),
				zap.String("document_id", job.DocumentID),
				zap.Int("retry", job.RetryCount),
				zap.Int("max_retries", job.MaxRetries),
				zap.Error(err))
			return
		}
		m.logger.Error("job retry could not be scheduled", zap.String("job_id", job.ID), zap.Error(rqErr))
		m.fail(ctx, h, rqErr, info, errs.NewErrorInfo(fmt.Errorf("schedule retry: %w", rqErr)))
		return
	}

	m.fail(ctx, h, err, info)
}

// fail settles h as FAILED. infos are appended to the job's error history
// in order; the last one is the cause.
func (m *Manager) fail(ctx context.Context, h *queue.Handle, cause error, infos ...errs.ErrorInfo) {
	job := h.Job()
	if err := h.Fail(infos[0], infos[1:]...); err != nil {
		m.logger.Error("job handle did not fail", zap.String("job_id", job.ID), zap.Error(err))
	}
	history := append([]errs.ErrorInfo(nil), job.ErrorHistory...)
	code := errs.CodeOf(cause)
	if code == "" {
		code = errs.CodeTransientExecution
	}
	failure := &errs.Error{
		Code:       code,
		Message:    errs.AggregateFailure(history),
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Err:        cause,
	}
	m.failed.Add(1)
	m.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("document_id", job.DocumentID),
		zap.Int("attempts", len(history)),
		zap.Error(cause))
	m.emit(ctx, eventbus.JobFailed, eventbus.JobFailedEvent{
		JobID:        job.ID,
		DocumentID:   job.DocumentID,
		Err:          failure,
		ErrorHistory: history,
		Meta:         job.Meta.Clone(),
	})
}

func (m *Manager) emit(ctx context.Context, eventType eventbus.EventType, payload any) {
	// Subscribers must see lifecycle events even while a stop cancels ctx.
	ctx = context.WithoutCancel(ctx)
	if err := m.bus.Emit(ctx, eventType, payload); err != nil {
		m.logger.Warn("event subscriber failed", zap.String("event", string(eventType)), zap.Error(err))
	}
}

// Stop stops accepting jobs. When graceful it waits for running jobs to
// settle; otherwise running jobs see their context cancelled. ctx bounds
// the wait.
func (m *Manager) Stop(ctx context.Context, graceful bool) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.accepting = false
	unsub := m.unsubscribe
	m.unsubscribe = nil
	cancel := m.cancel
	done := m.loopDone
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	var waitErr error
	if graceful {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
	poll:
		for m.ActiveJobs() > 0 {
			select {
			case <-ctx.Done():
				waitErr = errs.Aborted(ctx.Err(), "executor manager stop interrupted with %d active job(s)", m.ActiveJobs())
				break poll
			case <-ticker.C:
			}
		}
	}
	cancel()
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.emit(context.Background(), eventbus.ExecutorStopped, eventbus.ExecutorEvent{Executors: len(m.executors)})
	m.logger.Info("executor manager stopped", zap.Bool("graceful", graceful), zap.Error(waitErr))
	return waitErr
}

// ActiveJobs returns the number of running jobs.
func (m *Manager) ActiveJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	running, active := m.running, m.active
	m.mu.Unlock()
	return Status{
		Running:    running,
		Executors:  len(m.executors),
		ActiveJobs: active,
		Stats: Stats{
			Processed: m.processed.Load(),
			Succeeded: m.succeeded.Load(),
			Failed:    m.failed.Load(),
			Retried:   m.retried.Load(),
			Recovered: m.recovered.Load(),
		},
	}
}
