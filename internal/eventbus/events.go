package eventbus

import (
	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// EventType distinguishes between event kinds.
type EventType string

const (
	// JobAvailable is emitted after a job is enqueued.
	JobAvailable EventType = "JOB_AVAILABLE"
	// JobRunning is emitted when an executor picks up a job.
	JobRunning EventType = "JOB_RUNNING"
	// JobWriteReady is emitted once a job's operations are durable.
	JobWriteReady EventType = "JOB_WRITE_READY"
	// JobReadReady is emitted once every read model indexed a job.
	JobReadReady EventType = "JOB_READ_READY"
	// JobFailed is emitted when a job fails permanently.
	JobFailed EventType = "JOB_FAILED"
	// BatchReady is emitted when all jobs of a batch are write-ready.
	BatchReady EventType = "BATCH_READY"
	// ExecutorStarted is emitted when the executor manager starts.
	ExecutorStarted EventType = "EXECUTOR_STARTED"
	// ExecutorStopped is emitted when the executor manager stops.
	ExecutorStopped EventType = "EXECUTOR_STOPPED"
)

// JobAvailableEvent announces a newly enqueued job.
type JobAvailableEvent struct {
	JobID      string
	DocumentID string
	Scope      string
	Branch     string
}

// JobRunningEvent announces that a job started executing.
type JobRunningEvent struct {
	JobID      string
	DocumentID string
	Attempt    int
}

// JobWriteReadyEvent carries the operations a job made durable.
type JobWriteReadyEvent struct {
	JobID                 string
	DocumentID            string
	Operations            []model.OperationWithContext
	Meta                  model.JobMeta
	CollectionMemberships map[string][]string
}

// JobReadReadyEvent announces that every read model indexed a job.
type JobReadReadyEvent struct {
	JobID      string
	Operations []model.OperationWithContext
}

// JobFailedEvent announces a permanent job failure. ErrorHistory lists
// every attempt in order.
type JobFailedEvent struct {
	JobID        string
	DocumentID   string
	Err          error
	ErrorHistory []errs.ErrorInfo
	Meta         model.JobMeta
}

// BatchEntry is one job of a prepared batch with the ids of the batch jobs
// that arrived before it.
type BatchEntry struct {
	Event           JobWriteReadyEvent
	JobDependencies []string
}

// BatchReadyEvent is an atomic notification for a group of jobs.
type BatchReadyEvent struct {
	BatchID               string
	Entries               []BatchEntry
	CollectionMemberships map[string][]string
}

// ExecutorEvent reports manager lifecycle changes.
type ExecutorEvent struct {
	Executors int
}
