package queue

import (
	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// Kind selects how an executor interprets a job payload.
type Kind string

const (
	// KindExecute jobs carry actions to apply.
	KindExecute Kind = "execute"
	// KindLoad jobs carry operations produced elsewhere to reconcile.
	KindLoad Kind = "load"
)

// DefaultMaxRetries is used when a job does not set MaxRetries.
const DefaultMaxRetries = 3

// Job is a unit of work against one stream.
//
// Only the queue and the executor manager mutate a job after it is
// enqueued: RetryCount, ErrorHistory and LastError.
type Job struct {
	ID             string
	Kind           Kind
	DocumentID     string
	Scope          string
	Branch         string
	Actions        []model.Action
	Operations     []model.Operation
	DependsOn      []string
	CreatedAtUtcMs int64
	Meta           model.JobMeta

	RetryCount   int
	MaxRetries   int
	ErrorHistory []errs.ErrorInfo
	LastError    *errs.ErrorInfo
}

// Stream returns the stream the job writes.
func (j *Job) Stream() model.StreamKey {
	return model.NewStreamKey(j.DocumentID, j.Scope, j.Branch)
}

// CreatesDocument reports whether the job carries a CREATE_DOCUMENT action
// and returns the model it names.
func (j *Job) CreatesDocument() (string, bool) {
	for _, a := range j.Actions {
		if a.Type == model.ActionCreateDocument {
			s, _ := a.Input["model"].(string)
			return s, true
		}
	}
	return "", false
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	out := *j
	out.Actions = make([]model.Action, len(j.Actions))
	for i, a := range j.Actions {
		out.Actions[i] = a
		out.Actions[i].Input = model.CloneObject(a.Input)
	}
	out.Operations = model.CloneOperations(j.Operations)
	out.DependsOn = append([]string(nil), j.DependsOn...)
	out.Meta = j.Meta.Clone()
	out.ErrorHistory = append([]errs.ErrorInfo(nil), j.ErrorHistory...)
	if j.LastError != nil {
		last := *j.LastError
		out.LastError = &last
	}
	return &out
}
