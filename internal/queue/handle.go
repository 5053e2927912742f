package queue

import (
	"fmt"
	"sync"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
)

// State is the lifecycle of a dequeued job.
type State int

const (
	StateReady State = iota
	StateRunning
	StateCompleted
	StateFailed
	// StateRequeued means the job went back to the queue for another
	// attempt. The handle is settled; the next attempt gets a new one.
	StateRequeued
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateRequeued:
		return "requeued"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handle tracks one dequeued attempt of a job. Each transition happens at
// most once: Ready to Running, then Running to a settled state.
type Handle struct {
	q   *Queue
	job *Job

	mu    sync.Mutex
	state State
}

// Job returns the job. The executor may read it but must not mutate it.
func (h *Handle) Job() *Job {
	return h.job
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start moves the handle to Running.
func (h *Handle) Start() error {
	return h.transition(StateReady, StateRunning)
}

// Complete settles the attempt as successful and releases the document.
func (h *Handle) Complete() error {
	if err := h.transition(StateRunning, StateCompleted); err != nil {
		return err
	}
	h.q.finish(h.job)
	return nil
}

// Fail settles the attempt as a permanent failure and releases the
// document. info and more are appended to the job's error history.
func (h *Handle) Fail(info errs.ErrorInfo, more ...errs.ErrorInfo) error {
	if err := h.transitionFrom(StateFailed, StateReady, StateRunning); err != nil {
		return err
	}
	h.job.ErrorHistory = append(h.job.ErrorHistory, info)
	h.job.ErrorHistory = append(h.job.ErrorHistory, more...)
	last := h.job.ErrorHistory[len(h.job.ErrorHistory)-1]
	h.job.LastError = &last
	h.q.finish(h.job)
	return nil
}

func (h *Handle) transition(from, to State) error {
	return h.transitionFrom(to, from)
}

func (h *Handle) transitionFrom(to State, from ...State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range from {
		if h.state == f {
			h.state = to
			return nil
		}
	}
	return errs.Validation("job %s: cannot move from %s to %s", h.job.ID, h.state, to)
}
