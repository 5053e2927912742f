package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/ids"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/jobs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/reactor"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/registry"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/testutil"
)

const (
	// clockBase is the first timestamp handed to actions and jobs.
	clockBase = 1_700_000_000_000

	jobTimeout = 10 * time.Second
)

// Harness runs the steps of one scenario against one reactor.
type Harness struct {
	reactor *reactor.Reactor
	clock   *testutil.DeterministicClock
	logger  *zap.Logger
	actions int
}

// Option configures Run.
type Option func(*runOptions)

type runOptions struct {
	modules []registry.Module
	logger  *zap.Logger
}

// WithModules registers the document models a scenario uses.
func WithModules(modules ...registry.Module) Option {
	return func(o *runOptions) {
		o.modules = append(o.modules, modules...)
	}
}

// WithLogger sets the logger of the harness and its reactor.
func WithLogger(l *zap.Logger) Option {
	return func(o *runOptions) {
		o.logger = l
	}
}

// Run executes scenario in a fresh in-memory reactor.
//
// An error is returned when the scenario cannot run: the reactor fails to
// build, a submission is rejected, a setup step does not complete or a job
// does not finish in time. Failed expectations and assertions are recorded
// in the result instead.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	clock := testutil.NewDeterministicClock(clockBase)
	cfg := reactor.DefaultConfig()
	cfg.Executors = 1

	r, err := reactor.Build(ctx, cfg,
		reactor.WithLogger(o.logger),
		reactor.WithModules(o.modules...),
		reactor.WithIDs(ids.NewSequence("job")),
		reactor.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to build reactor: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobTimeout)
		defer cancel()
		_ = r.Shutdown(shutdownCtx)
	}()
	if err := r.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start reactor: %w", err)
	}

	h := &Harness{reactor: r, clock: clock, logger: o.logger.Named("harness")}
	result := NewResult()

	for i, step := range scenario.Setup {
		name := fmt.Sprintf("setup[%d]", i)
		info, err := h.runStep(ctx, name, step, result)
		if err != nil {
			return nil, fmt.Errorf("failed to execute setup: %w", err)
		}
		if info.Status != jobs.StatusCompleted {
			return nil, fmt.Errorf("failed to execute setup: %s finished %s: %s", name, info.Status, info.Error)
		}
	}

	for i, step := range scenario.Flow {
		name := fmt.Sprintf("flow[%d]", i)
		info, err := h.runStep(ctx, name, step, result)
		if err != nil {
			return nil, fmt.Errorf("failed to execute flow: %w", err)
		}
		checkExpect(name, step.Expect, info, result)
	}

	actx := &AssertionContext{Ctx: ctx, Reactor: r}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// runStep submits step as one job and waits for it to finish.
func (h *Harness) runStep(ctx context.Context, name string, step Step, result *Result) (jobs.Info, error) {
	actions := make([]model.Action, len(step.Actions))
	types := make([]string, len(step.Actions))
	for i, in := range step.Actions {
		a := in.action()
		h.actions++
		a.ID = fmt.Sprintf("action-%d", h.actions)
		a.TimestampUtcMs = h.clock.Now().UnixMilli()
		actions[i] = a
		types[i] = a.Type
	}

	info, err := h.reactor.Execute(ctx, step.Document, step.Branch, actions, model.JobMeta{})
	if err != nil {
		return jobs.Info{}, fmt.Errorf("%s: submit: %w", name, err)
	}
	result.add(TraceEvent{
		Type:     EventSubmitted,
		Step:     name,
		Document: step.Document,
		Branch:   step.Branch,
		JobID:    info.JobID,
		Actions:  types,
	})

	waitCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	done, err := h.reactor.WaitForJob(waitCtx, info.JobID)
	if err != nil {
		return jobs.Info{}, fmt.Errorf("%s: wait for job %s: %w", name, info.JobID, err)
	}

	ev := TraceEvent{
		Type:     EventFinished,
		Step:     name,
		Document: step.Document,
		Branch:   step.Branch,
		JobID:    done.JobID,
		Status:   string(done.Status),
		Error:    done.Error,
	}
	for _, c := range done.ConsistencyToken.Coordinates {
		ev.Revisions = append(ev.Revisions, fmt.Sprintf("%s/%s/%s@%d", c.DocumentID, c.Scope, c.Branch, c.Revision))
	}
	result.add(ev)

	h.logger.Debug("step finished",
		zap.String("step", name),
		zap.String("job_id", done.JobID),
		zap.String("document_id", step.Document),
		zap.String("status", string(done.Status)))
	return done, nil
}

func checkExpect(name string, expect *ExpectClause, info jobs.Info, result *Result) {
	want := string(jobs.StatusCompleted)
	if expect != nil {
		want = expect.Status
	}
	if string(info.Status) != want {
		msg := fmt.Sprintf("%s: expected job %s to finish %s, got %s", name, info.JobID, want, info.Status)
		if info.Error != "" {
			msg += ": " + info.Error
		}
		result.AddError(msg)
		return
	}
	if expect != nil && expect.Error != "" && !strings.Contains(info.Error, expect.Error) {
		result.AddError(fmt.Sprintf("%s: expected job error containing %q, got %q", name, expect.Error, info.Error))
	}
}
