package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/consistency"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/eventbus"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

func fixedClock() func() time.Time {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func writeReady(jobID string) eventbus.JobWriteReadyEvent {
	return eventbus.JobWriteReadyEvent{
		JobID:      jobID,
		DocumentID: "doc-1",
		Operations: []model.OperationWithContext{{
			Operation: model.Operation{Index: 2},
			Context:   model.OperationContext{DocumentID: "doc-1", Scope: "global", Branch: "main"},
		}},
	}
}

func TestTracker_StatusProgression(t *testing.T) {
	bus := eventbus.New()
	tr := New(bus, WithClock(fixedClock()))
	tr.Start()
	defer tr.Stop()
	ctx := context.Background()

	tr.Register("job-1", "doc-1", model.JobMeta{BatchID: "batch-1"})
	info, ok := tr.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, info.Status)
	assert.Equal(t, "batch-1", info.Meta.BatchID)

	require.NoError(t, bus.Emit(ctx, eventbus.JobRunning, eventbus.JobRunningEvent{JobID: "job-1"}))
	info, _ = tr.Get("job-1")
	assert.Equal(t, StatusRunning, info.Status)

	require.NoError(t, bus.Emit(ctx, eventbus.JobWriteReady, writeReady("job-1")))
	info, _ = tr.Get("job-1")
	assert.Equal(t, StatusWriteReady, info.Status)
	assert.Equal(t, 3, info.ConsistencyToken.Revision(model.NewStreamKey("doc-1", "global", "main")))

	require.NoError(t, bus.Emit(ctx, eventbus.JobReadReady, eventbus.JobReadReadyEvent{JobID: "job-1"}))
	info, _ = tr.Get("job-1")
	assert.Equal(t, StatusReadModelsReady, info.Status)

	tr.Complete("job-1")
	info, _ = tr.Get("job-1")
	assert.Equal(t, StatusCompleted, info.Status)

	require.NoError(t, bus.Emit(ctx, eventbus.JobRunning, eventbus.JobRunningEvent{JobID: "job-1"}))
	info, _ = tr.Get("job-1")
	assert.Equal(t, StatusCompleted, info.Status, "terminal statuses do not move")
}

func TestTracker_ReadinessGate(t *testing.T) {
	bus := eventbus.New()
	ready := false
	tr := New(bus, WithReadiness(func(consistency.Token) bool { return ready }))
	tr.Start()
	defer tr.Stop()

	tr.Register("job-1", "doc-1", model.JobMeta{})
	require.NoError(t, bus.Emit(context.Background(), eventbus.JobReadReady, eventbus.JobReadReadyEvent{
		JobID:      "job-1",
		Operations: writeReady("job-1").Operations,
	}))
	info, _ := tr.Get("job-1")
	assert.Equal(t, StatusReadReady, info.Status)
	assert.False(t, info.ConsistencyToken.IsEmpty(), "read-ready carries the token when it arrives first")

	require.NoError(t, bus.Emit(context.Background(), eventbus.JobWriteReady, writeReady("job-1")))
	info, _ = tr.Get("job-1")
	assert.Equal(t, StatusReadReady, info.Status, "late write-ready does not regress")
}

func TestTracker_FailedExposesHistory(t *testing.T) {
	bus := eventbus.New()
	tr := New(bus)
	tr.Start()
	defer tr.Stop()

	tr.Register("job-1", "doc-1", model.JobMeta{})
	history := []errs.ErrorInfo{{Message: "first"}, {Message: "second"}}
	require.NoError(t, bus.Emit(context.Background(), eventbus.JobFailed, eventbus.JobFailedEvent{
		JobID:        "job-1",
		Err:          errors.New(errs.AggregateFailure(history)),
		ErrorHistory: history,
	}))

	info, ok := tr.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Contains(t, info.Error, "Job failed after 2 attempts:")
	assert.Equal(t, history, info.ErrorHistory)

	info.ErrorHistory[0].Message = "mutated"
	again, _ := tr.Get("job-1")
	assert.Equal(t, "first", again.ErrorHistory[0].Message)
}

func TestTracker_Wait(t *testing.T) {
	tr := New(eventbus.New())
	tr.Register("job-1", "doc-1", model.JobMeta{})

	done := make(chan Info, 1)
	go func() {
		info, err := tr.Wait(context.Background(), "job-1")
		assert.NoError(t, err)
		done <- info
	}()

	time.Sleep(10 * time.Millisecond)
	tr.Complete("job-1")

	select {
	case info := <-done:
		assert.Equal(t, StatusCompleted, info.Status)
	case <-time.After(time.Second):
		t.Fatal("wait not released")
	}

	_, err := tr.Wait(context.Background(), "missing")
	assert.True(t, errs.IsNotFound(err))

	tr.Register("job-2", "doc-1", model.JobMeta{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = tr.Wait(ctx, "job-2")
	assert.True(t, errs.IsAborted(err))
}

func TestTracker_Prune(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := New(eventbus.New(), WithClock(func() time.Time { return now }))
	tr.Register("done", "doc-1", model.JobMeta{})
	tr.Register("pending", "doc-1", model.JobMeta{})
	tr.Complete("done")

	assert.Equal(t, 0, tr.Prune(now))
	assert.Equal(t, 1, tr.Prune(now.Add(time.Minute)))
	_, ok := tr.Get("done")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())
}
