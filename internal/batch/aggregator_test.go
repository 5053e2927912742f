package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/eventbus"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

type sink struct {
	mu      sync.Mutex
	batches []eventbus.BatchReadyEvent
}

func (s *sink) ready(_ context.Context, b eventbus.BatchReadyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}

func (s *sink) all() []eventbus.BatchReadyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventbus.BatchReadyEvent(nil), s.batches...)
}

func meta(batchID string, jobIDs ...string) model.JobMeta {
	return model.JobMeta{BatchID: batchID, BatchJobIDs: jobIDs}
}

func writeReady(jobID string, m model.JobMeta) eventbus.JobWriteReadyEvent {
	return eventbus.JobWriteReadyEvent{JobID: jobID, DocumentID: "doc-" + jobID, Meta: m}
}

func jobIDs(b eventbus.BatchReadyEvent) []string {
	out := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = e.Event.JobID
	}
	return out
}

func TestAggregator_FlushesCompleteBatchOnce(t *testing.T) {
	s := &sink{}
	a := New(s.ready)
	ctx := context.Background()
	m := meta("batch-1", "j1", "j2", "j3")

	require.NoError(t, a.EnqueueWriteReady(ctx, writeReady("j2", m)))
	require.NoError(t, a.EnqueueWriteReady(ctx, writeReady("j1", m)))
	assert.Empty(t, s.all())
	assert.Equal(t, 1, a.Pending())

	require.NoError(t, a.EnqueueWriteReady(ctx, writeReady("j3", m)))
	batches := s.all()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, "batch-1", b.BatchID)
	assert.Equal(t, []string{"j2", "j1", "j3"}, jobIDs(b))
	assert.Equal(t, []string{}, b.Entries[0].JobDependencies)
	assert.Equal(t, []string{"j2"}, b.Entries[1].JobDependencies)
	assert.Equal(t, []string{"j2", "j1"}, b.Entries[2].JobDependencies)
	assert.Zero(t, a.Pending())
}

func TestAggregator_SingleJobBatches(t *testing.T) {
	s := &sink{}
	a := New(s.ready)
	ctx := context.Background()

	require.NoError(t, a.EnqueueWriteReady(ctx, writeReady("solo", meta("batch-solo", "solo"))))
	require.NoError(t, a.EnqueueWriteReady(ctx, writeReady("bare", model.JobMeta{})))

	batches := s.all()
	require.Len(t, batches, 2)
	assert.Equal(t, "batch-solo", batches[0].BatchID)
	assert.Equal(t, []string{"bare"}, jobIDs(batches[1]))
}

func TestAggregator_FailureFlushesPartialBatch(t *testing.T) {
	s := &sink{}
	a := New(s.ready)
	ctx := context.Background()
	m := meta("batch-1", "j1", "j2", "j3")

	require.NoError(t, a.EnqueueWriteReady(ctx, writeReady("j1", m)))
	require.NoError(t, a.HandleJobFailed(ctx, eventbus.JobFailedEvent{JobID: "j2", Meta: m}))

	batches := s.all()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"j1"}, jobIDs(batches[0]))

	require.NoError(t, a.HandleJobFailed(ctx, eventbus.JobFailedEvent{JobID: "j3", Meta: m}))
	require.NoError(t, a.EnqueueWriteReady(ctx, writeReady("j3", m)))
	batches = s.all()
	require.Len(t, batches, 2, "late arrivals are delivered alone")
	assert.Equal(t, []string{"j3"}, jobIDs(batches[1]))
	assert.Empty(t, batches[1].Entries[0].JobDependencies)
}

func TestAggregator_FailureBeforeArrivalCounts(t *testing.T) {
	s := &sink{}
	a := New(s.ready)
	ctx := context.Background()
	m := meta("batch-1", "j1", "j2")

	require.NoError(t, a.HandleJobFailed(ctx, eventbus.JobFailedEvent{JobID: "j1", Meta: m}))
	assert.Empty(t, s.all())
	assert.Equal(t, 1, a.Pending(), "the failure opens the batch")

	require.NoError(t, a.EnqueueWriteReady(ctx, writeReady("j2", m)))
	batches := s.all()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"j2"}, jobIDs(batches[0]))
	assert.Zero(t, a.Pending())

	require.NoError(t, a.HandleJobFailed(ctx, eventbus.JobFailedEvent{JobID: "x", Meta: model.JobMeta{}}))
	assert.Len(t, s.all(), 1)
}

func TestAggregator_MergesCollectionMemberships(t *testing.T) {
	s := &sink{}
	a := New(s.ready)
	ctx := context.Background()
	m := meta("batch-1", "j1", "j2")

	ev1 := writeReady("j1", m)
	ev1.CollectionMemberships = map[string][]string{"doc-a": {"drive-1"}}
	ev2 := writeReady("j2", m)
	ev2.CollectionMemberships = map[string][]string{"doc-a": {"drive-1", "drive-2"}, "doc-b": {"drive-1"}}

	require.NoError(t, a.EnqueueWriteReady(ctx, ev1))
	require.NoError(t, a.EnqueueWriteReady(ctx, ev2))

	b := s.all()[0]
	assert.Equal(t, map[string][]string{
		"doc-a": {"drive-1", "drive-2"},
		"doc-b": {"drive-1"},
	}, b.CollectionMemberships)
}

func TestAggregator_ConcurrentCallersSeeOneBatch(t *testing.T) {
	s := &sink{}
	a := New(s.ready)
	ids := []string{"j1", "j2", "j3", "j4", "j5", "j6", "j7", "j8"}
	m := meta("batch-1", ids...)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, a.EnqueueWriteReady(context.Background(), writeReady(id, m)))
		}(id)
	}
	wg.Wait()

	batches := s.all()
	require.Len(t, batches, 1)
	b := batches[0]
	require.Len(t, b.Entries, len(ids))
	for i, e := range b.Entries {
		assert.Len(t, e.JobDependencies, i, "dependencies follow arrival order")
	}
}

func TestAggregator_ClearDropsQueuedTasks(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var delivered []string
	var mu sync.Mutex
	a := New(func(_ context.Context, b eventbus.BatchReadyEvent) error {
		mu.Lock()
		delivered = append(delivered, jobIDs(b)...)
		mu.Unlock()
		if b.Entries[0].Event.JobID == "slow" {
			close(entered)
			<-release
		}
		return nil
	})
	ctx := context.Background()

	inFlight := make(chan error, 1)
	go func() { inFlight <- a.EnqueueWriteReady(ctx, writeReady("slow", model.JobMeta{})) }()
	<-entered

	queued := make(chan error, 1)
	go func() { queued <- a.EnqueueWriteReady(ctx, writeReady("queued", model.JobMeta{})) }()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.tasks) == 1
	}, time.Second, time.Millisecond)

	go a.Clear()
	err := <-queued
	assert.True(t, errors.Is(err, ErrCleared))
	assert.True(t, errs.IsAborted(err))

	close(release)
	require.NoError(t, <-inFlight)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"slow"}, delivered)
}

func TestAggregator_CancelledCallerLeavesQueue(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	a := New(func(_ context.Context, b eventbus.BatchReadyEvent) error {
		if b.Entries[0].Event.JobID == "slow" {
			close(entered)
			<-release
		}
		return nil
	})
	defer close(release)

	go func() { _ = a.EnqueueWriteReady(context.Background(), writeReady("slow", model.JobMeta{})) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := a.EnqueueWriteReady(ctx, writeReady("waiting", model.JobMeta{}))
	assert.True(t, errs.IsAborted(err))

	a.mu.Lock()
	assert.Empty(t, a.tasks)
	a.mu.Unlock()
}

func TestAggregator_AttachFeedsFromBus(t *testing.T) {
	bus := eventbus.New()
	var got []eventbus.BatchReadyEvent
	a := New(func(ctx context.Context, b eventbus.BatchReadyEvent) error {
		got = append(got, b)
		return bus.Emit(ctx, eventbus.BatchReady, b)
	})
	a.Attach(bus)
	defer a.Detach()
	ctx := context.Background()
	m := meta("batch-1", "j1", "j2")

	require.NoError(t, bus.Emit(ctx, eventbus.JobWriteReady, writeReady("j1", m)))
	require.NoError(t, bus.Emit(ctx, eventbus.JobFailed, eventbus.JobFailedEvent{JobID: "j2", Meta: m}))
	require.Len(t, got, 1)
	assert.Equal(t, []string{"j1"}, jobIDs(got[0]))

	a.Detach()
	assert.Zero(t, bus.SubscriberCount(eventbus.JobWriteReady))
}
