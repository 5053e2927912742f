package consistency

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

type recordingModel struct {
	name string
	fail error

	mu      sync.Mutex
	indexed []model.OperationWithContext
}

func (m *recordingModel) Name() string { return m.name }

func (m *recordingModel) Index(_ context.Context, ops []model.OperationWithContext) error {
	if m.fail != nil {
		return m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed = append(m.indexed, ops...)
	return nil
}

func opAt(documentID string, index int) model.OperationWithContext {
	return model.OperationWithContext{
		Operation: model.Operation{Index: index},
		Context: model.OperationContext{
			DocumentID: documentID,
			Scope:      model.ScopeGlobal,
			Branch:     model.BranchMain,
		},
	}
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestToken_Merge(t *testing.T) {
	a := NewToken(epoch,
		Coordinate{DocumentID: "doc-1", Scope: "global", Branch: "main", Revision: 3},
		Coordinate{DocumentID: "doc-2", Scope: "global", Branch: "main", Revision: 5},
	)
	b := NewToken(epoch.Add(time.Second),
		Coordinate{DocumentID: "doc-1", Scope: "global", Branch: "main", Revision: 7},
		Coordinate{DocumentID: "doc-2", Scope: "global", Branch: "main", Revision: 1},
		Coordinate{DocumentID: "doc-3", Scope: "local", Branch: "main", Revision: 2},
	)

	merged := a.Merge(b)
	assert.Equal(t, []Coordinate{
		{DocumentID: "doc-1", Scope: "global", Branch: "main", Revision: 7},
		{DocumentID: "doc-2", Scope: "global", Branch: "main", Revision: 5},
		{DocumentID: "doc-3", Scope: "local", Branch: "main", Revision: 2},
	}, merged.Coordinates)
	assert.Equal(t, "2025-01-01T00:00:01.000Z", merged.CreatedAtUtcIso)
	assert.Equal(t, merged, b.Merge(a), "merge is commutative")
	assert.Equal(t, merged, merged.Merge(a, b), "merge never regresses")
}

func TestTokenFromOperations(t *testing.T) {
	tok := TokenFromOperations(epoch, []model.OperationWithContext{opAt("doc-1", 0), opAt("doc-1", 4), opAt("doc-1", 2)})
	require.Len(t, tok.Coordinates, 1)
	assert.Equal(t, 5, tok.Revision(model.NewStreamKey("doc-1", "global", "main")))
	assert.Equal(t, 0, tok.Revision(model.NewStreamKey("doc-2", "global", "main")))
	assert.True(t, NewToken(epoch).IsEmpty())
}

func TestWaitFor_ImmediateWhenCaughtUp(t *testing.T) {
	c := New(eventbus.New())
	require.NoError(t, c.Register(&recordingModel{name: "view"}))
	require.NoError(t, c.Index(context.Background(), []model.OperationWithContext{opAt("doc-1", 0)}))

	tok := TokenFromOperations(epoch, []model.OperationWithContext{opAt("doc-1", 0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.WaitFor(ctx, tok), "satisfied tokens do not look at ctx")
}

func TestWaitFor_SuspendsUntilIndexed(t *testing.T) {
	bus := eventbus.New()
	c := New(bus)
	view := &recordingModel{name: "view"}
	require.NoError(t, c.Register(view))
	c.Start()
	defer c.Stop()

	ops := []model.OperationWithContext{opAt("doc-1", 0), opAt("doc-1", 1)}
	tok := TokenFromOperations(epoch, ops)

	done := make(chan error, 1)
	go func() {
		done <- c.WaitFor(context.Background(), tok)
	}()

	select {
	case err := <-done:
		t.Fatalf("wait returned before indexing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, bus.Emit(context.Background(), eventbus.JobWriteReady, eventbus.JobWriteReadyEvent{
		JobID:      "job-1",
		DocumentID: "doc-1",
		Operations: ops,
	}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait not released")
	}
	assert.Len(t, view.indexed, 2)
}

func TestWaitFor_TimeoutAndAbort(t *testing.T) {
	c := New(eventbus.New(), WithTimeout(20*time.Millisecond))
	require.NoError(t, c.Register(&recordingModel{name: "view"}))
	tok := TokenFromOperations(epoch, []model.OperationWithContext{opAt("doc-1", 0)})

	err := c.WaitFor(context.Background(), tok)
	assert.True(t, errs.IsTimeout(err))

	c = New(eventbus.New(), WithTimeout(0))
	require.NoError(t, c.Register(&recordingModel{name: "view"}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err = c.WaitFor(ctx, tok)
	assert.True(t, errs.IsAborted(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitFor_UnregisterReleases(t *testing.T) {
	c := New(eventbus.New())
	require.NoError(t, c.Register(&recordingModel{name: "view"}))
	tok := TokenFromOperations(epoch, []model.OperationWithContext{opAt("doc-1", 0)})

	done := make(chan error, 1)
	go func() {
		done <- c.WaitFor(context.Background(), tok)
	}()
	time.Sleep(10 * time.Millisecond)
	assert.True(t, c.Unregister("view"))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait not released")
	}
}

func TestRegistry_Operations(t *testing.T) {
	c := New(eventbus.New())
	require.NoError(t, c.Register(&recordingModel{name: "a"}))
	require.NoError(t, c.Register(&recordingModel{name: "b"}))
	assert.True(t, errs.IsDuplicate(c.Register(&recordingModel{name: "a"})))
	assert.Equal(t, []string{"a", "b"}, c.ReadModels())

	assert.False(t, c.Unregister("missing"))
	c.Clear()
	assert.Empty(t, c.ReadModels())

	other := New(eventbus.New())
	assert.Empty(t, other.ReadModels(), "coordinators share no registry")
}

func TestIndex_FailingModelKeepsProgress(t *testing.T) {
	bus := eventbus.New()
	c := New(bus)
	require.NoError(t, c.Register(&recordingModel{name: "broken", fail: errors.New("disk full")}))
	require.NoError(t, c.Register(&recordingModel{name: "view"}))
	c.Start()
	defer c.Stop()

	var readReady int
	var mu sync.Mutex
	bus.Subscribe(eventbus.JobReadReady, func(context.Context, eventbus.EventType, any) error {
		mu.Lock()
		defer mu.Unlock()
		readReady++
		return nil
	})

	err := bus.Emit(context.Background(), eventbus.JobWriteReady, eventbus.JobWriteReadyEvent{
		JobID:      "job-1",
		Operations: []model.OperationWithContext{opAt("doc-1", 0)},
	})
	require.Error(t, err)

	stream := model.NewStreamKey("doc-1", "global", "main")
	assert.Equal(t, 0, c.Progress("broken", stream))
	assert.Equal(t, 1, c.Progress("view", stream))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, readReady)
}
