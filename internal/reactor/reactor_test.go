package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/consistency"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/eventbus"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/ids"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/jobs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/kv"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/readmodel"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/syncing"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/testutil"
)

const waitTimeout = 5 * time.Second

func newReactor(t *testing.T, prefix string, opts ...Option) *Reactor {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewDeterministicClock(1_700_000_000_000)
	opts = append([]Option{
		WithModules(testutil.CounterModule()),
		WithIDs(ids.NewSequence(prefix)),
		WithClock(clock.Now),
	}, opts...)
	cfg := DefaultConfig()
	cfg.Executors = 2
	cfg.ConsistencyTimeout = waitTimeout

	r, err := Build(ctx, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))
	})
	return r
}

func increment(id string, ts int64, by int) model.Action {
	return testutil.Action(id, "INCREMENT", ts, map[string]any{"by": by})
}

func waitDone(t *testing.T, r *Reactor, info jobs.Info) jobs.Info {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	done, err := r.WaitForJob(ctx, info.JobID)
	require.NoError(t, err)
	return done
}

func TestReactor_ReadAfterWrite(t *testing.T) {
	r := newReactor(t, "r")
	ctx := context.Background()

	info, err := r.Execute(ctx, "doc-1", "", []model.Action{
		testutil.CreateDocumentAction("create", testutil.CounterType, 1000, "drive-1"),
		increment("inc-1", 1001, 2),
		increment("inc-2", 1002, 5),
	}, model.JobMeta{})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, info.Status)
	assert.Equal(t, []string{info.JobID}, info.Meta.BatchJobIDs, "a single job is a batch of one")
	assert.NotEmpty(t, info.Meta.BatchID)

	done := waitDone(t, r, info)
	require.Equal(t, jobs.StatusCompleted, done.Status, done.Error)
	require.False(t, done.ConsistencyToken.IsEmpty())
	assert.Equal(t, 2, done.ConsistencyToken.Revision(model.NewStreamKey("doc-1", model.ScopeGlobal, "")))

	doc, err := r.Get(ctx, "doc-1", "", readmodel.View{}, done.ConsistencyToken)
	require.NoError(t, err)
	assert.Equal(t, 7, testutil.Count(doc.State[model.ScopeGlobal]))
	assert.Equal(t, []string{"drive-1"}, doc.Header.Collections)

	projected, err := r.Get(ctx, "doc-1", "", readmodel.View{Scopes: []string{model.ScopeDocument}}, consistency.Token{})
	require.NoError(t, err)
	assert.NotContains(t, projected.State, model.ScopeGlobal)

	page, err := r.Find(ctx, readmodel.Filter{DocumentType: testutil.CounterType}, readmodel.View{}, readmodel.Paging{Limit: 10}, done.ConsistencyToken)
	require.NoError(t, err)
	require.Len(t, page.Documents, 1)

	ops, err := r.Operations(ctx, "doc-1", model.ScopeGlobal, "")
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestReactor_ExecuteBatch(t *testing.T) {
	r := newReactor(t, "r")
	ctx := context.Background()

	var mu sync.Mutex
	var batches []eventbus.BatchReadyEvent
	r.Bus().Subscribe(eventbus.BatchReady, func(_ context.Context, _ eventbus.EventType, payload any) error {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, payload.(eventbus.BatchReadyEvent))
		return nil
	})

	res, err := r.ExecuteBatch(ctx, ExecuteBatchRequest{Jobs: []ExecutePlan{
		{Key: "second", DocumentID: "doc-2", DependsOn: []string{"first"}, Actions: []model.Action{
			testutil.CreateDocumentAction("c2", testutil.CounterType, 1000),
		}},
		{Key: "first", DocumentID: "doc-1", Actions: []model.Action{
			testutil.CreateDocumentAction("c1", testutil.CounterType, 1000),
			increment("i1", 1001, 1),
		}},
	}}, model.JobMeta{Extra: map[string]string{"source": "test-caller"}})
	require.NoError(t, err)

	assert.Equal(t, "r-1", res.BatchID)
	first, second := res.Jobs["first"], res.Jobs["second"]
	for _, info := range res.Jobs {
		assert.Equal(t, res.BatchID, info.Meta.BatchID)
		assert.ElementsMatch(t, []string{first.JobID, second.JobID}, info.Meta.BatchJobIDs)
		assert.Equal(t, "test-caller", info.Meta.Extra["source"], "caller meta is kept")
	}

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	done, err := r.WaitForBatch(waitCtx, res)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done["first"].Status)
	assert.Equal(t, jobs.StatusCompleted, done["second"].Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1, "one notification per batch")
	b := batches[0]
	assert.Equal(t, res.BatchID, b.BatchID)
	require.Len(t, b.Entries, 2)
	assert.Equal(t, first.JobID, b.Entries[0].Event.JobID, "dependencies run first")
	assert.Equal(t, []string{first.JobID}, b.Entries[1].JobDependencies)
}

func TestReactor_RejectsBeforeEnqueue(t *testing.T) {
	r := newReactor(t, "r")
	ctx := context.Background()

	_, err := r.Execute(ctx, "", "", []model.Action{increment("a", 1, 1)}, model.JobMeta{})
	assert.True(t, errs.IsValidation(err))
	_, err = r.Execute(ctx, "doc", "", nil, model.JobMeta{})
	assert.True(t, errs.IsValidation(err))
	_, err = r.Load(ctx, "doc", "", nil, model.JobMeta{})
	assert.True(t, errs.IsValidation(err))
	_, err = r.ExecuteBatch(ctx, ExecuteBatchRequest{Jobs: []ExecutePlan{
		{Key: "a", DocumentID: "doc-a", Actions: []model.Action{increment("a", 1, 1)}, DependsOn: []string{"b"}},
		{Key: "b", DocumentID: "doc-b", Actions: []model.Action{increment("b", 1, 1)}, DependsOn: []string{"a"}},
	}}, model.JobMeta{})
	assert.True(t, errs.IsValidation(err))

	assert.Zero(t, r.tracker.Len(), "rejected requests leave no jobs behind")

	_, err = r.GetJobStatus("nope")
	assert.True(t, errs.IsNotFound(err))
	_, err = r.Get(ctx, "", "", readmodel.View{}, consistency.Token{})
	assert.True(t, errs.IsValidation(err))
}

func TestReactor_UnknownModelFailsBatch(t *testing.T) {
	r := newReactor(t, "r")
	ctx := context.Background()

	res, err := r.ExecuteBatch(ctx, ExecuteBatchRequest{Jobs: []ExecutePlan{
		{Key: "ok", DocumentID: "doc-1", Actions: []model.Action{
			testutil.CreateDocumentAction("c1", testutil.CounterType, 1000),
		}},
		{Key: "bad", DocumentID: "doc-2", DependsOn: []string{"ok"}, Actions: []model.Action{
			testutil.CreateDocumentAction("c2", "powerhouse/unknown", 1000),
		}},
	}}, model.JobMeta{})
	require.Error(t, err)
	assert.True(t, errs.IsModuleNotFound(err))
	assert.Empty(t, res.Jobs)

	// "ok" was picked up before "bad" reached the model gate, so it runs to
	// completion; "bad" is failed once, by the gate.
	ok := waitDone(t, r, jobs.Info{JobID: "r-2"})
	assert.Equal(t, jobs.StatusCompleted, ok.Status, ok.Error)
	bad := waitDone(t, r, jobs.Info{JobID: "r-3"})
	assert.Equal(t, jobs.StatusFailed, bad.Status)
	assert.Len(t, bad.ErrorHistory, 1)
}

func TestReactor_CancelledBatchFailsOnlyUnsubmittedJobs(t *testing.T) {
	r := newReactor(t, "r")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	r.Bus().Subscribe(eventbus.JobAvailable, func(context.Context, eventbus.EventType, any) error {
		once.Do(cancel)
		return nil
	})
	var mu sync.Mutex
	var batches []eventbus.BatchReadyEvent
	r.Bus().Subscribe(eventbus.BatchReady, func(_ context.Context, _ eventbus.EventType, payload any) error {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, payload.(eventbus.BatchReadyEvent))
		return nil
	})

	_, err := r.ExecuteBatch(ctx, ExecuteBatchRequest{Jobs: []ExecutePlan{
		{Key: "a", DocumentID: "doc-a", Actions: []model.Action{
			testutil.CreateDocumentAction("ca", testutil.CounterType, 1000),
		}},
		{Key: "b", DocumentID: "doc-b", Actions: []model.Action{
			testutil.CreateDocumentAction("cb", testutil.CounterType, 1000),
		}},
	}}, model.JobMeta{})
	require.Error(t, err)
	assert.True(t, errs.IsAborted(err))

	// r-1 is the batch; "a" was enqueued and picked up, "b" never was.
	a := waitDone(t, r, jobs.Info{JobID: "r-2"})
	assert.Equal(t, jobs.StatusCompleted, a.Status, a.Error)
	b := waitDone(t, r, jobs.Info{JobID: "r-3"})
	assert.Equal(t, jobs.StatusFailed, b.Status)
	assert.Contains(t, b.Error, "context canceled")
	require.Len(t, b.ErrorHistory, 1)

	doc, err := r.Get(context.Background(), "doc-a", "", readmodel.View{}, a.ConsistencyToken)
	require.NoError(t, err)
	assert.Equal(t, testutil.CounterType, doc.Header.DocumentType)
	_, err = r.Get(context.Background(), "doc-b", "", readmodel.View{}, consistency.Token{})
	assert.True(t, errs.IsNotFound(err))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, waitTimeout, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches[0].Entries, 1)
	assert.Equal(t, "r-2", batches[0].Entries[0].Event.JobID)
	assert.Zero(t, r.aggregator.Pending())
}

func TestReactor_WaitForTokenTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsistencyTimeout = 20 * time.Millisecond
	r, err := Build(context.Background(), cfg, WithModules(testutil.CounterModule()))
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	token := consistency.NewToken(time.Now(), consistency.Coordinate{DocumentID: "doc", Scope: model.ScopeGlobal, Branch: model.BranchMain, Revision: 5})
	_, err = r.Get(context.Background(), "doc", "", readmodel.View{}, token)
	assert.True(t, errs.IsTimeout(err))
}

func TestReactor_ShutdownRejectsWork(t *testing.T) {
	r, err := Build(context.Background(), DefaultConfig(), WithModules(testutil.CounterModule()))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))

	_, err = r.Execute(context.Background(), "doc", "", []model.Action{increment("a", 1, 1)}, model.JobMeta{})
	assert.True(t, errs.IsAborted(err))
	assert.True(t, errs.IsAborted(r.Start(context.Background())))
}

// Two reactors replicate a document through an in-process sync channel.
func TestReactor_SyncsBetweenReactors(t *testing.T) {
	ctx := context.Background()
	a := newReactor(t, "a", WithKV(kv.NewMemory()))
	b := newReactor(t, "b", WithKV(kv.NewMemory()))

	toB := syncing.NewInternalChannel("b", a.CursorStorage())
	toA := syncing.NewInternalChannel("a", b.CursorStorage())
	syncing.ConnectInternal(toB, toA)
	require.NoError(t, a.Sync().Add(ctx, "b", toB, syncing.Filter{}))
	require.NoError(t, b.Sync().Add(ctx, "a", toA, syncing.Filter{}))

	info, err := a.Execute(ctx, "doc-1", "", []model.Action{
		testutil.CreateDocumentAction("create", testutil.CounterType, 1000),
		increment("inc", 1001, 4),
	}, model.JobMeta{})
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, waitDone(t, a, info).Status)

	require.Eventually(t, func() bool {
		doc, err := b.Get(ctx, "doc-1", "", readmodel.View{}, consistency.Token{})
		return err == nil && testutil.Count(doc.State[model.ScopeGlobal]) == 4
	}, waitTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return toB.Outbox().Len() == 0
	}, waitTimeout, 10*time.Millisecond, "b acknowledges what it applied")
	assert.Zero(t, toA.DeadLetter().Len())
	assert.Zero(t, toA.Outbox().Len(), "loaded operations are not echoed back")

	aOps, err := a.Operations(ctx, "doc-1", model.ScopeGlobal, "")
	require.NoError(t, err)
	bOps, err := b.Operations(ctx, "doc-1", model.ScopeGlobal, "")
	require.NoError(t, err)
	assert.Equal(t, aOps, bOps)
}
