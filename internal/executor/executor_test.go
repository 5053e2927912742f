package executor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/cache"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/kv"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/queue"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/registry"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/store"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/testutil"
)

// fixture is one reactor's write path over a temp sqlite store.
type fixture struct {
	store    *store.Store
	cache    *cache.WriteCache
	registry *registry.Registry
	exec     *Default
}

func newFixture(t *testing.T, modules ...registry.Module) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "reactor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	if len(modules) == 0 {
		modules = []registry.Module{testutil.CounterModule()}
	}
	for _, m := range modules {
		require.NoError(t, reg.Register(m))
	}
	c := cache.New(st, kv.NewMemory(), reg, cache.DefaultConfig())
	clock := testutil.NewDeterministicClock(1_700_000_000_000)
	return &fixture{
		store:    st,
		cache:    c,
		registry: reg,
		exec:     NewDefault(st, c, reg, WithClock(clock.Now)),
	}
}

func executeJob(id, documentID string, actions ...model.Action) *queue.Job {
	return &queue.Job{
		ID:         id,
		Kind:       queue.KindExecute,
		DocumentID: documentID,
		Scope:      model.ScopeGlobal,
		Branch:     model.BranchMain,
		Actions:    actions,
	}
}

func loadJob(id, documentID, scope string, ops []model.Operation) *queue.Job {
	return &queue.Job{
		ID:         id,
		Kind:       queue.KindLoad,
		DocumentID: documentID,
		Scope:      scope,
		Branch:     model.BranchMain,
		Operations: ops,
	}
}

func increment(id string, ts int64, by int) model.Action {
	return testutil.Action(id, "INCREMENT", ts, map[string]any{"by": by})
}

func (f *fixture) create(t *testing.T, documentID string, collections ...string) Result {
	t.Helper()
	res, err := f.exec.Execute(context.Background(), executeJob("create-"+documentID, documentID,
		testutil.CreateDocumentAction("create-"+documentID, testutil.CounterType, 1000, collections...)))
	require.NoError(t, err)
	return res
}

func (f *fixture) count(t *testing.T, documentID string) int {
	t.Helper()
	doc, err := f.cache.GetDocument(context.Background(), documentID, model.BranchMain)
	require.NoError(t, err)
	return testutil.Count(doc.State[model.ScopeGlobal])
}

func (f *fixture) stream(t *testing.T, documentID, scope string) []model.Operation {
	t.Helper()
	ops, err := f.store.Operations(context.Background(), model.NewStreamKey(documentID, scope, ""), 0, -1)
	require.NoError(t, err)
	return ops
}

func TestExecute_CreateAndMutateInOneJob(t *testing.T) {
	f := newFixture(t)

	res, err := f.exec.Execute(context.Background(), executeJob("job-1", "doc-1",
		testutil.CreateDocumentAction("a-create", testutil.CounterType, 1000, "drive-1"),
		increment("a-inc", 1001, 2),
		increment("a-inc-2", 1002, 3),
	))
	require.NoError(t, err)

	assert.Equal(t, testutil.CounterType, res.DocumentType)
	require.Len(t, res.Operations, 3)
	assert.Equal(t, model.ScopeDocument, res.Operations[0].Context.Scope)
	assert.Equal(t, 0, res.Operations[0].Operation.Index)
	assert.Equal(t, model.ScopeGlobal, res.Operations[1].Context.Scope)
	assert.Equal(t, 0, res.Operations[1].Operation.Index)
	assert.Equal(t, 1, res.Operations[2].Operation.Index)
	for _, op := range res.Operations {
		assert.NotEmpty(t, op.Operation.ID)
		assert.NotEmpty(t, op.Operation.Hash)
		assert.Positive(t, op.Context.Ordinal)
	}
	assert.Equal(t, map[string][]string{"doc-1": {"drive-1"}}, res.CollectionMemberships)
	assert.Equal(t, 5, f.count(t, "doc-1"))
}

func TestExecute_RevisionsAdvanceAcrossJobs(t *testing.T) {
	f := newFixture(t)
	f.create(t, "doc-1")
	ctx := context.Background()

	_, err := f.exec.Execute(ctx, executeJob("job-1", "doc-1", increment("i1", 2000, 1)))
	require.NoError(t, err)
	res, err := f.exec.Execute(ctx, executeJob("job-2", "doc-1", increment("i2", 2001, 4)))
	require.NoError(t, err)

	require.Len(t, res.Operations, 1)
	assert.Equal(t, 1, res.Operations[0].Operation.Index)
	assert.Equal(t, 5, f.count(t, "doc-1"))
}

func TestExecute_FillsActionDefaults(t *testing.T) {
	f := newFixture(t)
	f.create(t, "doc-1")

	action := model.Action{Type: "INCREMENT", Input: map[string]any{"by": 1}}
	res, err := f.exec.Execute(context.Background(), executeJob("job-1", "doc-1", action))
	require.NoError(t, err)

	got := res.Operations[0].Operation.Action
	assert.Equal(t, model.ScopeGlobal, got.Scope)
	assert.NotZero(t, got.TimestampUtcMs)
	assert.NotEmpty(t, got.ID)
}

func TestExecute_Rejections(t *testing.T) {
	f := newFixture(t)
	f.create(t, "doc-1")
	ctx := context.Background()

	tests := []struct {
		name  string
		job   *queue.Job
		check func(error) bool
	}{
		{"no actions", executeJob("j", "doc-1"), errs.IsValidation},
		{"unknown document", executeJob("j", "ghost", increment("i", 1, 1)), errs.IsValidation},
		{"double create", executeJob("j", "doc-1", testutil.CreateDocumentAction("c", testutil.CounterType, 1)), errs.IsValidation},
		{"create without model", executeJob("j", "doc-2", model.Action{Type: model.ActionCreateDocument, Scope: model.ScopeDocument}), errs.IsValidation},
		{"schema violation", executeJob("j", "doc-1", increment("i", 1, -3)), errs.IsValidation},
		{"unknown action", executeJob("j", "doc-1", testutil.Action("i", "EXPLODE", 1, nil)), errs.IsValidation},
		{"unknown model", executeJob("j", "doc-3", testutil.CreateDocumentAction("c", "powerhouse/budget", 1)), errs.IsModuleNotFound},
		{"reducer failure", executeJob("j", "doc-1", testutil.Action("i", "FAIL", 1, nil)), errs.IsTransient},
		{"unknown kind", &queue.Job{ID: "j", Kind: "merge", DocumentID: "doc-1"}, errs.IsValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.exec.Execute(ctx, tt.job)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}
}

func TestExecute_FailedJobWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.create(t, "doc-1")

	_, err := f.exec.Execute(context.Background(), executeJob("job-1", "doc-1",
		increment("i1", 2000, 1),
		testutil.Action("boom", "FAIL", 2001, nil),
	))
	require.Error(t, err)
	assert.Empty(t, f.stream(t, "doc-1", model.ScopeGlobal))
	assert.Equal(t, 0, f.count(t, "doc-1"))
}

// remoteHistory builds a document on a separate reactor and returns its
// document and global streams.
func remoteHistory(t *testing.T, documentID string, increments ...int) (*fixture, []model.Operation, []model.Operation) {
	t.Helper()
	remote := newFixture(t)
	remote.create(t, documentID)
	for i, by := range increments {
		_, err := remote.exec.Execute(context.Background(),
			executeJob("remote", documentID, increment("r"+string(rune('a'+i)), int64(3000+i), by)))
		require.NoError(t, err)
	}
	return remote, remote.stream(t, documentID, model.ScopeDocument), remote.stream(t, documentID, model.ScopeGlobal)
}

func TestLoad_ReplicatesRemoteHistory(t *testing.T) {
	_, docOps, globalOps := remoteHistory(t, "doc-1", 2, 3)
	local := newFixture(t)
	ctx := context.Background()

	res, err := local.exec.Execute(ctx, loadJob("load-1", "doc-1", model.ScopeDocument, docOps))
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)

	res, err = local.exec.Execute(ctx, loadJob("load-2", "doc-1", model.ScopeGlobal, globalOps))
	require.NoError(t, err)
	require.Len(t, res.Operations, 2)
	for i, op := range res.Operations {
		assert.Equal(t, globalOps[i].ID, op.Operation.ID, "remote ids are kept")
		assert.Equal(t, globalOps[i].Hash, op.Operation.Hash)
	}
	assert.Equal(t, 5, local.count(t, "doc-1"))

	res, err = local.exec.Execute(ctx, loadJob("load-3", "doc-1", model.ScopeGlobal, globalOps))
	require.NoError(t, err)
	assert.Empty(t, res.Operations, "loading known history is a no-op")
	assert.Len(t, local.stream(t, "doc-1", model.ScopeGlobal), 2)
}

func TestLoad_ReshufflesDisplacedTail(t *testing.T) {
	remote, docOps, globalOps := remoteHistory(t, "doc-1", 1)
	local := newFixture(t)
	ctx := context.Background()

	_, err := local.exec.Execute(ctx, loadJob("load-1", "doc-1", model.ScopeDocument, docOps))
	require.NoError(t, err)
	_, err = local.exec.Execute(ctx, loadJob("load-2", "doc-1", model.ScopeGlobal, globalOps))
	require.NoError(t, err)

	localRes, err := local.exec.Execute(ctx, executeJob("local", "doc-1", increment("local-inc", 4000, 10)))
	require.NoError(t, err)
	localOp := localRes.Operations[0].Operation
	require.Equal(t, 1, localOp.Index)

	remoteRes, err := remote.exec.Execute(ctx, executeJob("remote", "doc-1", increment("remote-inc", 5000, 5)))
	require.NoError(t, err)
	remoteOp := remoteRes.Operations[0].Operation
	require.Equal(t, 1, remoteOp.Index)

	res, err := local.exec.Execute(ctx, loadJob("load-3", "doc-1", model.ScopeGlobal, []model.Operation{remoteOp}))
	require.NoError(t, err)
	require.Len(t, res.Operations, 2)

	stream := local.stream(t, "doc-1", model.ScopeGlobal)
	require.Len(t, stream, 3)
	assert.Equal(t, remoteOp.ID, stream[1].ID)
	assert.Equal(t, "local-inc", stream[2].Action.ID)
	assert.Equal(t, 2, stream[2].Index)
	assert.NotEqual(t, localOp.ID, stream[2].ID, "a moved operation gets a new id")
	assert.Equal(t, 16, local.count(t, "doc-1"))
}

func TestLoad_Rejections(t *testing.T) {
	_, docOps, globalOps := remoteHistory(t, "doc-1", 2)
	ctx := context.Background()

	t.Run("hash mismatch", func(t *testing.T) {
		local := newFixture(t)
		_, err := local.exec.Execute(ctx, loadJob("l1", "doc-1", model.ScopeDocument, docOps))
		require.NoError(t, err)

		tampered := model.CloneOperations(globalOps)
		tampered[0].Hash = "not-the-hash"
		_, err = local.exec.Execute(ctx, loadJob("l2", "doc-1", model.ScopeGlobal, tampered))
		assert.True(t, errs.IsIntegrity(err), "unexpected error: %v", err)
		assert.Empty(t, local.stream(t, "doc-1", model.ScopeGlobal))
	})

	t.Run("document not yet known", func(t *testing.T) {
		local := newFixture(t)
		_, err := local.exec.Execute(ctx, loadJob("l1", "doc-1", model.ScopeGlobal, globalOps))
		assert.True(t, errs.IsTransient(err), "unexpected error: %v", err)
	})

	t.Run("history without its start", func(t *testing.T) {
		_, docOps, globalOps := remoteHistory(t, "doc-2", 2, 3)
		local := newFixture(t)
		_, err := local.exec.Execute(ctx, loadJob("l1", "doc-2", model.ScopeDocument, docOps))
		require.NoError(t, err)

		_, err = local.exec.Execute(ctx, loadJob("l2", "doc-2", model.ScopeGlobal, globalOps[1:]))
		assert.True(t, errs.IsIntegrity(err), "unexpected error: %v", err)
		assert.Empty(t, local.stream(t, "doc-2", model.ScopeGlobal))
	})

	t.Run("scope mismatch", func(t *testing.T) {
		local := newFixture(t)
		_, err := local.exec.Execute(ctx, loadJob("l1", "doc-1", model.ScopeDocument, globalOps))
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("empty", func(t *testing.T) {
		local := newFixture(t)
		_, err := local.exec.Execute(ctx, loadJob("l1", "doc-1", model.ScopeGlobal, nil))
		assert.True(t, errs.IsValidation(err))
	})
}
