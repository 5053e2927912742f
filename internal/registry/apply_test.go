package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/registry"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/testutil"
)

func counterRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(testutil.CounterModule()))
	return reg
}

func op(index int, action model.Action) model.Operation {
	return model.Operation{Index: index, TimestampUtcMs: action.TimestampUtcMs, Action: action}
}

func TestCreateDocument(t *testing.T) {
	reg := counterRegistry(t)

	doc, err := reg.CreateDocument("doc-1", testutil.CreateDocumentAction("c", testutil.CounterType, 500, "drive-a"))
	require.NoError(t, err)
	assert.Equal(t, "doc-1", doc.Header.ID)
	assert.Equal(t, testutil.CounterType, doc.Header.DocumentType)
	assert.Equal(t, int64(500), doc.Header.CreatedAtUtcMs)
	assert.Equal(t, []string{"drive-a"}, doc.Header.Collections)

	_, err = reg.CreateDocument("doc-1", testutil.Action("x", "INCREMENT", 1, nil))
	assert.True(t, errs.IsValidation(err))

	_, err = reg.CreateDocument("doc-1", model.Action{Type: model.ActionCreateDocument, Input: map[string]any{}})
	assert.True(t, errs.IsValidation(err))

	_, err = reg.CreateDocument("doc-1", testutil.CreateDocumentAction("c", "unknown/type", 1))
	assert.True(t, errs.IsModuleNotFound(err))
}

func TestReplay_DocumentScope(t *testing.T) {
	reg := counterRegistry(t)
	create := testutil.CreateDocumentAction("c", testutil.CounterType, 100)
	del := model.Action{ID: "d", Type: model.ActionDeleteDocument, Scope: model.ScopeDocument, TimestampUtcMs: 300}

	doc, err := reg.Replay("doc-1", nil, model.ScopeDocument, []model.Operation{op(0, create), op(1, del)})
	require.NoError(t, err)
	assert.True(t, doc.Header.Deleted)
	assert.Equal(t, 2, doc.Revision(model.ScopeDocument))
	assert.Equal(t, int64(300), doc.Header.LastModifiedAtUtcMs)

	_, err = reg.Replay("doc-1", doc, model.ScopeDocument, []model.Operation{op(2, create)})
	assert.True(t, errs.IsValidation(err), "a document is created once")

	_, err = reg.Replay("doc-1", nil, model.ScopeDocument, []model.Operation{op(0, del)})
	assert.True(t, errs.IsIntegrity(err))

	_, err = reg.Replay("doc-1", nil, model.ScopeDocument, nil)
	assert.True(t, errs.IsNotFound(err))
}

func TestReplay_GlobalScopeDoesNotMutateBase(t *testing.T) {
	reg := counterRegistry(t)
	base, err := reg.CreateDocument("doc-1", testutil.CreateDocumentAction("c", testutil.CounterType, 100))
	require.NoError(t, err)

	ops := []model.Operation{
		op(0, testutil.Action("a", "INCREMENT", 200, map[string]any{"by": 2})),
		op(1, testutil.Action("b", "INCREMENT", 250, map[string]any{"by": 3})),
	}
	doc, err := reg.Replay("doc-1", base, model.ScopeGlobal, ops)
	require.NoError(t, err)

	assert.Equal(t, 5, testutil.Count(doc.State[model.ScopeGlobal]))
	assert.Equal(t, 2, doc.Revision(model.ScopeGlobal))
	assert.Equal(t, 0, testutil.Count(base.State[model.ScopeGlobal]))
	assert.Equal(t, 0, base.Revision(model.ScopeGlobal))
}

func TestReplay_ReducerFailure(t *testing.T) {
	reg := counterRegistry(t)
	base, err := reg.CreateDocument("doc-1", testutil.CreateDocumentAction("c", testutil.CounterType, 100))
	require.NoError(t, err)

	_, err = reg.Replay("doc-1", base, model.ScopeGlobal, []model.Operation{
		op(0, testutil.Action("a", "FAIL", 200, map[string]any{"message": "nope"})),
	})
	assert.True(t, errs.IsTransient(err))
}

func TestHashScope(t *testing.T) {
	reg := counterRegistry(t)
	a, err := reg.CreateDocument("doc-1", testutil.CreateDocumentAction("c", testutil.CounterType, 100, "drive-a"))
	require.NoError(t, err)
	b := a.Clone()
	b.Header.LastModifiedAtUtcMs = 999
	b.Header.Revision[model.ScopeDocument] = 7

	ha, err := registry.HashScope(a, model.ScopeDocument)
	require.NoError(t, err)
	hb, err := registry.HashScope(b, model.ScopeDocument)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "document hash covers identity, not bookkeeping")

	b.Header.Deleted = true
	hb, err = registry.HashScope(b, model.ScopeDocument)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)

	g1, err := registry.HashScope(a, model.ScopeGlobal)
	require.NoError(t, err)
	a.State[model.ScopeGlobal]["count"] = 1
	g2, err := registry.HashScope(a, model.ScopeGlobal)
	require.NoError(t, err)
	assert.NotEqual(t, g1, g2)

	empty, err := registry.HashScope(a, "custom")
	require.NoError(t, err)
	want, err := model.StateHash(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, want, empty)
}
