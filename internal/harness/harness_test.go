package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/testutil"
)

func counter() Option {
	return WithModules(testutil.CounterModule())
}

func loadFixture(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestRunWithGolden(t *testing.T) {
	result, err := RunWithGolden(t, loadFixture(t, "counter_increments"), counter())
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_DeterministicSnapshots(t *testing.T) {
	s := loadFixture(t, "counter_increments")

	first, err := Run(context.Background(), s, counter())
	require.NoError(t, err)
	second, err := Run(context.Background(), s, counter())
	require.NoError(t, err)

	a, err := Snapshot(s.Name, first)
	require.NoError(t, err)
	b, err := Snapshot(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_ExpectedFailure(t *testing.T) {
	result, err := Run(context.Background(), loadFixture(t, "counter_failure"), counter())
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, EventFinished, last.Type)
	assert.Equal(t, "FAILED", last.Status)
	assert.Contains(t, last.Error, "boom")
	assert.Empty(t, last.Revisions)
}

func TestRun_ReportsUnmetExpectations(t *testing.T) {
	s := &Scenario{
		Name:        "unmet",
		Description: "every check fails",
		Setup: []Step{{Document: "doc-1", Actions: []ActionSpec{
			{Type: "CREATE_DOCUMENT", Input: map[string]any{"model": testutil.CounterType}},
		}}},
		Flow: []Step{{
			Document: "doc-1",
			Actions:  []ActionSpec{{Type: "INCREMENT", Input: map[string]any{"by": 1}}},
			Expect:   &ExpectClause{Status: "FAILED"},
		}},
		Assertions: []Assertion{
			{Type: AssertState, Document: "doc-1", Expect: map[string]any{"count": 9}},
			{Type: AssertState, Document: "doc-1", Expect: map[string]any{"missing": true}},
			{Type: AssertOperationCount, Document: "doc-1", Count: 4},
			{Type: AssertOperationOrder, Document: "doc-1", Actions: []string{"RESET"}},
			{Type: AssertTraceCount, Action: "INCREMENT", Count: 0},
		},
	}

	result, err := Run(context.Background(), s, counter())
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Contains(t, result.Errors[0], "expected job job-4 to finish FAILED, got COMPLETED")
	assert.Contains(t, result.Errors[1], "Assertion failed: state")
	assert.Contains(t, result.Errors[2], "field missing")
	assert.Contains(t, result.Errors[3], "operation_count")
	assert.Contains(t, result.Errors[4], "[INCREMENT]")
	assert.Contains(t, result.Errors[5], "1 submissions")
}

func TestRun_SetupMustComplete(t *testing.T) {
	s := &Scenario{
		Name:        "unknown_model",
		Description: "setup creates a document of an unregistered model",
		Setup: []Step{{Document: "doc-1", Actions: []ActionSpec{
			{Type: "CREATE_DOCUMENT", Input: map[string]any{"model": "powerhouse/unknown"}},
		}}},
		Flow:       []Step{{Document: "doc-1", Actions: []ActionSpec{{Type: "INCREMENT"}}}},
		Assertions: []Assertion{{Type: AssertTraceCount, Action: "INCREMENT", Count: 1}},
	}

	_, err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup[0]")
}

func TestLoadScenario_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", "name: a\ndescription: b\nflows: []\n", "field flows not found"},
		{"no name", "description: b\nflow: [{document: d, actions: [{type: X}]}]\nassertions: [{type: trace_count, action: X}]\n", "name is required"},
		{"empty flow", "name: a\ndescription: b\nflow: []\nassertions: [{type: trace_count, action: X}]\n", "flow list"},
		{"no document", "name: a\ndescription: b\nflow: [{actions: [{type: X}]}]\nassertions: [{type: trace_count, action: X}]\n", "flow[0]: document is required"},
		{"bad status", "name: a\ndescription: b\nflow: [{document: d, actions: [{type: X}], expect: {status: DONE}}]\nassertions: [{type: trace_count, action: X}]\n", "expect.status"},
		{"setup expect", "name: a\ndescription: b\nsetup: [{document: d, actions: [{type: X}], expect: {status: FAILED}}]\nflow: [{document: d, actions: [{type: X}]}]\nassertions: [{type: trace_count, action: X}]\n", "setup steps must complete"},
		{"unknown assertion", "name: a\ndescription: b\nflow: [{document: d, actions: [{type: X}]}]\nassertions: [{type: final_state}]\n", "unknown assertion type"},
		{"state without expect", "name: a\ndescription: b\nflow: [{document: d, actions: [{type: X}]}]\nassertions: [{type: state, document: d}]\n", "expect is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "scenario.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_DefaultsDocumentScope(t *testing.T) {
	s := loadFixture(t, "counter_increments")
	assert.Equal(t, "document", s.Setup[0].Actions[0].action().Scope)
	assert.Equal(t, "global", s.Flow[0].Actions[0].action().Scope)
}
