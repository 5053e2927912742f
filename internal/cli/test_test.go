package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/registry"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/testutil"
)

const passingScenario = `name: increments
description: "one increment"
setup:
  - document: doc-1
    actions:
      - {type: CREATE_DOCUMENT, input: {model: powerhouse/counter}}
flow:
  - document: doc-1
    actions:
      - {type: INCREMENT, input: {by: 2}}
assertions:
  - type: state
    document: doc-1
    expect: {count: 2}
`

const failingScenario = `name: wrong_count
description: "asserts a count that is never reached"
setup:
  - document: doc-1
    actions:
      - {type: CREATE_DOCUMENT, input: {model: powerhouse/counter}}
flow:
  - document: doc-1
    actions:
      - {type: INCREMENT, input: {by: 2}}
assertions:
  - type: state
    document: doc-1
    expect: {count: 3}
`

func writeScenarios(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func runTestCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format, Modules: []registry.Module{testutil.CounterModule()}})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommand_Passes(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"increments.yaml": passingScenario, "notes.txt": "ignored"})

	out, err := runTestCommand(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ increments")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommand_Failures(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"increments.yaml":  passingScenario,
		"wrong_count.yaml": failingScenario,
		"broken.yaml":      "name: [",
	})

	out, err := runTestCommand(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 3, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 2, resp.Data.Failed)

	byName := map[string]ScenarioResult{}
	for _, s := range resp.Data.Scenarios {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "wrong_count")
	assert.Contains(t, byName["wrong_count"].Errors[0], "Assertion failed: state")
	require.Contains(t, byName, "broken.yaml")
	assert.Contains(t, byName["broken.yaml"].Errors[0], "failed to load scenario")
}

func TestTestCommand_GoldenUpdateAndCompare(t *testing.T) {
	dir := writeScenarios(t, map[string]string{"increments.yaml": passingScenario})

	_, err := runTestCommand(t, "text", dir, "--update")
	require.NoError(t, err)
	golden := filepath.Join(dir, "golden", "increments.golden")
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name":"increments"`)

	_, err = runTestCommand(t, "text", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("{}"), 0o600))
	out, err := runTestCommand(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommand_Filter(t *testing.T) {
	dir := writeScenarios(t, map[string]string{
		"increments.yaml":  passingScenario,
		"wrong_count.yaml": failingScenario,
	})

	out, err := runTestCommand(t, "text", dir, "--filter", "incr*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 total")
}

func TestTestCommand_MissingDirectory(t *testing.T) {
	_, err := runTestCommand(t, "text", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
