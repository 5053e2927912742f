package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// Snapshot renders the trace of result as canonical JSON. Equal runs give
// byte-identical snapshots.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		m := map[string]any{
			"type":     ev.Type,
			"step":     ev.Step,
			"document": ev.Document,
			"job_id":   ev.JobID,
		}
		if ev.Branch != "" {
			m["branch"] = ev.Branch
		}
		if len(ev.Actions) > 0 {
			m["actions"] = ev.Actions
		}
		if ev.Status != "" {
			m["status"] = ev.Status
		}
		if ev.Error != "" {
			m["error"] = ev.Error
		}
		if len(ev.Revisions) > 0 {
			m["revisions"] = ev.Revisions
		}
		trace[i] = m
	}
	return model.MarshalCanonical(map[string]any{
		"scenario_name": scenarioName,
		"trace":         trace,
	})
}

// RunWithGolden runs scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the trace of an existing result against a golden
// file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
