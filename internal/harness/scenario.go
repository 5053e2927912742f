package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/jobs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// Scenario is one harness run.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Setup steps run before the flow and must complete.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow steps are checked against their expect clauses.
	Flow []Step `yaml:"flow"`

	// Assertions validate documents and the trace after the flow.
	Assertions []Assertion `yaml:"assertions"`
}

// Step submits actions to one document as a single job.
type Step struct {
	Document string        `yaml:"document"`
	Branch   string        `yaml:"branch,omitempty"`
	Actions  []ActionSpec  `yaml:"actions"`
	Expect   *ExpectClause `yaml:"expect,omitempty"`
}

// ActionSpec is an action as written in a scenario. Ids and timestamps are
// assigned by the harness.
type ActionSpec struct {
	Type  string         `yaml:"type"`
	Scope string         `yaml:"scope,omitempty"`
	Input map[string]any `yaml:"input,omitempty"`
}

// ExpectClause is the expected outcome of a step's job.
type ExpectClause struct {
	// Status is the terminal job status, COMPLETED or FAILED.
	Status string `yaml:"status"`

	// Error is a substring the job error must contain.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates documents or the trace.
type Assertion struct {
	Type string `yaml:"type"`

	Document string `yaml:"document,omitempty"`
	Scope    string `yaml:"scope,omitempty"`
	Branch   string `yaml:"branch,omitempty"`

	// Expect is the subset of scope state checked by state.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is used by operation_count and trace_count.
	Count int `yaml:"count,omitempty"`

	// Action is the action type counted by trace_count.
	Action string `yaml:"action,omitempty"`

	// Actions are the action types expected by operation_order.
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertState          = "state"
	AssertOperationCount = "operation_count"
	AssertOperationOrder = "operation_order"
	AssertTraceCount     = "trace_count"
)

func (s ActionSpec) action() model.Action {
	scope := s.Scope
	if scope == "" {
		scope = model.ScopeGlobal
		if s.Type == model.ActionCreateDocument || s.Type == model.ActionDeleteDocument {
			scope = model.ScopeDocument
		}
	}
	return model.Action{Type: s.Type, Scope: scope, Input: s.Input}
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos do not silently drop checks.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: expect is not allowed, setup steps must complete", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if step.Document == "" {
		return fmt.Errorf("document is required")
	}
	if len(step.Actions) == 0 {
		return fmt.Errorf("actions list is required and must be non-empty")
	}
	for i, a := range step.Actions {
		if a.Type == "" {
			return fmt.Errorf("actions[%d]: type is required", i)
		}
	}
	if step.Expect != nil {
		switch jobs.Status(step.Expect.Status) {
		case jobs.StatusCompleted, jobs.StatusFailed:
		default:
			return fmt.Errorf("expect.status must be %s or %s, got %q",
				jobs.StatusCompleted, jobs.StatusFailed, step.Expect.Status)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertState:
		if a.Document == "" {
			return fmt.Errorf("document is required for state")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for state")
		}
	case AssertOperationCount:
		if a.Document == "" {
			return fmt.Errorf("document is required for operation_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for operation_count")
		}
	case AssertOperationOrder:
		if a.Document == "" {
			return fmt.Errorf("document is required for operation_order")
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("action is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
