package harness

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/consistency"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/reactor"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/readmodel"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent // submissions are listed for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nSubmitted:\n")
		for _, event := range e.Trace {
			if event.Type == EventSubmitted {
				fmt.Fprintf(&buf, "  %s %s %s %v\n", event.Step, event.JobID, event.Document, event.Actions)
			}
		}
	}
	return buf.String()
}

// AssertionContext is what assertions read documents from.
type AssertionContext struct {
	Ctx     context.Context
	Reactor *reactor.Reactor
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertState:
			err = assertState(actx, a, result.Trace)
		case AssertOperationCount:
			err = assertOperationCount(actx, a, result.Trace)
		case AssertOperationOrder:
			err = assertOperationOrder(actx, a, result.Trace)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func scopeOf(a Assertion) string {
	if a.Scope == "" {
		return model.ScopeGlobal
	}
	return a.Scope
}

// assertState compares the expected fields of one scope state. Values are
// compared as canonical JSON so 2 and 2.0 are equal.
func assertState(actx *AssertionContext, a Assertion, trace []TraceEvent) error {
	scope := scopeOf(a)
	doc, err := actx.Reactor.Get(actx.Ctx, a.Document, a.Branch, readmodel.View{Scopes: []string{scope}}, consistency.Token{})
	if err != nil {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("document %s", a.Document),
			Actual:   fmt.Sprintf("read error: %v", err),
			Trace:    trace,
		}
	}
	state := doc.State[scope]

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		got, ok := state[k]
		if !ok {
			return &AssertionError{
				Type:     AssertState,
				Expected: fmt.Sprintf("%s.%s = %v", scope, k, a.Expect[k]),
				Actual:   "field missing",
				Trace:    trace,
			}
		}
		if !equalJSON(a.Expect[k], got) {
			return &AssertionError{
				Type:     AssertState,
				Expected: fmt.Sprintf("%s.%s = %v", scope, k, a.Expect[k]),
				Actual:   fmt.Sprintf("%v", got),
				Trace:    trace,
			}
		}
	}
	return nil
}

func equalJSON(want, got any) bool {
	w, err := model.MarshalCanonical(want)
	if err != nil {
		return false
	}
	g, err := model.MarshalCanonical(got)
	if err != nil {
		return false
	}
	return string(w) == string(g)
}

func (a Assertion) operationTypes(actx *AssertionContext) ([]string, error) {
	ops, err := actx.Reactor.Operations(actx.Ctx, a.Document, scopeOf(a), a.Branch)
	if err != nil {
		return nil, err
	}
	types := make([]string, len(ops))
	for i, op := range ops {
		types[i] = op.Action.Type
	}
	return types, nil
}

func assertOperationCount(actx *AssertionContext, a Assertion, trace []TraceEvent) error {
	types, err := a.operationTypes(actx)
	if err != nil {
		return fmt.Errorf("read operations of %s: %w", a.Document, err)
	}
	if len(types) != a.Count {
		return &AssertionError{
			Type:     AssertOperationCount,
			Expected: fmt.Sprintf("%d %s operations on %s", a.Count, scopeOf(a), a.Document),
			Actual:   fmt.Sprintf("%d operations %v", len(types), types),
			Trace:    trace,
		}
	}
	return nil
}

func assertOperationOrder(actx *AssertionContext, a Assertion, trace []TraceEvent) error {
	types, err := a.operationTypes(actx)
	if err != nil {
		return fmt.Errorf("read operations of %s: %w", a.Document, err)
	}
	want := a.Actions
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(types, want) {
		return &AssertionError{
			Type:     AssertOperationOrder,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", types),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceCount counts submitted actions of one type.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type != EventSubmitted {
			continue
		}
		for _, t := range event.Actions {
			if t == a.Action {
				count++
			}
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d submissions of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d submissions", count),
			Trace:    trace,
		}
	}
	return nil
}
