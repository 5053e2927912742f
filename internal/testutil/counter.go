// Package testutil provides deterministic helpers and a small counter
// document model shared by package tests.
package testutil

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/registry"
)

// CounterType is the document type of the counter model.
const CounterType = "powerhouse/counter"

// CounterSchema validates counter action inputs.
const CounterSchema = `
action: {
	INCREMENT: { by: number & >0 }
	DECREMENT: { by: number & >0 }
	RESET:     {}
	SET_LABEL: { label: string & !="" }
	FAIL:      { message?: string }
	FLAKY:     {}
}
`

// CounterModule returns the counter model. FLAKY actions always succeed.
func CounterModule() registry.Module {
	m, _ := FlakyCounterModule(0)
	return m
}

// FlakyCounterModule returns the counter model whose FLAKY action fails the
// first failures times it is applied. The returned counter reports how
// many FLAKY applications were attempted.
func FlakyCounterModule(failures int32) (registry.Module, *atomic.Int32) {
	attempts := &atomic.Int32{}
	reducer := registry.ReducerFunc(func(state map[string]any, action model.Action) (map[string]any, error) {
		switch action.Type {
		case "INCREMENT":
			state["count"] = Count(state) + number(action.Input["by"])
		case "DECREMENT":
			state["count"] = Count(state) - number(action.Input["by"])
		case "RESET":
			state["count"] = 0
		case "SET_LABEL":
			state["label"] = action.Input["label"]
		case "FAIL":
			msg, _ := action.Input["message"].(string)
			if msg == "" {
				msg = "counter failure"
			}
			return nil, errors.New(msg)
		case "FLAKY":
			if n := attempts.Add(1); n <= failures {
				return nil, fmt.Errorf("flaky attempt %d", n)
			}
			state["count"] = Count(state) + 1
		default:
			return nil, errs.Validation("counter: unknown action %s", action.Type)
		}
		return state, nil
	})

	return registry.Module{
		DocumentType: CounterType,
		InitialState: map[string]map[string]any{
			model.ScopeGlobal: {"count": 0},
			model.ScopeLocal:  {},
		},
		Reducer: reducer,
		Schema:  CounterSchema,
	}, attempts
}

// Count reads the counter value from a scope state, tolerating the
// float64 values produced by JSON decoding.
func Count(state map[string]any) int {
	return number(state["count"])
}

func number(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case uint64:
		return int(n)
	default:
		return 0
	}
}

// Action builds a global-scope action with a deterministic id.
func Action(id, actionType string, timestampUtcMs int64, input map[string]any) model.Action {
	return model.Action{
		ID:             id,
		Type:           actionType,
		Scope:          model.ScopeGlobal,
		TimestampUtcMs: timestampUtcMs,
		Input:          input,
	}
}

// CreateDocumentAction builds the CREATE_DOCUMENT action for documentType.
func CreateDocumentAction(id, documentType string, timestampUtcMs int64, collections ...string) model.Action {
	input := map[string]any{"model": documentType}
	if len(collections) > 0 {
		list := make([]any, len(collections))
		for i, c := range collections {
			list[i] = c
		}
		input["collections"] = list
	}
	return model.Action{
		ID:             id,
		Type:           model.ActionCreateDocument,
		Scope:          model.ScopeDocument,
		TimestampUtcMs: timestampUtcMs,
		Input:          input,
	}
}
