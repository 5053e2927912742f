package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// marshalAction serializes an action to canonical JSON so identical
// actions are stored byte-identically.
func marshalAction(a model.Action) (string, error) {
	obj := map[string]any{
		"id":             a.ID,
		"type":           a.Type,
		"scope":          a.Scope,
		"timestampUtcMs": a.TimestampUtcMs,
	}
	if a.Input != nil {
		obj["input"] = a.Input
	}
	data, err := model.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal action: %w", err)
	}
	return string(data), nil
}

func unmarshalAction(data string) (model.Action, error) {
	var a model.Action
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return model.Action{}, fmt.Errorf("unmarshal action: %w", err)
	}
	return a, nil
}

func marshalJSON(v any, what string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", what, err)
	}
	return string(data), nil
}

func unmarshalJSON(data string, v any, what string) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return nil
}

// Collections are stored delimited on both ends ("|a|b|") so membership
// is a single LIKE '%|id|%' test.
func encodeCollections(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return "|" + strings.Join(ids, "|") + "|"
}
