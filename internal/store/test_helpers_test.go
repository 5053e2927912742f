package store

import (
	"path/filepath"
	"testing"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// createTestStore opens a store in a temporary directory and closes it
// when the test ends.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOperation builds operation index of stream with a derived id.
func createTestOperation(stream model.StreamKey, actionType string, index, skip int) model.Operation {
	action := model.Action{
		ID:             actionType + "-" + string(rune('a'+index)),
		Type:           actionType,
		Scope:          stream.Scope,
		TimestampUtcMs: int64(1000 + index),
		Input:          map[string]any{"n": index},
	}
	return model.Operation{
		ID:             model.MustOperationID(stream, index, skip, action),
		Index:          index,
		Skip:           skip,
		Hash:           "hash",
		TimestampUtcMs: action.TimestampUtcMs,
		Action:         action,
	}
}
