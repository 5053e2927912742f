package syncing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/kv"
)

const cursorPrefix = "cursor:"

// Cursor records how far a remote has acknowledged the local history.
type Cursor struct {
	RemoteName        string `json:"remoteName"`
	CursorOrdinal     int64  `json:"cursorOrdinal"`
	LastSyncedAtUtcMs int64  `json:"lastSyncedAtUtcMs"`
}

// CursorStorage persists one Cursor per remote in a key-value store under
// "cursor:{remoteName}".
type CursorStorage struct {
	kv kv.Store
}

// NewCursorStorage creates cursor storage over store.
func NewCursorStorage(store kv.Store) *CursorStorage {
	return &CursorStorage{kv: store}
}

// CursorKey returns the key the cursor of remote is stored under.
func CursorKey(remote string) string {
	return cursorPrefix + remote
}

// Get returns the cursor of remote, or a zero cursor when none is stored.
func (s *CursorStorage) Get(ctx context.Context, remote string) (Cursor, error) {
	data, ok, err := s.kv.Get(ctx, CursorKey(remote))
	if err != nil {
		return Cursor{}, fmt.Errorf("read cursor %s: %w", remote, err)
	}
	if !ok {
		return Cursor{RemoteName: remote}, nil
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor %s: %w", remote, err)
	}
	return c, nil
}

// Put stores c.
func (s *CursorStorage) Put(ctx context.Context, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor %s: %w", c.RemoteName, err)
	}
	if err := s.kv.Put(ctx, CursorKey(c.RemoteName), data); err != nil {
		return fmt.Errorf("write cursor %s: %w", c.RemoteName, err)
	}
	return nil
}

// List returns every stored cursor ordered by remote name.
func (s *CursorStorage) List(ctx context.Context) ([]Cursor, error) {
	keys, err := s.kv.Keys(ctx, cursorPrefix)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	out := make([]Cursor, 0, len(keys))
	for _, key := range keys {
		c, err := s.Get(ctx, strings.TrimPrefix(key, cursorPrefix))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
