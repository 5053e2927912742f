// Package kv provides the key-value storage the reactor uses for keyframes
// and sync cursors.
//
// Every backend implements Store. Values are opaque bytes; callers own the
// encoding. Keys are plain strings and Keys(prefix) returns matches in
// lexical order.
//
// Backends:
//   - Memory: process-local, for tests and ephemeral reactors
//   - Bolt: single-file bbolt database
//   - SQL: any database/sql handle (SQLite or Postgres via pgx)
//   - Redis: shared cache across reactor processes
package kv

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store is a byte-oriented key-value store.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Keys returns every key starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Close releases backend resources.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Options selects and configures a backend for Open.
type Options struct {
	Driver      string
	BoltPath    string
	PostgresDSN string
	RedisAddr   string
	RedisPrefix string

	// SQLite is the already-open reactor database, shared with the
	// operation store when Driver is DriverSQLite.
	SQLite *sql.DB
}

// Open constructs the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverBolt:
		b, err := OpenBolt(opts.BoltPath)
		if err != nil {
			return nil, err
		}
		return b, nil
	case DriverSQLite:
		if opts.SQLite == nil {
			return nil, fmt.Errorf("kv: sqlite driver requires an open database")
		}
		s, err := NewSQL(ctx, opts.SQLite, DialectSQLite)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverRedis:
		r, err := NewRedis(ctx, opts.RedisAddr, opts.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("kv: unknown driver %q", opts.Driver)
	}
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Close() error { return nil }

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
