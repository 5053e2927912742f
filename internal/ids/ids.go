// Package ids generates job, batch and sync operation ids.
package ids

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique ids.
// Implemented by UUIDv7 (production) and Fixed and Sequence (tests).
type Generator interface {
	Generate() string
}

// UUIDv7 generates time-sortable UUIDv7 ids, so job ids sort by
// submission time in logs and storage.
//
// Safe for concurrent use.
type UUIDv7 struct{}

// Generate returns a hyphenated UUIDv7. It panics if the system random
// source fails.
func (UUIDv7) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Fixed returns predetermined ids in order.
type Fixed struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixed creates a generator that returns ids in order.
func NewFixed(ids ...string) *Fixed {
	return &Fixed{ids: ids}
}

// Generate returns the next id. It panics once every id was used, so a
// test that creates more jobs than it expects fails loudly.
func (g *Fixed) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("ids: all fixed ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Sequence returns "prefix-1", "prefix-2", ...
type Sequence struct {
	prefix string
	n      atomic.Int64
}

// NewSequence creates a sequence. An empty prefix becomes "id".
func NewSequence(prefix string) *Sequence {
	if prefix == "" {
		prefix = "id"
	}
	return &Sequence{prefix: prefix}
}

// Generate returns the next id.
func (s *Sequence) Generate() string {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1))
}
