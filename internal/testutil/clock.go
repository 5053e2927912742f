package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a thread-safe clock for tests. Every call to Now
// advances it by one millisecond, so timestamps are unique and ordered.
//
// Pass clock.Now wherever a component accepts a time source.
type DeterministicClock struct {
	mu   sync.Mutex
	base int64
	seq  int64
}

// NewDeterministicClock creates a clock whose first Now is baseUtcMs+1.
func NewDeterministicClock(baseUtcMs int64) *DeterministicClock {
	return &DeterministicClock{base: baseUtcMs}
}

// Now advances the clock and returns the new time.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return time.UnixMilli(c.base + c.seq).UTC()
}

// Current returns the last returned time without advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(c.base + c.seq).UTC()
}

// Reset rewinds the clock to its base.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
