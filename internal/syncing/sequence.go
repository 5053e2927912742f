package syncing

import "sync/atomic"

// sequence is a monotonic counter stamping mailbox insertions, so Items
// reports entries in the order they were added.
type sequence struct {
	n atomic.Int64
}

// next returns a unique, increasing value.
func (s *sequence) next() int64 {
	return s.n.Add(1)
}
