package syncing

import (
	"context"
	"sync"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
)

// InternalChannel connects two reactors in the same process. Outbox
// entries are delivered to the peer's inbox as soon as they are added.
type InternalChannel struct {
	*endpoint

	mu     sync.Mutex
	peer   *InternalChannel
	closed bool
	unsub  func()
}

// NewInternalChannel creates an unconnected channel to remote.
func NewInternalChannel(remote string, cursors *CursorStorage, opts ...ChannelOption) *InternalChannel {
	c := &InternalChannel{endpoint: newEndpoint(remote, cursors, opts)}
	c.unsub = c.outbox.OnAdded(c.send)
	return c
}

// ConnectInternal links a and b. a's outbox feeds b's inbox and the other
// way round.
func ConnectInternal(a, b *InternalChannel) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (c *InternalChannel) connected() (*InternalChannel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer, c.peer != nil && !c.closed
}

func (c *InternalChannel) send(ops []SyncOperation) {
	peer, ok := c.connected()
	if !ok {
		return
	}
	for _, op := range ops {
		c.outbox.SetStatus(op.ID, StatusTransportPending, "")
		peer.receive(op)
	}
}

// Acknowledge moves the peer's cursor past op.
func (c *InternalChannel) Acknowledge(ctx context.Context, op SyncOperation) error {
	peer, ok := c.connected()
	if !ok {
		return errs.NotFound("internal channel %s is not connected", c.remote)
	}
	return peer.UpdateCursor(ctx, op.Ordinal())
}

// Shutdown disconnects the channel. Pending outbox entries stay put.
func (c *InternalChannel) Shutdown(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.unsub()
	return nil
}
