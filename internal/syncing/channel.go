package syncing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Channel connects the local reactor to one remote.
type Channel interface {
	// Outbox holds operations waiting for the remote's acknowledgement.
	Outbox() *Mailbox
	// Inbox holds operations received from the remote.
	Inbox() *Mailbox
	// DeadLetter holds inbox entries that failed to load.
	DeadLetter() *Mailbox
	// UpdateCursor persists ordinal as acknowledged and retires every
	// outbox entry at or below it.
	UpdateCursor(ctx context.Context, ordinal int64) error
	// Acknowledge tells the remote that op was applied locally.
	Acknowledge(ctx context.Context, op SyncOperation) error
	// Shutdown releases the transport.
	Shutdown(ctx context.Context) error
}

// ChannelOption configures a channel.
type ChannelOption func(*endpoint)

// WithChannelLogger sets the logger.
func WithChannelLogger(l *zap.Logger) ChannelOption {
	return func(e *endpoint) {
		e.logger = l
	}
}

// WithChannelClock sets the time source for cursor timestamps.
func WithChannelClock(now func() time.Time) ChannelOption {
	return func(e *endpoint) {
		e.now = now
	}
}

// endpoint is the transport-independent half of a channel.
type endpoint struct {
	remote  string
	outbox  *Mailbox
	inbox   *Mailbox
	dead    *Mailbox
	cursors *CursorStorage
	logger  *zap.Logger
	now     func() time.Time

	cursorMu sync.Mutex
}

func newEndpoint(remote string, cursors *CursorStorage, opts []ChannelOption) *endpoint {
	e := &endpoint{
		remote:  remote,
		outbox:  NewMailbox(),
		inbox:   NewMailbox(),
		dead:    NewMailbox(),
		cursors: cursors,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("remote", remote))
	return e
}

func (e *endpoint) Outbox() *Mailbox     { return e.outbox }
func (e *endpoint) Inbox() *Mailbox      { return e.inbox }
func (e *endpoint) DeadLetter() *Mailbox { return e.dead }

// UpdateCursor never moves the stored cursor backwards.
func (e *endpoint) UpdateCursor(ctx context.Context, ordinal int64) error {
	e.cursorMu.Lock()
	defer e.cursorMu.Unlock()

	if e.cursors != nil {
		current, err := e.cursors.Get(ctx, e.remote)
		if err != nil {
			return err
		}
		if ordinal > current.CursorOrdinal {
			err := e.cursors.Put(ctx, Cursor{
				RemoteName:        e.remote,
				CursorOrdinal:     ordinal,
				LastSyncedAtUtcMs: e.now().UnixMilli(),
			})
			if err != nil {
				return err
			}
		}
	}

	var retired []string
	for _, op := range e.outbox.Items() {
		if op.Ordinal() <= ordinal {
			e.outbox.SetStatus(op.ID, StatusApplied, "")
			retired = append(retired, op.ID)
		}
	}
	e.outbox.Remove(retired...)
	e.logger.Debug("cursor updated", zap.Int64("ordinal", ordinal), zap.Int("retired", len(retired)))
	return nil
}

// Cursor returns the persisted cursor.
func (e *endpoint) Cursor(ctx context.Context) (Cursor, error) {
	if e.cursors == nil {
		return Cursor{RemoteName: e.remote}, nil
	}
	return e.cursors.Get(ctx, e.remote)
}

// receive files an envelope sent by the remote into the inbox.
func (e *endpoint) receive(op SyncOperation) {
	op.RemoteName = e.remote
	op.Status = StatusExecutionPending
	op.Error = ""
	e.inbox.Add(op)
}
