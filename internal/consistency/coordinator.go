// Package consistency implements read-after-write for the reactor.
//
// A job that writes operations yields a Token naming the stream revisions
// it produced. Read models index those operations and advance their
// progress; WaitFor blocks a reader until every registered read model has
// caught up with a token.
package consistency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/eventbus"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// DefaultTimeout bounds WaitFor when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ReadModel is an index fed with every durable operation.
type ReadModel interface {
	Name() string
	Index(ctx context.Context, ops []model.OperationWithContext) error
}

// Coordinator owns the read models of one reactor and tracks how far each
// has indexed every stream. Safe for concurrent use.
type Coordinator struct {
	bus     *eventbus.Bus
	logger  *zap.Logger
	timeout time.Duration

	// indexMu serializes indexing so read models see operations in the
	// order jobs became write-ready.
	indexMu sync.Mutex

	mu       sync.Mutex
	models   []ReadModel
	progress map[string]map[model.StreamKey]int
	changed  chan struct{} // closed and replaced on every advance

	unsubscribe func()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the longest WaitFor may block. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates a coordinator. Call Start to begin indexing.
func New(bus *eventbus.Bus, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:      bus,
		logger:   zap.NewNop(),
		timeout:  DefaultTimeout,
		progress: make(map[string]map[model.StreamKey]int),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a read model. Names are unique.
func (c *Coordinator) Register(rm ReadModel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.models {
		if m.Name() == rm.Name() {
			return errs.Duplicate("read model %s already registered", rm.Name())
		}
	}
	c.models = append(c.models, rm)
	c.progress[rm.Name()] = make(map[model.StreamKey]int)
	c.broadcastLocked()
	return nil
}

// Unregister removes a read model and reports whether it was registered.
// Waiters blocked only on that model are released.
func (c *Coordinator) Unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.models {
		if m.Name() == name {
			c.models = append(c.models[:i], c.models[i+1:]...)
			delete(c.progress, name)
			c.broadcastLocked()
			return true
		}
	}
	return false
}

// Clear removes every read model.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = nil
	c.progress = make(map[string]map[model.StreamKey]int)
	c.broadcastLocked()
}

// ReadModels returns the registered names in registration order.
func (c *Coordinator) ReadModels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.models))
	for i, m := range c.models {
		names[i] = m.Name()
	}
	return names
}

// Progress returns the revision read model name has indexed for stream.
func (c *Coordinator) Progress(name string, stream model.StreamKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress[name][stream]
}

// Satisfied reports whether every read model has caught up with token.
func (c *Coordinator) Satisfied(token Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.satisfiedLocked(token)
}

func (c *Coordinator) satisfiedLocked(token Token) bool {
	for _, m := range c.models {
		p := c.progress[m.Name()]
		for _, coord := range token.Coordinates {
			if p[coord.Stream()] < coord.Revision {
				return false
			}
		}
	}
	return true
}

// WaitFor blocks until every read model has caught up with token. It
// returns immediately when they already have. A TIMEOUT error is returned
// when the configured timeout elapses and an ABORTED error wrapping the
// context error when ctx is done first.
func (c *Coordinator) WaitFor(ctx context.Context, token Token) error {
	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		c.mu.Lock()
		if c.satisfiedLocked(token) {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return errs.Aborted(ctx.Err(), "consistency wait aborted")
		case <-timeout:
			return errs.Timeout("consistency wait exceeded %s", c.timeout)
		}
	}
}

// advance records that read model name indexed ops.
func (c *Coordinator) advance(name string, ops []model.OperationWithContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.progress[name]
	if !ok {
		return
	}
	for _, op := range ops {
		key := op.Context.Stream()
		if rev := op.Operation.Index + 1; rev > p[key] {
			p[key] = rev
		}
	}
	c.broadcastLocked()
}

func (c *Coordinator) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Start subscribes to JOB_WRITE_READY.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		return
	}
	c.unsubscribe = c.bus.Subscribe(eventbus.JobWriteReady, c.handleWriteReady)
}

// Stop unsubscribes. Indexing already in progress completes.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (c *Coordinator) handleWriteReady(ctx context.Context, _ eventbus.EventType, payload any) error {
	event, ok := payload.(eventbus.JobWriteReadyEvent)
	if !ok {
		return errs.Validation("unexpected JOB_WRITE_READY payload %T", payload)
	}
	if err := c.Index(ctx, event.Operations); err != nil {
		return err
	}
	return c.bus.Emit(ctx, eventbus.JobReadReady, eventbus.JobReadReadyEvent{
		JobID:      event.JobID,
		Operations: event.Operations,
	})
}

// Index feeds ops to every read model in registration order and advances
// their progress. A read model that fails keeps its previous progress.
func (c *Coordinator) Index(ctx context.Context, ops []model.OperationWithContext) error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	c.mu.Lock()
	models := append([]ReadModel(nil), c.models...)
	c.mu.Unlock()

	var firstErr error
	for _, m := range models {
		if err := m.Index(ctx, ops); err != nil {
			c.logger.Error("read model indexing failed",
				zap.String("read_model", m.Name()),
				zap.Int("operations", len(ops)),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.advance(m.Name(), ops)
	}
	return firstErr
}
