// Package eventbus is the publish/subscribe backbone of the reactor.
//
// Emit runs every subscriber of an event type in its own goroutine and
// returns only once all of them settled. Failures never short-circuit the
// others: they are collected into an *EmitError after the last subscriber
// finished.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Handler receives an emitted event. A returned error (or panic) is
// reported to the emitter.
type Handler func(ctx context.Context, eventType EventType, payload any) error

type subscription struct {
	id      int64
	handler Handler
}

// Bus is a typed event bus. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID int64
	logger *zap.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for subscriber failures.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[EventType][]subscription),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for eventType and returns a function that
// removes it. Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}
}

func (b *Bus) unsubscribe(eventType EventType, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[eventType]
	for i, s := range subs {
		if s.id == id {
			// Copy so in-flight emits iterating the old slice are unaffected.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, eventType)
			} else {
				b.subs[eventType] = next
			}
			return
		}
	}
}

// SubscriberCount returns the number of handlers for eventType.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Emit delivers payload to every current subscriber of eventType and waits
// for all of them. The subscriber set is captured when Emit is called.
func (b *Bus) Emit(ctx context.Context, eventType EventType, payload any) error {
	b.mu.RLock()
	subs := b.subs[eventType]
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for i, s := range subs {
		go func(i int, h Handler) {
			defer wg.Done()
			errs[i] = invoke(ctx, h, eventType, payload)
		}(i, s.handler)
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	b.logger.Warn("event subscribers failed",
		zap.String("event", string(eventType)),
		zap.Int("failed", len(failed)),
		zap.Int("subscribers", len(subs)))
	return &EmitError{Type: eventType, Errors: failed}
}

func invoke(ctx context.Context, h Handler, eventType EventType, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic on %s: %v", eventType, r)
		}
	}()
	return h(ctx, eventType, payload)
}

// EmitError aggregates the failures of one Emit call.
type EmitError struct {
	Type   EventType
	Errors []error
}

func (e *EmitError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d subscriber(s) failed for %s: %s", len(e.Errors), e.Type, strings.Join(msgs, "; "))
}

// Unwrap exposes every subscriber error to errors.Is and errors.As.
func (e *EmitError) Unwrap() []error {
	return e.Errors
}
