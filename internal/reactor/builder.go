package reactor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/batch"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/cache"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/consistency"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/eventbus"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/executor"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/ids"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/jobs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/kv"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/queue"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/readmodel"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/registry"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/store"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/syncing"
)

// Config sizes and locates the components Build wires.
type Config struct {
	// Executors is the number of jobs run concurrently.
	Executors int
	// MaxRetries is the retry budget of every submitted job.
	MaxRetries int
	// ConsistencyTimeout bounds reads that wait for a token.
	ConsistencyTimeout time.Duration
	Cache              cache.Config
	// SQLitePath locates the operation store. ":memory:" keeps it in
	// memory.
	SQLitePath string
	KV         kv.Options
}

// DefaultConfig returns an in-memory reactor with four executors.
func DefaultConfig() Config {
	return Config{
		Executors:          4,
		MaxRetries:         queue.DefaultMaxRetries,
		ConsistencyTimeout: consistency.DefaultTimeout,
		Cache:              cache.DefaultConfig(),
		SQLitePath:         ":memory:",
		KV:                 kv.Options{Driver: kv.DriverMemory},
	}
}

type options struct {
	logger    *zap.Logger
	modules   []registry.Module
	resolver  registry.Resolver
	kv        kv.Store
	ids       ids.Generator
	now       func() time.Time
	executors []executor.Executor
}

// Option configures Build.
type Option func(*options)

// WithLogger sets the logger every component logs through.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithModules registers document models up front.
func WithModules(modules ...registry.Module) Option {
	return func(o *options) {
		o.modules = append(o.modules, modules...)
	}
}

// WithResolver sets where unknown document models are loaded from.
func WithResolver(r registry.Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithKV uses store instead of opening Config.KV. The caller keeps
// ownership of store.
func WithKV(store kv.Store) Option {
	return func(o *options) {
		o.kv = store
	}
}

// WithIDs sets the job and batch id generator.
func WithIDs(g ids.Generator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithExecutors replaces the default executors.
func WithExecutors(executors ...executor.Executor) Option {
	return func(o *options) {
		o.executors = append(o.executors, executors...)
	}
}

// Build opens storage and wires every component. The reactor owns what it
// opened and releases it on Shutdown.
func Build(ctx context.Context, cfg Config, opts ...Option) (_ *Reactor, err error) {
	o := options{
		logger: zap.NewNop(),
		ids:    ids.UUIDv7{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Executors <= 0 {
		cfg.Executors = 1
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = ":memory:"
	}
	log := o.logger

	r := &Reactor{ids: o.ids, now: o.now, logger: log.Named("reactor")}
	defer func() {
		if err != nil {
			for i := len(r.closers) - 1; i >= 0; i-- {
				r.closers[i]()
			}
		}
	}()

	r.store, err = store.Open(cfg.SQLitePath, store.WithLogger(log.Named("store")))
	if err != nil {
		return nil, fmt.Errorf("open operation store: %w", err)
	}
	r.closers = append(r.closers, r.store.Close)

	r.kv = o.kv
	if r.kv == nil {
		kvOpts := cfg.KV
		if kvOpts.Driver == kv.DriverSQLite && kvOpts.SQLite == nil {
			kvOpts.SQLite = r.store.DB()
		}
		r.kv, err = kv.Open(ctx, kvOpts)
		if err != nil {
			return nil, fmt.Errorf("open key-value store: %w", err)
		}
		if kvOpts.Driver != kv.DriverSQLite {
			r.closers = append(r.closers, r.kv.Close)
		}
	}

	regOpts := []registry.Option{registry.WithLogger(log.Named("registry"))}
	if o.resolver != nil {
		regOpts = append(regOpts, registry.WithResolver(o.resolver))
	}
	r.registry = registry.New(regOpts...)
	for _, m := range o.modules {
		if err = r.registry.Register(m); err != nil {
			return nil, err
		}
	}

	r.bus = eventbus.New(eventbus.WithLogger(log.Named("bus")))
	r.cache = cache.New(r.store, r.kv, r.registry, cfg.Cache, cache.WithLogger(log.Named("cache")))
	r.queue = queue.New(r.bus,
		queue.WithLogger(log.Named("queue")),
		queue.WithModelGate(r.registry.Load))

	r.coordinator = consistency.New(r.bus,
		consistency.WithTimeout(cfg.ConsistencyTimeout),
		consistency.WithLogger(log.Named("consistency")))
	r.view = readmodel.NewDocumentView(r.store, r.cache, readmodel.WithLogger(log.Named("readmodel")))
	if err = r.coordinator.Register(r.view); err != nil {
		return nil, err
	}

	r.tracker = jobs.New(r.bus,
		jobs.WithLogger(log.Named("jobs")),
		jobs.WithClock(o.now),
		jobs.WithReadiness(r.coordinator.Satisfied))

	executors := o.executors
	if len(executors) == 0 {
		for i := 0; i < cfg.Executors; i++ {
			executors = append(executors, executor.NewDefault(r.store, r.cache, r.registry,
				executor.WithLogger(log.Named("executor")),
				executor.WithClock(o.now)))
		}
	}
	r.executors, err = executor.NewManager(r.queue, r.bus, executors,
		executor.WithManagerLogger(log.Named("executor")),
		executor.WithModelLoader(r.registry),
		executor.WithOnComplete(func(job *queue.Job) { r.tracker.Complete(job.ID) }))
	if err != nil {
		return nil, err
	}

	r.aggregator = batch.New(func(ctx context.Context, b eventbus.BatchReadyEvent) error {
		return r.bus.Emit(ctx, eventbus.BatchReady, b)
	}, batch.WithLogger(log.Named("batch")))

	r.sync = syncing.New(r.bus, r,
		syncing.WithLogger(log.Named("sync")),
		syncing.WithIDs(o.ids),
		syncing.WithBackfill(r.store, r.collections))

	r.maxRetries = cfg.MaxRetries
	return r, nil
}

// collections returns the collections a document belongs to, from the
// document view.
func (r *Reactor) collections(ctx context.Context, documentID, branch string) ([]string, error) {
	doc, err := r.store.GetSnapshot(ctx, documentID, branch)
	if errs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Header.Collections, nil
}

// CursorStorage returns cursor storage over the reactor's key-value store.
func (r *Reactor) CursorStorage() *syncing.CursorStorage {
	return syncing.NewCursorStorage(r.kv)
}
