package syncing

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/eventbus"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/ids"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/jobs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// MetaSyncOperationID is the JobMeta.Extra key naming the inbox entry a
// load job came from.
const MetaSyncOperationID = "syncOperationId"

// backfillPage is the number of operations read per backfill query.
const backfillPage = 500

// Loader applies remote operations locally. It is implemented by the
// reactor.
type Loader interface {
	Load(ctx context.Context, documentID, branch string, ops []model.Operation, meta model.JobMeta) (jobs.Info, error)
	WaitForJob(ctx context.Context, jobID string) (jobs.Info, error)
}

// History lists locally written operations after an ordinal.
type History interface {
	OperationsSince(ctx context.Context, ordinal int64, limit int) ([]model.OperationWithContext, error)
}

// CollectionLookup returns the collections a document belongs to.
type CollectionLookup func(ctx context.Context, documentID, branch string) ([]string, error)

// Filter selects what is sent to a remote. Empty fields match everything.
type Filter struct {
	DocumentIDs []string `mapstructure:"document_ids" yaml:"documentIds"`
	Scopes      []string `mapstructure:"scopes" yaml:"scopes"`
	Branches    []string `mapstructure:"branches" yaml:"branches"`
	Collections []string `mapstructure:"collections" yaml:"collections"`
}

func matches(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func (f Filter) matchesDocument(documentID, branch string, collections []string) bool {
	if !matches(f.DocumentIDs, documentID) || !matches(f.Branches, branch) {
		return false
	}
	if len(f.Collections) == 0 {
		return true
	}
	for _, c := range collections {
		if matches(f.Collections, c) {
			return true
		}
	}
	return false
}

// Remote is a registered peer.
type Remote struct {
	Name    string
	Channel Channel
	Filter  Filter
}

type remoteState struct {
	Remote

	signal  chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	unsub   func()
}

func (r *remoteState) notify() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Manager routes locally written operations to remotes and loads the
// operations remotes send.
type Manager struct {
	bus         *eventbus.Bus
	loader      Loader
	ids         ids.Generator
	history     History
	collections CollectionLookup
	logger      *zap.Logger

	mu          sync.Mutex
	remotes     map[string]*remoteState
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithIDs sets the generator for SyncOperation ids.
func WithIDs(g ids.Generator) Option {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithBackfill makes Add queue every operation after the remote's cursor.
// lookup resolves collection filters and may be nil.
func WithBackfill(h History, lookup CollectionLookup) Option {
	return func(m *Manager) {
		m.history = h
		m.collections = lookup
	}
}

// New creates a manager.
func New(bus *eventbus.Bus, loader Loader, opts ...Option) *Manager {
	m := &Manager{
		bus:     bus,
		loader:  loader,
		ids:     ids.UUIDv7{},
		logger:  zap.NewNop(),
		remotes: make(map[string]*remoteState),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to BATCH_READY.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		return
	}
	m.unsubscribe = m.bus.Subscribe(eventbus.BatchReady, func(ctx context.Context, _ eventbus.EventType, payload any) error {
		ev, ok := payload.(eventbus.BatchReadyEvent)
		if !ok {
			return nil
		}
		m.fanOut(ev)
		return nil
	})
}

// Stop unsubscribes, stops every inbox worker and shuts every channel
// down.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	remotes := make([]*remoteState, 0, len(m.remotes))
	for _, r := range m.remotes {
		remotes = append(remotes, r)
	}
	m.remotes = make(map[string]*remoteState)
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.cancel()
	var firstErr error
	for _, r := range remotes {
		if err := m.shutdown(ctx, r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Add registers a remote and starts loading its inbox. Names are unique.
func (m *Manager) Add(ctx context.Context, name string, ch Channel, filter Filter) error {
	if name == "" {
		return errs.Validation("remote has no name")
	}
	if ch == nil {
		return errs.Validation("remote %s has no channel", name)
	}
	r := &remoteState{
		Remote:  Remote{Name: name, Channel: ch, Filter: filter},
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.remotes[name]; ok {
		m.mu.Unlock()
		return errs.Duplicate("remote %s already exists", name)
	}
	m.remotes[name] = r
	m.mu.Unlock()

	r.unsub = ch.Inbox().OnAdded(func([]SyncOperation) { r.notify() })
	go m.drainInbox(r)
	r.notify()

	m.logger.Info("remote added", zap.String("remote", name))
	if m.history != nil {
		if err := m.backfill(ctx, r); err != nil {
			m.logger.Warn("remote backfill failed", zap.String("remote", name), zap.Error(err))
		}
	}
	return nil
}

// Remove unregisters a remote and shuts its channel down.
func (m *Manager) Remove(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	r, ok := m.remotes[name]
	delete(m.remotes, name)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	m.logger.Info("remote removed", zap.String("remote", name))
	return true, m.shutdown(ctx, r)
}

func (m *Manager) shutdown(ctx context.Context, r *remoteState) error {
	r.unsub()
	close(r.stop)
	select {
	case <-r.stopped:
	case <-ctx.Done():
		return errs.Aborted(ctx.Err(), "stop inbox of %s", r.Name)
	}
	return r.Channel.Shutdown(ctx)
}

// Get returns the remote called name.
func (m *Manager) Get(name string) (Remote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.remotes[name]
	if !ok {
		return Remote{}, false
	}
	return r.Remote, true
}

// List returns the remote names, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.remotes))
	for name := range m.remotes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() []*remoteState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*remoteState, 0, len(m.remotes))
	for _, r := range m.remotes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type docBranch struct {
	documentID string
	branch     string
}

// envelopes groups ops per document branch, keeping first-appearance
// order, and drops what filter rejects.
func (m *Manager) envelopes(remote string, filter Filter, ops []model.OperationWithContext, collections func(documentID, branch string) []string) []SyncOperation {
	var order []docBranch
	groups := make(map[docBranch][]model.OperationWithContext)
	for _, op := range ops {
		key := docBranch{documentID: op.Context.DocumentID, branch: op.Context.Branch}
		if key.branch == "" {
			key.branch = model.BranchMain
		}
		if !matches(filter.Scopes, op.Context.Scope) {
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], op)
	}

	var out []SyncOperation
	for _, key := range order {
		if !filter.matchesDocument(key.documentID, key.branch, collections(key.documentID, key.branch)) {
			continue
		}
		group := groups[key]
		var scopes []string
		seen := map[string]bool{}
		for _, op := range group {
			if !seen[op.Context.Scope] {
				seen[op.Context.Scope] = true
				scopes = append(scopes, op.Context.Scope)
			}
		}
		out = append(out, SyncOperation{
			ID:         m.ids.Generate(),
			RemoteName: remote,
			DocumentID: key.documentID,
			Scopes:     scopes,
			Branch:     key.branch,
			Operations: group,
			Status:     StatusUnknown,
		})
	}
	return out
}

// fanOut queues the operations of a batch for every remote except the one
// each job came from.
func (m *Manager) fanOut(ev eventbus.BatchReadyEvent) {
	lookup := func(documentID, _ string) []string {
		return ev.CollectionMemberships[documentID]
	}
	for _, r := range m.snapshot() {
		var out []SyncOperation
		for _, entry := range ev.Entries {
			if entry.Event.Meta.SourceRemote == r.Name {
				continue
			}
			out = append(out, m.envelopes(r.Name, r.Filter, entry.Event.Operations, lookup)...)
		}
		if len(out) == 0 {
			continue
		}
		r.Channel.Outbox().Add(out...)
		m.logger.Debug("operations queued for remote",
			zap.String("remote", r.Name),
			zap.String("batch_id", ev.BatchID),
			zap.Int("envelopes", len(out)))
	}
}

// backfill queues every operation after the remote's cursor.
func (m *Manager) backfill(ctx context.Context, r *remoteState) error {
	var cursor int64
	if cc, ok := r.Channel.(interface {
		Cursor(ctx context.Context) (Cursor, error)
	}); ok {
		c, err := cc.Cursor(ctx)
		if err != nil {
			return err
		}
		cursor = c.CursorOrdinal
	}

	memberships := map[docBranch][]string{}
	lookup := func(documentID, branch string) []string {
		if m.collections == nil || len(r.Filter.Collections) == 0 {
			return nil
		}
		key := docBranch{documentID: documentID, branch: branch}
		if c, ok := memberships[key]; ok {
			return c
		}
		c, err := m.collections(ctx, documentID, branch)
		if err != nil {
			m.logger.Warn("collection lookup failed", zap.String("document_id", documentID), zap.Error(err))
		}
		memberships[key] = c
		return c
	}

	total := 0
	for {
		ops, err := m.history.OperationsSince(ctx, cursor, backfillPage)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			break
		}
		if out := m.envelopes(r.Name, r.Filter, ops, lookup); len(out) > 0 {
			r.Channel.Outbox().Add(out...)
			total += len(out)
		}
		cursor = ops[len(ops)-1].Context.Ordinal
		if len(ops) < backfillPage {
			break
		}
	}
	if total > 0 {
		m.logger.Info("remote backfilled", zap.String("remote", r.Name), zap.Int("envelopes", total))
	}
	return nil
}

// drainInbox loads inbox entries one at a time, in arrival order.
func (m *Manager) drainInbox(r *remoteState) {
	defer close(r.stopped)
	for {
		select {
		case <-r.stop:
			return
		case <-r.signal:
		}
		for _, op := range r.Channel.Inbox().Items() {
			select {
			case <-r.stop:
				return
			default:
			}
			if op.Status != StatusExecutionPending {
				continue
			}
			m.apply(r, op)
		}
	}
}

func (m *Manager) apply(r *remoteState, op SyncOperation) {
	ctx := m.ctx
	inbox := r.Channel.Inbox()

	if err := m.load(ctx, r.Name, op); err != nil {
		op.Status = StatusError
		op.Error = err.Error()
		inbox.Remove(op.ID)
		r.Channel.DeadLetter().Add(op)
		m.logger.Warn("sync operation dead-lettered",
			zap.String("remote", r.Name),
			zap.String("document_id", op.DocumentID),
			zap.String("branch", op.Branch),
			zap.Error(err))
		return
	}

	inbox.SetStatus(op.ID, StatusApplied, "")
	inbox.Remove(op.ID)
	if err := r.Channel.Acknowledge(ctx, op); err != nil {
		m.logger.Warn("acknowledge failed", zap.String("remote", r.Name), zap.Error(err))
	}
}

// load applies op scope by scope and waits for each job.
func (m *Manager) load(ctx context.Context, remote string, op SyncOperation) error {
	order, groups := op.ByScope()
	for _, scope := range order {
		meta := model.JobMeta{
			SourceRemote: remote,
			Extra:        map[string]string{MetaSyncOperationID: op.ID},
		}
		info, err := m.loader.Load(ctx, op.DocumentID, op.Branch, groups[scope], meta)
		if err != nil {
			return err
		}
		info, err = m.loader.WaitForJob(ctx, info.JobID)
		if err != nil {
			return err
		}
		if info.Status == jobs.StatusFailed {
			return errs.Transient(nil, "load of %s:%s failed: %s", op.DocumentID, scope, info.Error)
		}
	}
	return nil
}
