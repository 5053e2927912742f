// Package cache implements the write cache in front of durable operation
// storage.
//
// Each stream (documentId, scope, branch) owns a fixed-size ring of its
// most recent (revision, snapshot) pairs. Streams are evicted whole by a
// global LRU once more than MaxDocuments are resident. Snapshots are deep
// copied on the way in and on the way out.
//
// Misses are served in three tiers:
//
//   - warm: the newest cached snapshot older than the requested revision
//     plus a replay of the operations after it
//   - keyframe: the newest persisted keyframe at or below the revision
//   - cold: a full replay from CREATE_DOCUMENT
//
// A base snapshot is only used when the stored operation at its revision
// still carries the snapshot's state hash. History rewritten by
// reconciliation therefore never resurrects stale state.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/kv"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/registry"
)

// Latest asks GetState for the stream's current revision.
const Latest = -1

// OperationSource is the durable operation history.
type OperationSource interface {
	Operations(ctx context.Context, stream model.StreamKey, fromIndex, toIndex int) ([]model.Operation, error)
	Revision(ctx context.Context, stream model.StreamKey) (int, error)
	Revisions(ctx context.Context, documentID, branch string) (map[string]int, error)
	DocumentType(ctx context.Context, documentID string) (string, error)
}

// Config sizes the cache.
type Config struct {
	MaxDocuments     int
	RingBufferSize   int
	KeyframeInterval int
	Compression      Compression
}

// DefaultConfig returns the default sizing.
func DefaultConfig() Config {
	return Config{
		MaxDocuments:     1000,
		RingBufferSize:   10,
		KeyframeInterval: 10,
		Compression:      CompressionZstd,
	}
}

type streamEntry struct {
	key  model.StreamKey
	ring *ring
}

// WriteCache is safe for concurrent use.
type WriteCache struct {
	source   OperationSource
	kv       kv.Store
	registry *registry.Registry
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	lru     *list.List
	streams map[model.StreamKey]*list.Element

	group     singleflight.Group
	keyframes sync.WaitGroup
}

// Option configures a WriteCache.
type Option func(*WriteCache)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *WriteCache) {
		c.logger = l
	}
}

// New creates a cache. kvStore may be nil to disable keyframes.
func New(source OperationSource, kvStore kv.Store, reg *registry.Registry, cfg Config, opts ...Option) *WriteCache {
	def := DefaultConfig()
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = def.MaxDocuments
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = def.RingBufferSize
	}
	c := &WriteCache{
		source:   source,
		kv:       kvStore,
		registry: reg,
		cfg:      cfg,
		logger:   zap.NewNop(),
		lru:      list.New(),
		streams:  make(map[model.StreamKey]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// KeyframeKey returns the key-value key a keyframe is persisted under.
func KeyframeKey(documentID, documentType, scope, branch string, revision int) string {
	return keyframePrefix(documentID, documentType, scope, branch) + strconv.Itoa(revision)
}

func keyframePrefix(documentID, documentType, scope, branch string) string {
	return fmt.Sprintf("keyframe:%s:%s:%s:%s:", documentID, documentType, scope, branch)
}

// PutState stores a copy of snapshot as the state of the stream at
// revision. At keyframe intervals the snapshot is also persisted in the
// background; persistence failures are logged and never returned.
func (c *WriteCache) PutState(documentID, documentType, scope, branch string, revision int, snapshot *model.Document) {
	stream := model.NewStreamKey(documentID, scope, branch)
	doc := snapshot.Clone()

	c.mu.Lock()
	c.putLocked(stream, revision, doc)
	c.mu.Unlock()

	if c.kv != nil && c.cfg.KeyframeInterval > 0 && revision > 0 && revision%c.cfg.KeyframeInterval == 0 {
		c.persistKeyframe(keyframe{
			DocumentID:   documentID,
			DocumentType: documentType,
			Scope:        stream.Scope,
			Branch:       stream.Branch,
			Revision:     revision,
			Document:     snapshot.Clone(),
		})
	}
}

func (c *WriteCache) putLocked(stream model.StreamKey, revision int, doc *model.Document) {
	if el, ok := c.streams[stream]; ok {
		el.Value.(*streamEntry).ring.put(revision, doc)
		c.lru.MoveToFront(el)
		return
	}

	entry := &streamEntry{key: stream, ring: newRing(c.cfg.RingBufferSize)}
	entry.ring.put(revision, doc)
	c.streams[stream] = c.lru.PushFront(entry)

	for c.lru.Len() > c.cfg.MaxDocuments {
		oldest := c.lru.Back()
		evicted := oldest.Value.(*streamEntry)
		c.lru.Remove(oldest)
		delete(c.streams, evicted.key)
		c.logger.Debug("stream evicted",
			zap.String("document_id", evicted.key.DocumentID),
			zap.String("scope", evicted.key.Scope),
			zap.String("branch", evicted.key.Branch))
	}
}

func (c *WriteCache) persistKeyframe(kf keyframe) {
	c.keyframes.Add(1)
	go func() {
		defer c.keyframes.Done()

		key := KeyframeKey(kf.DocumentID, kf.DocumentType, kf.Scope, kf.Branch, kf.Revision)
		data, err := encodeKeyframe(kf, c.cfg.Compression)
		if err == nil {
			err = c.kv.Put(context.Background(), key, data)
		}
		if err != nil {
			c.logger.Warn("keyframe persistence failed",
				zap.String("key", key),
				zap.Error(err))
			return
		}
		c.logger.Debug("keyframe persisted", zap.String("key", key), zap.Int("bytes", len(data)))
	}()
}

// GetState returns a copy of the stream state at revision, or at the
// current revision when revision is Latest.
func (c *WriteCache) GetState(ctx context.Context, documentID, scope, branch string, revision int) (*model.Document, error) {
	stream := model.NewStreamKey(documentID, scope, branch)
	if revision < 0 {
		current, err := c.source.Revision(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("get state: %w", err)
		}
		revision = current
	}

	c.mu.Lock()
	var (
		base    snapshot
		hasBase bool
	)
	if el, ok := c.streams[stream]; ok {
		c.lru.MoveToFront(el)
		r := el.Value.(*streamEntry).ring
		if doc, ok := r.get(revision); ok {
			out := doc.Clone()
			c.mu.Unlock()
			return out, nil
		}
		base, hasBase = r.nearest(revision)
		if hasBase {
			base.document = base.document.Clone()
		}
	}
	c.mu.Unlock()

	if hasBase {
		doc, err := c.replayFrom(ctx, stream, base.document, base.revision, revision)
		if err == nil {
			c.store(stream, revision, doc)
			return doc.Clone(), nil
		}
		if !isStale(err) {
			return nil, err
		}
		c.logger.Debug("cached base is stale",
			zap.String("document_id", documentID),
			zap.Int("revision", base.revision))
	}

	key := stream.String() + "@" + strconv.Itoa(revision)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.rebuild(ctx, stream, revision)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Document).Clone(), nil
}

// GetDocument composes the latest state of every scope of a document on
// branch into one document.
func (c *WriteCache) GetDocument(ctx context.Context, documentID, branch string) (*model.Document, error) {
	if branch == "" {
		branch = model.BranchMain
	}
	doc, err := c.documentHeader(ctx, documentID, branch)
	if err != nil {
		return nil, err
	}
	revisions, err := c.source.Revisions(ctx, documentID, branch)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	for scope, revision := range revisions {
		if scope == model.ScopeDocument {
			continue
		}
		state, err := c.GetState(ctx, documentID, scope, branch, revision)
		if err != nil {
			return nil, err
		}
		doc.State[scope] = state.State[scope]
		doc.Header.Revision[scope] = revision
		if state.Header.LastModifiedAtUtcMs > doc.Header.LastModifiedAtUtcMs {
			doc.Header.LastModifiedAtUtcMs = state.Header.LastModifiedAtUtcMs
		}
	}
	return doc, nil
}

// Invalidate drops cached streams of documentID. Empty scope or branch
// match every scope or branch. Returns the number of streams evicted.
func (c *WriteCache) Invalidate(documentID, scope, branch string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, el := range c.streams {
		if key.DocumentID != documentID {
			continue
		}
		if scope != "" && key.Scope != scope {
			continue
		}
		if branch != "" && key.Branch != branch {
			continue
		}
		c.lru.Remove(el)
		delete(c.streams, key)
		n++
	}
	return n
}

// Clear drops every cached stream.
func (c *WriteCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.streams = make(map[model.StreamKey]*list.Element)
}

// Size returns the number of resident streams.
func (c *WriteCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Revisions returns the cached revisions of a stream, oldest first.
func (c *WriteCache) Revisions(documentID, scope, branch string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.streams[model.NewStreamKey(documentID, scope, branch)]
	if !ok {
		return nil
	}
	return el.Value.(*streamEntry).ring.revisions()
}

// Shutdown waits for in-flight keyframe writes.
func (c *WriteCache) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.keyframes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.Aborted(ctx.Err(), "cache shutdown interrupted")
	}
}

func (c *WriteCache) store(stream model.StreamKey, revision int, doc *model.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(stream, revision, doc.Clone())
}

func (c *WriteCache) rebuild(ctx context.Context, stream model.StreamKey, revision int) (*model.Document, error) {
	documentType, err := c.source.DocumentType(ctx, stream.DocumentID)
	if err != nil {
		return nil, err
	}

	if kf, ok := c.loadKeyframe(ctx, stream, documentType, revision); ok {
		doc, err := c.replayFrom(ctx, stream, kf.Document, kf.Revision, revision)
		if err == nil {
			c.store(stream, revision, doc)
			return doc, nil
		}
		if !isStale(err) {
			return nil, err
		}
		c.logger.Debug("keyframe is stale",
			zap.String("document_id", stream.DocumentID),
			zap.Int("revision", kf.Revision))
	}

	var base *model.Document
	if stream.Scope != model.ScopeDocument {
		base, err = c.scopeBase(ctx, stream, documentType)
		if err != nil {
			return nil, err
		}
	}
	doc, err := c.replayFrom(ctx, stream, base, 0, revision)
	if err != nil {
		return nil, err
	}
	c.store(stream, revision, doc)
	return doc, nil
}

// scopeBase is the starting point for replaying a non-document scope: the
// document header with the model's initial state for that scope only.
func (c *WriteCache) scopeBase(ctx context.Context, stream model.StreamKey, documentType string) (*model.Document, error) {
	doc, err := c.documentHeader(ctx, stream.DocumentID, stream.Branch)
	if err != nil {
		return nil, err
	}
	fresh, err := c.registry.NewDocument(stream.DocumentID, documentType, doc.Header.CreatedAtUtcMs, nil)
	if err != nil {
		return nil, err
	}
	doc.State = map[string]map[string]any{stream.Scope: fresh.State[stream.Scope]}
	if doc.State[stream.Scope] == nil {
		doc.State[stream.Scope] = map[string]any{}
	}
	return doc, nil
}

// documentHeader returns the document-scope snapshot with no scope state.
// Branches without their own document scope inherit main's.
func (c *WriteCache) documentHeader(ctx context.Context, documentID, branch string) (*model.Document, error) {
	headerBranch := branch
	if branch != model.BranchMain {
		rev, err := c.source.Revision(ctx, model.NewStreamKey(documentID, model.ScopeDocument, branch))
		if err != nil {
			return nil, fmt.Errorf("document header: %w", err)
		}
		if rev == 0 {
			headerBranch = model.BranchMain
		}
	}
	doc, err := c.GetState(ctx, documentID, model.ScopeDocument, headerBranch, Latest)
	if err != nil {
		return nil, err
	}
	doc.State = map[string]map[string]any{}
	docRevision := doc.Revision(model.ScopeDocument)
	doc.Header.Revision = map[string]int{model.ScopeDocument: docRevision}
	return doc, nil
}

// staleError marks a base snapshot that no longer matches stored history.
type staleError struct{ reason string }

func (e *staleError) Error() string { return "stale base snapshot: " + e.reason }

func isStale(err error) bool {
	var stale *staleError
	return errors.As(err, &stale)
}

// replayFrom applies the stored operations in [baseRevision, target) to
// base. A non-empty base must match the stored operation at
// baseRevision-1 by index and state hash.
func (c *WriteCache) replayFrom(ctx context.Context, stream model.StreamKey, base *model.Document, baseRevision, target int) (*model.Document, error) {
	from := baseRevision
	if baseRevision > 0 {
		from = baseRevision - 1
	}
	ops, err := c.source.Operations(ctx, stream, from, target)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", stream, err)
	}

	if baseRevision > 0 {
		if len(ops) == 0 || ops[0].Index != baseRevision-1 {
			return nil, &staleError{reason: fmt.Sprintf("operation %d was rewritten", baseRevision-1)}
		}
		hash, err := registry.HashScope(base, stream.Scope)
		if err != nil {
			return nil, err
		}
		if ops[0].Hash != hash {
			return nil, &staleError{reason: fmt.Sprintf("hash mismatch at operation %d", baseRevision-1)}
		}
		ops = ops[1:]
	}

	if target > 0 {
		last := baseRevision - 1
		if len(ops) > 0 {
			last = ops[len(ops)-1].Index
		}
		if last+1 != target {
			return nil, errs.NotFound("stream %s has no revision %d", stream, target)
		}
	}

	doc, err := c.registry.Replay(stream.DocumentID, base, stream.Scope, ops)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *WriteCache) loadKeyframe(ctx context.Context, stream model.StreamKey, documentType string, revision int) (keyframe, bool) {
	if c.kv == nil || revision <= 0 {
		return keyframe{}, false
	}
	prefix := keyframePrefix(stream.DocumentID, documentType, stream.Scope, stream.Branch)

	keys, err := c.kv.Keys(ctx, prefix)
	if err != nil {
		c.logger.Warn("keyframe lookup failed", zap.String("key", prefix), zap.Error(err))
		return keyframe{}, false
	}

	best, bestKey := -1, ""
	for _, key := range keys {
		n, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
		if err != nil || n > revision || n <= best {
			continue
		}
		best, bestKey = n, key
	}
	if bestKey == "" {
		return keyframe{}, false
	}

	data, ok, err := c.kv.Get(ctx, bestKey)
	if err != nil || !ok {
		if err != nil {
			c.logger.Warn("keyframe read failed", zap.String("key", bestKey), zap.Error(err))
		}
		return keyframe{}, false
	}
	kf, err := decodeKeyframe(data)
	if err != nil {
		c.logger.Warn("keyframe decode failed", zap.String("key", bestKey), zap.Error(err))
		return keyframe{}, false
	}
	if kf.DocumentID != stream.DocumentID || kf.Scope != stream.Scope || kf.Branch != stream.Branch || kf.Revision != best {
		c.logger.Warn("keyframe does not match its key", zap.String("key", bestKey))
		return keyframe{}, false
	}
	return kf, true
}
