// Package registry holds the document models a reactor can execute.
//
// A document model is a document type, its initial per-scope state, a
// reducer and an optional CUE schema for action inputs. The registry is an
// explicit value owned by one reactor; there is no package-level state, so
// several reactors can coexist in one process.
//
// Schemas follow the layout:
//
//	action: {
//		INCREMENT: { by: int & >0 }
//		RESET:     {}
//	}
//
// When a schema is present, actions of an unlisted type are rejected.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
	"github.com/powerhouse-inc/powerhouse-sub017/internal/model"
)

// Reducer applies one action to the state of one scope.
//
// Implementations must not mutate state; the caller passes a copy but the
// returned value is stored as-is.
type Reducer interface {
	Apply(state map[string]any, action model.Action) (map[string]any, error)
}

// ReducerFunc adapts a function to Reducer.
type ReducerFunc func(state map[string]any, action model.Action) (map[string]any, error)

// Apply calls f.
func (f ReducerFunc) Apply(state map[string]any, action model.Action) (map[string]any, error) {
	return f(state, action)
}

// Module describes one document model.
type Module struct {
	DocumentType string
	// InitialState is copied into every new document, keyed by scope.
	InitialState map[string]map[string]any
	Reducer      Reducer
	// Schema is CUE source with an "action" struct keyed by action type.
	Schema string
}

// Resolver loads a module that is not registered yet, for example from a
// plugin directory or a remote package index.
type Resolver interface {
	Resolve(ctx context.Context, documentType string) (Module, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, documentType string) (Module, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, documentType string) (Module, error) {
	return f(ctx, documentType)
}

type entry struct {
	module  Module
	actions cue.Value
	schema  bool
}

// Registry is a concurrency-safe set of modules keyed by document type.
type Registry struct {
	mu       sync.RWMutex
	modules  map[string]*entry
	resolver Resolver
	logger   *zap.Logger

	// cue.Context is not safe for concurrent use.
	cueMu  sync.Mutex
	cueCtx *cue.Context
}

// Option configures a Registry.
type Option func(*Registry)

// WithResolver sets the resolver consulted by Load.
func WithResolver(r Resolver) Option {
	return func(reg *Registry) {
		reg.resolver = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(reg *Registry) {
		reg.logger = l
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		modules: make(map[string]*entry),
		logger:  zap.NewNop(),
		cueCtx:  cuecontext.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a module. Registering a type twice is a DUPLICATE error.
func (r *Registry) Register(m Module) error {
	if m.DocumentType == "" {
		return errs.Validation("module has no document type")
	}
	if m.Reducer == nil {
		return errs.Validation("module %s has no reducer", m.DocumentType)
	}

	e := &entry{module: m}
	if m.Schema != "" {
		actions, err := r.compileSchema(m)
		if err != nil {
			return err
		}
		e.actions = actions
		e.schema = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m.DocumentType]; ok {
		return errs.Duplicate("module %s already registered", m.DocumentType)
	}
	r.modules[m.DocumentType] = e
	r.logger.Debug("module registered", zap.String("document_type", m.DocumentType))
	return nil
}

func (r *Registry) compileSchema(m Module) (cue.Value, error) {
	r.cueMu.Lock()
	defer r.cueMu.Unlock()

	v := r.cueCtx.CompileString(m.Schema, cue.Filename(m.DocumentType+".cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, errs.Validation("module %s schema: %s", m.DocumentType, firstCUEError(err))
	}
	actions := v.LookupPath(cue.ParsePath("action"))
	if !actions.Exists() {
		return cue.Value{}, errs.Validation("module %s schema has no action struct", m.DocumentType)
	}
	return actions, nil
}

// Unregister removes a module and reports whether it was present.
func (r *Registry) Unregister(documentType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.modules[documentType]
	delete(r.modules, documentType)
	return ok
}

// Clear removes every module.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = make(map[string]*entry)
}

// Get returns the module for documentType or a MODULE_NOT_FOUND error.
func (r *Registry) Get(documentType string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.modules[documentType]
	if !ok {
		return Module{}, errs.ModuleNotFound(documentType)
	}
	return e.module, nil
}

// Has reports whether documentType is registered.
func (r *Registry) Has(documentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[documentType]
	return ok
}

// Types returns the registered document types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for t := range r.modules {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Load makes documentType available, asking the resolver when it is not
// registered. It is a no-op for registered types.
func (r *Registry) Load(ctx context.Context, documentType string) error {
	if r.Has(documentType) {
		return nil
	}
	if r.resolver == nil {
		return errs.ModuleNotFound(documentType)
	}

	m, err := r.resolver.Resolve(ctx, documentType)
	if err != nil {
		return fmt.Errorf("resolve module %s: %w", documentType, err)
	}
	if m.DocumentType != documentType {
		return errs.Validation("resolver returned module %q for %q", m.DocumentType, documentType)
	}
	if err := r.Register(m); err != nil && !errs.IsDuplicate(err) {
		return err
	}
	r.logger.Info("module resolved", zap.String("document_type", documentType))
	return nil
}

// ValidateAction checks action input against the module schema. Modules
// without a schema accept every action.
func (r *Registry) ValidateAction(documentType string, action model.Action) error {
	r.mu.RLock()
	e, ok := r.modules[documentType]
	r.mu.RUnlock()
	if !ok {
		return errs.ModuleNotFound(documentType)
	}
	if !e.schema {
		return nil
	}

	r.cueMu.Lock()
	defer r.cueMu.Unlock()

	schema := e.actions.LookupPath(cue.MakePath(cue.Str(action.Type)))
	if !schema.Exists() {
		return errs.Validation("unknown action %s for %s", action.Type, documentType)
	}
	input := action.Input
	if input == nil {
		input = map[string]any{}
	}
	v := schema.Unify(r.cueCtx.Encode(input))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return errs.Validation("invalid input for %s: %s", action.Type, firstCUEError(err))
	}
	return nil
}

// NewDocument builds the initial document for a CREATE_DOCUMENT action.
func (r *Registry) NewDocument(documentID, documentType string, createdAtUtcMs int64, collections []string) (*model.Document, error) {
	m, err := r.Get(documentType)
	if err != nil {
		return nil, err
	}
	doc := &model.Document{
		Header: model.Header{
			ID:                  documentID,
			DocumentType:        documentType,
			CreatedAtUtcMs:      createdAtUtcMs,
			LastModifiedAtUtcMs: createdAtUtcMs,
			Revision:            map[string]int{},
			Collections:         append([]string(nil), collections...),
		},
		State: map[string]map[string]any{},
	}
	for scope, state := range m.InitialState {
		doc.State[scope] = model.CloneObject(state)
	}
	for _, scope := range []string{model.ScopeGlobal, model.ScopeLocal} {
		if doc.State[scope] == nil {
			doc.State[scope] = map[string]any{}
		}
	}
	return doc, nil
}

// Apply runs the module reducer for one action against a copy of state.
// Reducer errors are wrapped as TRANSIENT_EXECUTION unless they already
// carry a code.
func (r *Registry) Apply(documentType string, state map[string]any, action model.Action) (next map[string]any, err error) {
	m, err := r.Get(documentType)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			next = nil
			err = errs.Transient(fmt.Errorf("panic: %v", p), "reducer %s panicked on %s", documentType, action.Type)
		}
	}()

	next, err = m.Reducer.Apply(model.CloneObject(state), action)
	if err != nil {
		if errs.CodeOf(err) != "" {
			return nil, err
		}
		return nil, errs.Transient(err, "reducer %s failed on %s", documentType, action.Type)
	}
	if next == nil {
		next = map[string]any{}
	}
	return next, nil
}

func firstCUEError(err error) string {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return err.Error()
	}
	return list[0].Error()
}
