package syncing

import (
	"sort"
	"sync"
)

type mailboxEntry struct {
	seq int64
	op  SyncOperation
}

// Mailbox holds SyncOperations by id. Reads return copies. Re-adding an
// id replaces the entry and moves it to the back.
//
// Safe for concurrent use.
type Mailbox struct {
	mu       sync.Mutex
	seq      sequence
	entries  map[string]*mailboxEntry
	handlers map[int64]func([]SyncOperation)
	nextID   int64
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		entries:  make(map[string]*mailboxEntry),
		handlers: make(map[int64]func([]SyncOperation)),
	}
}

// Add stores ops and notifies OnAdded handlers after the mailbox is
// updated.
func (m *Mailbox) Add(ops ...SyncOperation) {
	if len(ops) == 0 {
		return
	}
	added := make([]SyncOperation, len(ops))
	m.mu.Lock()
	for i, op := range ops {
		m.entries[op.ID] = &mailboxEntry{seq: m.seq.next(), op: op.clone()}
		added[i] = op.clone()
	}
	handlers := make([]func([]SyncOperation), 0, len(m.handlers))
	ids := make([]int64, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, m.handlers[id])
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(added)
	}
}

// Remove drops ids and returns how many were present.
func (m *Mailbox) Remove(ids ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.entries[id]; ok {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

// Get returns a copy of the entry with id.
func (m *Mailbox) Get(id string) (SyncOperation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return SyncOperation{}, false
	}
	return e.op.clone(), true
}

// Items returns copies of every entry in insertion order.
func (m *Mailbox) Items() []SyncOperation {
	m.mu.Lock()
	entries := make([]*mailboxEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]SyncOperation, len(entries))
	for i, e := range entries {
		out[i] = e.op.clone()
	}
	return out
}

// Len returns the number of entries.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// SetStatus updates the status and error of an entry in place, keeping its
// position. It reports whether the entry exists.
func (m *Mailbox) SetStatus(id string, status Status, errMsg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	e.op.Status = status
	e.op.Error = errMsg
	return true
}

// OnAdded registers fn to run after every Add. The returned function
// unregisters it.
func (m *Mailbox) OnAdded(fn func(ops []SyncOperation)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}
