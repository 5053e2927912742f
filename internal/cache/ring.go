package cache

import "github.com/powerhouse-inc/powerhouse-sub017/internal/model"

type snapshot struct {
	revision int
	document *model.Document
}

// ring keeps the most recent snapshots of one stream. When full, a put
// overwrites the oldest slot.
type ring struct {
	slots []snapshot
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{slots: make([]snapshot, size)}
}

// put stores doc at revision, replacing an existing entry for the same
// revision in place.
func (r *ring) put(revision int, doc *model.Document) {
	for i := 0; i < r.count; i++ {
		if r.slots[i].revision == revision {
			r.slots[i].document = doc
			return
		}
	}
	r.slots[r.next] = snapshot{revision: revision, document: doc}
	r.next = (r.next + 1) % len(r.slots)
	if r.count < len(r.slots) {
		r.count++
	}
}

func (r *ring) get(revision int) (*model.Document, bool) {
	for i := 0; i < r.count; i++ {
		if r.slots[i].revision == revision {
			return r.slots[i].document, true
		}
	}
	return nil, false
}

// nearest returns the newest snapshot strictly older than revision.
func (r *ring) nearest(revision int) (snapshot, bool) {
	best, found := snapshot{}, false
	for i := 0; i < r.count; i++ {
		s := r.slots[i]
		if s.revision < revision && (!found || s.revision > best.revision) {
			best, found = s, true
		}
	}
	return best, found
}

// revisions lists the cached revisions from oldest to newest insertion.
func (r *ring) revisions() []int {
	out := make([]int, 0, r.count)
	start := 0
	if r.count == len(r.slots) {
		start = r.next
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.slots[(start+i)%len(r.slots)].revision)
	}
	return out
}
