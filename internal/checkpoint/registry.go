package checkpoint

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// registryKey orders checkpoints by creation time; seq breaks timestamp ties.
type registryKey struct {
	ts  int64
	seq uint64
}

func compareKeys(a, b interface{}) int {
	ka, kb := a.(registryKey), b.(registryKey)
	switch {
	case ka.ts < kb.ts:
		return -1
	case ka.ts > kb.ts:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// registry is the in-memory view of persisted checkpoints, ordered oldest
// to newest. The mutex only guards map access; per-checkpoint work is
// serialized by the manager's key locks.
//
// Pinned checkpoints are skipped by retention until they are unpinned.
type registry struct {
	mu     sync.RWMutex
	byTime *treemap.Map
	keys   map[string]registryKey
	pinned map[string]bool
	seq    uint64
}

func newRegistry() *registry {
	return &registry{
		byTime: treemap.NewWith(compareKeys),
		keys:   make(map[string]registryKey),
		pinned: make(map[string]bool),
	}
}

func (r *registry) put(cp *Checkpoint, pinned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.keys[cp.ID]; ok {
		r.byTime.Remove(old)
	}
	r.seq++
	key := registryKey{ts: cp.Timestamp.UnixNano(), seq: r.seq}
	r.keys[cp.ID] = key
	r.byTime.Put(key, cp)
	if pinned {
		r.pinned[cp.ID] = true
	}
}

// unpin reports whether id was pinned.
func (r *registry) unpin(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pinned[id] {
		return false
	}
	delete(r.pinned, id)
	return true
}

func (r *registry) get(id string) (*Checkpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[id]
	if !ok {
		return nil, false
	}
	v, _ := r.byTime.Get(key)
	return v.(*Checkpoint), true
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.keys[id]; ok {
		r.byTime.Remove(key)
		delete(r.keys, id)
		delete(r.pinned, id)
	}
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// newestFirst returns all checkpoints ordered newest to oldest.
func (r *registry) newestFirst() []*Checkpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Checkpoint, 0, r.byTime.Size())
	it := r.byTime.Iterator()
	for it.End(); it.Prev(); {
		out = append(out, it.Value().(*Checkpoint))
	}
	return out
}

// oldestBeyond returns the ids of the oldest unpinned checkpoints that
// exceed max. The newest checkpoint is never returned, so fewer ids than
// the excess come back when pins hold older checkpoints in place.
func (r *registry) oldestBeyond(max int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.byTime.Size()
	excess := size - max
	if max <= 0 || excess <= 0 {
		return nil
	}
	ids := make([]string, 0, excess)
	it := r.byTime.Iterator()
	for i := 0; i < size-1 && it.Next() && len(ids) < excess; i++ {
		id := it.Value().(*Checkpoint).ID
		if r.pinned[id] {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
