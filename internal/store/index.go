package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/dreamer-dead/dist-clang/internal/fingerprint"
)

// entryMeta is the Eviction Index's record for one fingerprint: size and
// last-access, per spec.md §3.
type entryMeta struct {
	fp         fingerprint.Digest128
	size       uint64
	lastAccess time.Time
}

// evictionIndex is the in-memory metadata shadowing the store: an
// ordered structure (doubly-linked list, most-recently-used at the
// front, plus a map for O(1) lookup) mirroring the LRU shape used by
// the corpus's aistore and uber-kraken examples. Guarded by a single
// mutex held only for pointer bookkeeping, never across I/O, per
// spec.md §5.
type evictionIndex struct {
	mu        sync.Mutex
	order     *list.List // front = most-recently-used
	positions map[fingerprint.Digest128]*list.Element
	occupancy uint64
}

func newEvictionIndex() *evictionIndex {
	return &evictionIndex{
		order:     list.New(),
		positions: make(map[fingerprint.Digest128]*list.Element),
	}
}

// insert adds a brand new entry as most-recently-used. The caller must
// ensure fp is not already present.
func (idx *evictionIndex) insert(fp fingerprint.Digest128, size uint64, now time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.positions[fp]; ok {
		return
	}
	el := idx.order.PushFront(&entryMeta{fp: fp, size: size, lastAccess: now})
	idx.positions[fp] = el
	idx.occupancy += size
}

// touch moves fp to most-recently-used and updates its last-access
// time. Reports whether fp was present.
func (idx *evictionIndex) touch(fp fingerprint.Digest128, now time.Time) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	el, ok := idx.positions[fp]
	if !ok {
		return false
	}
	el.Value.(*entryMeta).lastAccess = now
	idx.order.MoveToFront(el)
	return true
}

// get returns a copy of the metadata for fp, if present.
func (idx *evictionIndex) get(fp fingerprint.Digest128) (entryMeta, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	el, ok := idx.positions[fp]
	if !ok {
		return entryMeta{}, false
	}
	return *el.Value.(*entryMeta), true
}

// remove deletes fp from the index, if present, returning its size.
func (idx *evictionIndex) remove(fp fingerprint.Digest128) (uint64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	el, ok := idx.positions[fp]
	if !ok {
		return 0, false
	}
	m := el.Value.(*entryMeta)
	idx.order.Remove(el)
	delete(idx.positions, fp)
	idx.occupancy -= m.size
	return m.size, true
}

// popLeastRecent evicts and returns the least-recently-used entry. Ties
// are broken by insertion order because PushFront/MoveToFront keep the
// list in strict recency order already: the back of the list is always
// the entry that has gone longest untouched, and among never-touched
// entries the one inserted first sits furthest back.
func (idx *evictionIndex) popLeastRecent() (entryMeta, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	el := idx.order.Back()
	if el == nil {
		return entryMeta{}, false
	}
	m := el.Value.(*entryMeta)
	idx.order.Remove(el)
	delete(idx.positions, m.fp)
	idx.occupancy -= m.size
	return *m, true
}

// occupancyBytes returns the current total size of indexed entries.
func (idx *evictionIndex) occupancyBytes() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.occupancy
}

// len returns the number of indexed entries.
func (idx *evictionIndex) len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.order.Len()
}

// snapshot returns all entries, least-recently-used last, for reporting
// (cache-stats, cache-trim).
func (idx *evictionIndex) snapshot() []entryMeta {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]entryMeta, 0, idx.order.Len())
	for el := idx.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*entryMeta))
	}
	return out
}
