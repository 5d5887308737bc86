// Package intern provides bidirectional string/value <-> id interning
// tables used to store the dependency cache and depsdb compactly: the
// DepsEntry's (filename-id, file-stat-id, directive-hash-id) triples refer
// into these tables rather than repeating full strings/structs per entry.
//
// Sharded the same way as the teacher's cmap.Map, for concurrent builds
// hammering the same tables from many worker threads at once.
package intern

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShardCount is a reasonable default for builds with dozens of
// concurrent tasks; must be a power of two.
const DefaultShardCount = 64

// ID identifies an interned value. Zero is never issued, so the zero value
// of ID can be used as "no id".
type ID uint32

// Table interns comparable values of type T into small, stable IDs. It is
// append-only: once a value is interned it keeps its ID for the table's
// lifetime (tables are rebuilt wholesale on cache reload, never mutated
// entry-by-entry).
type Table[T comparable] struct {
	mask    uint64
	shards  []shard[T]
	nextID  uint32
	nextMu  sync.Mutex
	byID    []T // append-only index i -> value, protected by idMu
	idMu    sync.RWMutex
}

type shard[T comparable] struct {
	mu  sync.Mutex
	ids map[T]ID
}

// New creates a new interning Table with the given shard count.
func New[T comparable](shardCount int) *Table[T] {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	t := &Table[T]{
		mask:   uint64(shardCount - 1),
		shards: make([]shard[T], shardCount),
		byID:   []T{{}}, // index 0 unused, so ID zero means "absent"
	}
	for i := range t.shards {
		t.shards[i].ids = map[T]ID{}
	}
	return t
}

// Intern returns the ID for v, allocating a new one if v has not been seen
// before.
func (t *Table[T]) Intern(v T) ID {
	h := hashOf(v)
	s := &t.shards[h&t.mask]
	s.mu.Lock()
	if id, ok := s.ids[v]; ok {
		s.mu.Unlock()
		return id
	}
	s.mu.Unlock()

	t.nextMu.Lock()
	defer t.nextMu.Unlock()
	// Re-check under the allocation lock in case of a race between the
	// shard unlock above and here.
	s.mu.Lock()
	if id, ok := s.ids[v]; ok {
		s.mu.Unlock()
		return id
	}
	t.nextID++
	id := ID(t.nextID)
	s.ids[v] = id
	s.mu.Unlock()

	t.idMu.Lock()
	t.byID = append(t.byID, v)
	t.idMu.Unlock()
	return id
}

// Lookup returns the value for an ID, or the zero value and false if the
// id is unknown (e.g. refers to a table from a stale persisted cache).
func (t *Table[T]) Lookup(id ID) (T, bool) {
	t.idMu.RLock()
	defer t.idMu.RUnlock()
	if int(id) <= 0 || int(id) >= len(t.byID) {
		var zero T
		return zero, false
	}
	return t.byID[id], true
}

// Len returns the number of distinct interned values.
func (t *Table[T]) Len() int {
	t.idMu.RLock()
	defer t.idMu.RUnlock()
	return len(t.byID) - 1
}

// All returns every interned value in ID order (index 0 corresponds to ID
// 1), for callers that need to serialize the whole table (e.g. persisting
// a cache to disk).
func (t *Table[T]) All() []T {
	t.idMu.RLock()
	defer t.idMu.RUnlock()
	out := make([]T, len(t.byID)-1)
	copy(out, t.byID[1:])
	return out
}

func hashOf[T comparable](v T) uint64 {
	switch x := any(v).(type) {
	case string:
		return xxhash.Sum64String(x)
	default:
		// Fall back to a fixed bucket; acceptable for small non-string
		// tables (the FileStat table) where contention is low.
		return 0
	}
}
