// Package depscache implements the dependency cache (§4.4): a persistent
// identifier -> dep-set mapping that lets the state machine skip the
// include-graph resolver entirely when nothing the identifier depends on
// has changed.
package depscache

import (
	"encoding/gob"
	"os"
	"sort"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/compilecoord/compilecoord/internal/intern"
	"github.com/compilecoord/compilecoord/internal/lock"
	"github.com/compilecoord/compilecoord/internal/pathhash"
)

var log = logging.MustGetLogger("depscache")

// BuiltRevision guards persisted-table compatibility, mirroring the
// compiler-info cache's equivalent guard.
var BuiltRevision = "dev"

// FileDep is one (filename, file-stat, directive-hash) triple, stored by
// intern id for compactness as the data model specifies.
type FileDep struct {
	Filename      intern.ID
	FileStat      intern.ID
	DirectiveHash intern.ID
}

// Entry is a DepsEntry: the identifier, its last-used time and the
// dep-set.
type Entry struct {
	Identifier string
	LastUsed   int64
	Deps       []FileDep
}

// Cache is the dependency cache. Reads and writes are guarded by a single
// reader-writer lock, matching §5's shared-resource model.
type Cache struct {
	mu        lock.RWMutex
	entries   map[string]*Entry
	filenames *intern.Table[string]
	stats     *intern.Table[pathhash.FileStat]
	hashes    *intern.Table[string] // hex-encoded directive hash
	now       func() time.Time
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		entries:   map[string]*Entry{},
		filenames: intern.New[string](intern.DefaultShardCount),
		stats:     intern.New[pathhash.FileStat](1),
		hashes:    intern.New[string](intern.DefaultShardCount),
		now:       time.Now,
	}
}

// ResolvedDep is a FileDep with its interned fields resolved back to
// values, for the caller to validate against the current filesystem.
type ResolvedDep struct {
	Filename      string
	FileStat      pathhash.FileStat
	DirectiveHash string
}

// DirectiveHasher recomputes a file's directive hash on demand, used to
// validate a dep whose FileStat has drifted but whose preprocessor-
// significant content may not have (§4.4 "Miss reasons").
type DirectiveHasher func(path string) (string, error)

// Get returns the dep-set for identifier if present and every dependency
// either matches its stored FileStat or, failing that, its recomputed
// directive hash still matches the stored one. A hit bumps last_used_time.
func (c *Cache) Get(identifier string, hasher DirectiveHasher) ([]ResolvedDep, bool) {
	release := c.mu.AcquireShared()
	e, ok := c.entries[identifier]
	release()
	if !ok {
		return nil, false
	}

	deps := make([]ResolvedDep, 0, len(e.Deps))
	for _, fd := range e.Deps {
		name, ok := c.filenames.Lookup(fd.Filename)
		if !ok {
			return nil, false
		}
		stat, ok := c.stats.Lookup(fd.FileStat)
		if !ok {
			return nil, false
		}
		hash, ok := c.hashes.Lookup(fd.DirectiveHash)
		if !ok {
			return nil, false
		}
		if !pathhash.Stat(name).Equal(stat) {
			if hasher == nil {
				return nil, false
			}
			recomputed, err := hasher(name)
			if err != nil || recomputed != hash {
				return nil, false
			}
		}
		deps = append(deps, ResolvedDep{Filename: name, FileStat: stat, DirectiveHash: hash})
	}

	release = c.mu.AcquireExclusive()
	e.LastUsed = c.now().UnixNano()
	release()
	return deps, true
}

// Put records the dep-set for identifier, replacing any existing entry.
func (c *Cache) Put(identifier string, deps []ResolvedDep) {
	fds := make([]FileDep, len(deps))
	for i, d := range deps {
		fds[i] = FileDep{
			Filename:      c.filenames.Intern(d.Filename),
			FileStat:      c.stats.Intern(d.FileStat),
			DirectiveHash: c.hashes.Intern(d.DirectiveHash),
		}
	}
	release := c.mu.AcquireExclusive()
	defer release()
	c.entries[identifier] = &Entry{Identifier: identifier, LastUsed: c.now().UnixNano(), Deps: fds}
}

// Invalidate drops every cached entry, used when cachewatch detects the
// persisted table changed on disk out from under this process.
func (c *Cache) Invalidate() {
	release := c.mu.AcquireExclusive()
	defer release()
	c.entries = map[string]*Entry{}
}

// aliveDuration bounds how long an entry may go unused before Save drops
// it.
const aliveDuration = 30 * 24 * time.Hour

// MaxEntries truncates the persisted table by descending last-used time.
const MaxEntries = 16384

type persistedTable struct {
	BuiltRevision string
	Filenames     []string
	Stats         []pathhash.FileStat
	Hashes        []string
	Entries       []Entry
}

// Save persists the cache to path. Entries older than aliveDuration are
// dropped; within an entry, if the same filename-id appears with
// inconsistent (file-stat, directive-hash) pairs the whole entry is
// dropped in favour of whichever later record referenced the latest-mtime
// variant (§4.4 "Deduplication on save").
func (c *Cache) Save(path string) error {
	release := c.mu.AcquireShared()
	defer release()

	cutoff := c.now().Add(-aliveDuration).UnixNano()
	entries := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.LastUsed < cutoff {
			continue
		}
		if hasInconsistentVariant(e, c) {
			continue
		}
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LastUsed > entries[j].LastUsed })
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}

	table := persistedTable{
		BuiltRevision: BuiltRevision,
		Filenames:     c.filenames.All(),
		Stats:         c.stats.All(),
		Hashes:        c.hashes.All(),
		Entries:       entries,
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(table)
}

// hasInconsistentVariant reports whether e contains the same filename-id
// mapped to two different (stat, hash) pairs within the entry itself.
func hasInconsistentVariant(e *Entry, c *Cache) bool {
	seen := map[intern.ID]FileDep{}
	for _, fd := range e.Deps {
		if prior, ok := seen[fd.Filename]; ok {
			if prior.FileStat != fd.FileStat || prior.DirectiveHash != fd.DirectiveHash {
				return true
			}
		}
		seen[fd.Filename] = fd
	}
	return false
}

// Load reads a previously Saved table, discarding it (returning an empty
// Cache) if BuiltRevision doesn't match or the file can't be decoded.
func Load(path string) *Cache {
	c := New()
	f, err := os.Open(path)
	if err != nil {
		return c
	}
	defer f.Close()

	var table persistedTable
	if err := gob.NewDecoder(f).Decode(&table); err != nil {
		log.Warning("depscache: discarding unreadable cache %s: %s", path, err)
		return c
	}
	if table.BuiltRevision != BuiltRevision {
		log.Notice("depscache: cache %s built by a different revision, discarding", path)
		return c
	}
	for _, s := range table.Filenames {
		c.filenames.Intern(s)
	}
	for _, s := range table.Stats {
		c.stats.Intern(s)
	}
	for _, s := range table.Hashes {
		c.hashes.Intern(s)
	}
	for i := range table.Entries {
		e := table.Entries[i]
		c.entries[e.Identifier] = &e
	}
	return c
}
