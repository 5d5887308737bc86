package compilerinfo

import (
	"encoding/gob"
	"os"
	"sort"
)

// BuiltRevision identifies the coordinator build that wrote a persisted
// table; Load rejects (by clearing) a table written by a different
// revision, exactly as the teacher's config/depsdb loaders do.
var BuiltRevision = "dev"

type persistedEntry struct {
	Key      Key
	Info     *Info
	LastUsed int64
}

type persistedTable struct {
	BuiltRevision string
	Entries       []persistedEntry
}

// Save writes the cache to path, dropping disabled entries and entries
// that represent a negative discovery result, and capping the table to
// MaxEntries by evicting the least-recently-used first.
func (c *Cache) Save(path string) error {
	release := c.mu.AcquireShared()
	entries := make([]persistedEntry, 0, len(c.byKey))
	for _, e := range c.byKey {
		e.mu.Lock()
		if !e.info.Disabled() && !e.info.isNegative() {
			entries = append(entries, persistedEntry{Key: e.key, Info: e.info, LastUsed: e.lastUsed})
		}
		e.mu.Unlock()
	}
	release()

	sort.Slice(entries, func(i, j int) bool { return entries[i].LastUsed > entries[j].LastUsed })
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(persistedTable{BuiltRevision: BuiltRevision, Entries: entries})
}

// Load populates the cache from a previously Saved table at path. A
// mismatched BuiltRevision, or any decode error, results in an empty
// cache rather than a failure: a cold cache is always correct, merely
// slower.
func Load(path string) *Cache {
	c := New()
	f, err := os.Open(path)
	if err != nil {
		return c
	}
	defer f.Close()

	var table persistedTable
	if err := gob.NewDecoder(f).Decode(&table); err != nil {
		log.Warning("compilerinfo: discarding unreadable cache %s: %s", path, err)
		return c
	}
	if table.BuiltRevision != BuiltRevision {
		log.Notice("compilerinfo: cache %s built by a different revision, discarding", path)
		return c
	}
	for _, pe := range table.Entries {
		e := &entry{info: pe.Info, key: pe.Key, lastUsed: pe.LastUsed}
		c.byKey[pe.Key.Hash()] = e
		c.bySerial[pe.Info.SerializedHash()] = e
	}
	return c
}
