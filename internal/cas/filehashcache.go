package cas

import (
	"sync"

	"github.com/compilecoord/compilecoord/internal/pathhash"
)

// FileHashCache remembers, across every task in the process, which local
// files are already known-uploaded under which hash. It is the mechanism
// behind §4.1 FILE_REQ's "hash only" path: a file whose FileStat still
// matches what was recorded the last time it was uploaded is referenced by
// hash alone, regardless of which task asks — the per-Task uploadedThisRun
// map only dedupes within a single task's own retries, never across tasks.
type FileHashCache struct {
	mu      sync.Mutex
	entries map[string]fileHashEntry
}

type fileHashEntry struct {
	stat pathhash.FileStat
	hash string
}

// NewFileHashCache returns an empty FileHashCache.
func NewFileHashCache() *FileHashCache {
	return &FileHashCache{entries: map[string]fileHashEntry{}}
}

// Lookup reports the hash path is known-uploaded under, provided stat
// (the file's current FileStat) still matches what was recorded when it
// was last uploaded. A changed FileStat means the content may differ, so
// it is treated as a miss even though the path was seen before.
func (c *FileHashCache) Lookup(path string, stat pathhash.FileStat) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok || !e.stat.Equal(stat) {
		return "", false
	}
	return e.hash, true
}

// Store records that path, at stat, is now known-uploaded under hash.
func (c *FileHashCache) Store(path string, stat pathhash.FileStat, hash string) {
	c.mu.Lock()
	c.entries[path] = fileHashEntry{stat: stat, hash: hash}
	c.mu.Unlock()
}

// Forget drops path's cached entry. Used when a server reports the file
// missing despite a believed-good hash: the cache's belief was wrong (or
// raced with eviction server-side), so the next attempt must re-embed
// content rather than repeat the same hash-only reference.
func (c *FileHashCache) Forget(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}
