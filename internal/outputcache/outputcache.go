// Package outputcache implements the local-output cache (§4.6): a
// directory-based identifier -> output-files cache that lets a repeat of
// an identical compile bypass the remote path entirely.
package outputcache

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/djherbis/atime"
	"github.com/dustin/go-humanize"
	"gopkg.in/op/go-logging.v1"

	"github.com/compilecoord/compilecoord/internal/pathhash"
)

var log = logging.MustGetLogger("outputcache")

// DirPermissions is the mode used for cache directories.
const DirPermissions = 0775

// Output is one output artifact of a compile: a filename relative to the
// task's output root, its content, and whether it must be marked
// executable on retrieval.
type Output struct {
	Filename   string
	Content    []byte
	Executable bool
}

// Cache is a directory-backed identifier -> []Output store.
type Cache struct {
	dir   string
	mu    sync.Mutex
	added map[string]bool
}

// New returns a Cache rooted at dir, creating it if necessary.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return nil, err
	}
	return &Cache{dir: dir, added: map[string]bool{}}, nil
}

func (c *Cache) entryDir(identifier string) string {
	return filepath.Join(c.dir, base64.URLEncoding.EncodeToString(pathhash.HashBytes([]byte(identifier))))
}

// Store persists outputs under identifier, replacing any prior entry.
func (c *Cache) Store(identifier string, outputs []Output) error {
	dir := c.entryDir(identifier)
	tmp := dir + "=tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.MkdirAll(tmp, DirPermissions); err != nil {
		return err
	}
	for _, o := range outputs {
		dest := filepath.Join(tmp, o.Filename)
		if err := os.MkdirAll(filepath.Dir(dest), DirPermissions); err != nil {
			return err
		}
		mode := os.FileMode(0644)
		if o.Executable {
			mode = 0755
		}
		if err := os.WriteFile(dest, o.Content, mode); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.Rename(tmp, dir); err != nil {
		return err
	}
	c.mu.Lock()
	c.added[dir] = true
	c.mu.Unlock()
	return nil
}

// Lookup retrieves a previously stored output set for identifier. A miss
// is reported by ok == false, not an error; a stale/partial entry is
// treated the same way as a clean miss (the state machine falls back to
// the remote path regardless).
func (c *Cache) Lookup(identifier string) (outputs []Output, ok bool) {
	dir := c.entryDir(identifier)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, false
	}
	var result []Output
	err = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		content, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			return rerr
		}
		result = append(result, Output{
			Filename:   rel,
			Content:    content,
			Executable: fi.Mode()&0111 != 0,
		})
		return nil
	})
	if err != nil {
		log.Warning("outputcache: failed to read entry %s: %s", dir, err)
		return nil, false
	}
	return result, true
}

type sizedEntry struct {
	path  string
	size  uint64
	atime int64
}

// accessTimeGracePeriod groups entries whose atime differ by less than
// this into the same eviction tier, ordered by size instead; matching the
// teacher's dir-cache eviction heuristic so recently-touched small
// entries aren't preferentially evicted over a slightly-older large one.
const accessTimeGracePeriod = 600

// Clean evicts least-recently-used entries until the cache is under
// lowWaterMark bytes, but only runs at all once usage exceeds
// highWaterMark. Intended to run periodically in the background.
func (c *Cache) Clean(highWaterMark, lowWaterMark uint64) uint64 {
	var entries []sizedEntry
	var total uint64
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		log.Error("outputcache: failed to list cache directory: %s", err)
		return total
	}
	for _, de := range dirEntries {
		path := filepath.Join(c.dir, de.Name())
		size, err := dirSize(path)
		if err != nil {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		entries = append(entries, sizedEntry{path: path, size: size, atime: atime.Get(info).Unix()})
		total += size
	}
	log.Info("Output cache size: %s", humanize.Bytes(total))
	if total < highWaterMark {
		return total
	}
	sort.Slice(entries, func(i, j int) bool {
		diff := entries[i].atime - entries[j].atime
		if diff > -accessTimeGracePeriod && diff < accessTimeGracePeriod {
			return entries[i].size > entries[j].size
		}
		return entries[i].atime < entries[j].atime
	})
	for _, e := range entries {
		c.mu.Lock()
		_, marked := c.added[e.path]
		c.mu.Unlock()
		if marked && time.Since(time.Unix(e.atime, 0)) < accessTimeGracePeriod*time.Second {
			continue // just written this run, don't immediately evict it
		}
		log.Debug("Evicting %s, accessed %s, saves %s", e.path, humanize.Time(time.Unix(e.atime, 0)), humanize.Bytes(e.size))
		if err := os.RemoveAll(e.path); err != nil {
			log.Warning("outputcache: failed to evict %s: %s", e.path, err)
			continue
		}
		total -= e.size
		if total < lowWaterMark {
			break
		}
	}
	return total
}

func dirSize(path string) (uint64, error) {
	var total uint64
	err := filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			total += uint64(fi.Size())
		}
		return nil
	})
	return total, err
}
