package compilerinfo

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/compilecoord/compilecoord/internal/lock"
	"github.com/compilecoord/compilecoord/internal/pathhash"
)

var log = logging.MustGetLogger("compilerinfo")

// lookupInterval bounds how often a hit bumps last_used_at, so a hot key
// doesn't thrash the persistence layer's dirty-tracking.
const lookupInterval = 10 * time.Minute

// negativeResultTTL is how long a negative (not-found/error) result stays
// valid before a fresh discovery is forced.
const negativeResultTTL = 10 * time.Minute

// MaxEntries caps the persisted table size; least-recently-used entries
// are evicted first on Save.
const MaxEntries = 4096

// Cache is the compiler-info cache (§4.3). It is safe for concurrent use
// by many task goroutines; reads proceed in parallel, writes (Store,
// Disable, eviction) are exclusive, mirroring §5's "reader-writer lock,
// reads in parallel, writes exclusive" shared-resource rule.
type Cache struct {
	mu       lock.RWMutex
	byKey    map[string]*entry
	bySerial map[string]*entry // serialized-data hash -> entry, for aliasing
	now      func() time.Time
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		byKey:    map[string]*entry{},
		bySerial: map[string]*entry{},
		now:      time.Now,
	}
}

// Lookup returns a refcounted Handle for key, or (nil, false) on a miss.
// A negative result past its TTL is treated as a miss. Successful lookups
// bump last_used_at at most once per lookupInterval.
func (c *Cache) Lookup(key Key) (*Handle, bool) {
	release := c.mu.AcquireShared()
	canon := canonKey(key, true) // try cwd-sensitive key first
	e, ok := c.byKey[canon.Hash()]
	if !ok {
		canon = canonKey(key, false)
		e, ok = c.byKey[canon.Hash()]
	}
	release()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	if e.info.isNegative() && c.now().Sub(time.Unix(0, e.lastUsed)) > negativeResultTTL {
		e.mu.Unlock()
		return nil, false
	}
	now := c.now().UnixNano()
	if now-e.lastUsed > int64(lookupInterval) {
		e.lastUsed = now
	}
	e.mu.Unlock()

	if !c.isUpToDate(e) {
		return nil, false
	}
	return e.acquire(), true
}

// Store inserts a new entry for key. If an existing record shares the same
// serialized-data hash, the new key is aliased to it instead of creating a
// duplicate record. A newly inserted record for a local compiler binary
// that already has a disabled record is itself marked disabled.
func (c *Cache) Store(key Key, info *Info) *Handle {
	release := c.mu.AcquireExclusive()
	defer release()

	canon := canonKey(key, info.CwdSensitive)
	serial := info.SerializedHash()

	if existing, ok := c.bySerial[serial]; ok {
		c.byKey[canon.Hash()] = existing
		existing.key = canon
		return existing.acquire()
	}

	e := &entry{info: info, key: canon, lastUsed: c.now().UnixNano()}
	for _, other := range c.byKey {
		if other.info.LocalPath == info.LocalPath && other.info.Disabled() {
			info.setDisabled()
			break
		}
	}
	c.byKey[canon.Hash()] = e
	c.bySerial[serial] = e
	return e.acquire()
}

// Disable marks h's info disabled and propagates the disablement to every
// other record referring to the same local compiler binary.
func (c *Cache) Disable(h *Handle, reason string) {
	release := c.mu.AcquireExclusive()
	defer release()

	h.entry.info.setDisabled()
	log.Warning("compiler %s disabled: %s", h.entry.info.LocalPath, reason)
	for _, e := range c.byKey {
		if e.info.LocalPath == h.entry.info.LocalPath {
			e.info.setDisabled()
		}
	}
}

// isUpToDate implements §4.3's up-to-date check: local/real/subprogram
// FileStats and resource validity must all still hold, with a hash-based
// promotion path when only the FileStats have drifted but content hasn't.
func (c *Cache) isUpToDate(e *entry) bool {
	info := e.info
	if !pathhash.Stat(info.LocalPath).Equal(info.LocalStat) {
		return c.tryPromote(info)
	}
	if !pathhash.Stat(info.RealPath).Equal(info.RealStat) {
		return c.tryPromote(info)
	}
	for path, stat := range info.SubprogStats {
		if !pathhash.Stat(path).Equal(stat) {
			return c.tryPromote(info)
		}
	}
	for _, r := range info.Resources {
		if r.IsSymlink {
			target, err := resolveSymlink(r.Path, 8)
			if err != nil || target != r.Target {
				return false
			}
		} else if !pathhash.Stat(r.Path).Equal(r.Stat) {
			return false
		}
	}
	return true
}

// tryPromote recomputes hashes when FileStats mismatch; if content hashes
// are unchanged the entry is promoted in place (FileStats replaced) rather
// than evicted.
func (c *Cache) tryPromote(info *Info) bool {
	localStat := pathhash.Stat(info.LocalPath)
	realStat := pathhash.Stat(info.RealPath)
	if !localStat.Valid || !realStat.Valid {
		return false
	}
	h := pathhash.NewHasher("")
	localHash, err := h.Hash(info.LocalPath, true, false)
	if err != nil {
		return false
	}
	realHash, err := h.Hash(info.RealPath, true, false)
	if err != nil {
		return false
	}
	if string(localHash) != string(info.LocalHash) || string(realHash) != string(info.RealHash) {
		return false
	}
	info.LocalStat = localStat
	info.RealStat = realStat
	return true
}

// Invalidate drops every cached entry, used when cachewatch detects the
// persisted table changed on disk out from under this process.
func (c *Cache) Invalidate() {
	release := c.mu.AcquireExclusive()
	defer release()
	c.byKey = map[string]*entry{}
	c.bySerial = map[string]*entry{}
}

// isNegative reports whether this Info represents a negative discovery
// result (not-found / error), which carries a shorter TTL than a positive
// one.
func (i *Info) isNegative() bool {
	return i.RealPath == "" && i.Version == ""
}
