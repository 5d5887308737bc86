// Package compilerinfo implements the compiler-information cache (§4.3):
// memoised discovery of a compiler's built-in include paths, predefined
// macros, feature tables and auxiliary resources, refcounted and shared
// across tasks, persisted between coordinator runs.
package compilerinfo

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/compilecoord/compilecoord/internal/pathhash"
)

// Key is the CompilerInfoKey from the data model: it identifies a
// resolution of compiler capabilities.
type Key struct {
	InfoFlags []string // compiler-info-relevant flags
	KeyEnvs   map[string]string
	Lang      string
	Cwd       string // only meaningful when CwdSensitive is true
	LocalPath string
}

// Hash returns a stable string key for the map lookup, mirroring the data
// model's (compiler-info-flags ++ key-envs ++ "lang:"+lang, cwd,
// local-compiler-path) tuple.
func (k Key) Hash() string {
	h := sha256.New()
	flags := append([]string(nil), k.InfoFlags...)
	sort.Strings(flags)
	for _, f := range flags {
		fmt.Fprintf(h, "flag:%s\x00", f)
	}
	envKeys := make([]string, 0, len(k.KeyEnvs))
	for k := range k.KeyEnvs {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, ek := range envKeys {
		fmt.Fprintf(h, "env:%s=%s\x00", ek, k.KeyEnvs[ek])
	}
	fmt.Fprintf(h, "lang:%s\x00", k.Lang)
	fmt.Fprintf(h, "cwd:%s\x00", k.Cwd)
	fmt.Fprintf(h, "path:%s\x00", k.LocalPath)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// canonKey returns the key used for storage: if the resolved info does not
// depend on cwd, the cwd component is zeroed so lookups from different
// working directories can still share the entry.
func canonKey(k Key, cwdSensitive bool) Key {
	if !cwdSensitive {
		k.Cwd = ""
	}
	return k
}

// Resource is one auxiliary resource discovered alongside a compiler
// (sanitizer ignorelist, SDKSettings.json, crtbegin.o, etc).
type Resource struct {
	Path      string
	IsSymlink bool
	Target    string // resolved target, only set when IsSymlink
	Stat      pathhash.FileStat
}

// Info is the CompilerInfo record from the data model.
type Info struct {
	QuoteDirs     []string
	SystemDirs    []string
	FrameworkDirs []string
	Predefined    map[string]string
	Features      map[string]bool
	Extensions    map[string]bool
	Attributes    map[string]bool
	Builtins      map[string]bool
	ResourceDir   string
	Resources     []Resource
	Subprograms   []string
	Target        string
	Version       string

	LocalPath     string
	RealPath      string
	LocalStat     pathhash.FileStat
	RealStat      pathhash.FileStat
	LocalHash     []byte
	RealHash      []byte
	SubprogStats  map[string]pathhash.FileStat
	CwdSensitive  bool

	disabled int32 // atomic bool
}

// Disabled reports whether the server has rejected this compiler.
func (i *Info) Disabled() bool { return atomic.LoadInt32(&i.disabled) != 0 }

// setDisabled marks the info disabled.
func (i *Info) setDisabled() { atomic.StoreInt32(&i.disabled, 1) }

// SerializedHash returns a stable hash of the resolved data, used to detect
// that two distinct keys resolved to identical results (and so can be
// aliased to the same record).
func (i *Info) SerializedHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", i.RealPath, i.Target, i.Version)
	fmt.Fprintf(h, "quote:%s\x00", strings.Join(i.QuoteDirs, ","))
	fmt.Fprintf(h, "system:%s\x00", strings.Join(i.SystemDirs, ","))
	fmt.Fprintf(h, "framework:%s\x00", strings.Join(i.FrameworkDirs, ","))
	keys := make([]string, 0, len(i.Predefined))
	for k := range i.Predefined {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "def:%s=%s\x00", k, i.Predefined[k])
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Handle is a counted reference to an Info record. Tasks hold a Handle
// for as long as they need the compiler info. The count only tracks
// outstanding Handles: the cache's own map entry is not counted, and
// nothing is freed when the count reaches zero; the entry's memory is
// reclaimed by the garbage collector once neither the cache nor any
// Handle refers to it.
type Handle struct {
	entry *entry
}

// Info returns the underlying Info. Valid until Release is called.
func (h *Handle) Info() *Info { return h.entry.info }

// Release drops this reference by decrementing the entry's count; it
// frees nothing itself.
func (h *Handle) Release() {
	h.entry.release()
}

type entry struct {
	mu       sync.Mutex
	info     *Info
	key      Key
	lastUsed int64 // unix nanos, updated at most once per lookupInterval
	refs     int32
	removed  bool
}

func (e *entry) acquire() *Handle {
	atomic.AddInt32(&e.refs, 1)
	return &Handle{entry: e}
}

func (e *entry) release() {
	atomic.AddInt32(&e.refs, -1)
}
