// Package pathhash provides the hash and file-stat primitives shared by the
// include resolver, the dependency cache and the compiler-info cache: a
// memoised SHA-256 of file content (Hasher), and an (mtime, size, is-dir)
// FileStat used purely for invalidation. Stat is not cached: every call
// issues its own Lstat.
package pathhash

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"github.com/pkg/xattr"
	"github.com/zeebo/blake3"
)

// xattrName is the tag under which we stash a file's content hash, so a
// later lookup can skip re-reading the file entirely.
const xattrName = "user.compilecoord.sha256"

// FileStat is (mtime, size, is-directory, valid?), used only to decide
// whether a file might have changed; never to derive content.
type FileStat struct {
	ModTime int64
	Size    int64
	IsDir   bool
	Valid   bool
}

// Stat returns the FileStat for path. A missing file yields Valid == false
// rather than an error, since "the file is gone" is itself useful signal
// to the caller (dependency-cache miss, compiler-info invalidation).
func Stat(path string) FileStat {
	info, err := os.Lstat(path)
	if err != nil {
		return FileStat{}
	}
	return FileStat{
		ModTime: info.ModTime().UnixNano(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		Valid:   true,
	}
}

// FromFileInfo converts an already-obtained os.FileInfo into a FileStat,
// for callers that stat a path for other reasons and don't want to pay for
// a second syscall.
func FromFileInfo(info os.FileInfo) FileStat {
	return FileStat{
		ModTime: info.ModTime().UnixNano(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		Valid:   true,
	}
}

// Equal reports whether two FileStats describe the same file state.
func (s FileStat) Equal(o FileStat) bool {
	return s.Valid == o.Valid && s.ModTime == o.ModTime && s.Size == o.Size && s.IsDir == o.IsDir
}

// A Hasher memoises SHA-256 hashes of file content by path, keyed relative
// to a root so a file named by its absolute path under root and by its
// root-relative path shares one cache entry.
type Hasher struct {
	root  string
	mu    sync.RWMutex
	memo  map[string][]byte
}

// NewHasher returns a Hasher rooted at root (typically the build cwd).
func NewHasher(root string) *Hasher {
	return &Hasher{root: root, memo: map[string][]byte{}}
}

// Hash returns the SHA-256 of the file at path. If recalc is false and a
// memoised value exists, it is returned without touching the filesystem.
// If store is true, the hash may be persisted as an xattr for a future
// process to pick up without rehashing (only done for files under the
// hasher's root, never for arbitrary user-controlled paths).
func (h *Hasher) Hash(path string, recalc, store bool) ([]byte, error) {
	rel := h.relative(path)
	if store && (h.root == "" || rel == path) {
		store = false // path is not under the hasher's root
	}
	if !recalc {
		h.mu.RLock()
		v, ok := h.memo[rel]
		h.mu.RUnlock()
		if ok {
			return v, nil
		}
	}
	sum, err := h.hash(path, store)
	if err == nil {
		h.mu.Lock()
		h.memo[rel] = sum
		h.mu.Unlock()
	}
	return sum, err
}

// MustHash is Hash but panics on error; used where the caller has already
// established the file must exist (e.g. a just-written output).
func (h *Hasher) MustHash(path string) []byte {
	sum, err := h.Hash(path, false, false)
	if err != nil {
		panic(err)
	}
	return sum
}

// SetHash directly installs a known hash for path, used when content
// arrives over the wire (a downloaded blob) and so its hash is already
// known without needing to read it back from disk.
func (h *Hasher) SetHash(path string, sum []byte) {
	rel := h.relative(path)
	h.mu.Lock()
	h.memo[rel] = sum
	h.mu.Unlock()
	xattr.Set(path, xattrName, sum) // best-effort only
}

// Forget drops any memoised hash for path, used after a file is deleted or
// about to be overwritten in place.
func (h *Hasher) Forget(path string) {
	h.mu.Lock()
	delete(h.memo, h.relative(path))
	h.mu.Unlock()
}

func (h *Hasher) hash(path string, store bool) ([]byte, error) {
	if store {
		if b, err := xattr.Get(path, xattrName); err == nil && len(b) == sha256.Size {
			return b, nil
		}
	}
	hasher := sha256.New()
	if err := hashFile(hasher, path); err != nil {
		return nil, err
	}
	sum := hasher.Sum(nil)
	if store {
		xattr.Set(path, xattrName, sum) // best-effort, fine if unsupported
	}
	return sum, nil
}

func hashFile(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(h, f)
	return err
}

// HashBytes hashes an in-memory byte slice directly (used for inline blob
// content that never touches disk).
func HashBytes(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// HashHex is a convenience wrapper returning the hex-encoded digest.
func HashHex(b []byte) string {
	return fmt.Sprintf("%x", HashBytes(b))
}

// FastHashBytes hashes an in-memory byte slice with BLAKE3. Used for the
// dependency cache's directive hash, a change detector rather than a
// content-addressing identity, so BLAKE3's speed is preferred here; blob
// identity (HashBytes/Hash) stays on SHA-256.
func FastHashBytes(b []byte) []byte {
	sum := blake3.Sum256(b)
	return sum[:]
}

// FastHashHex is a convenience wrapper returning the hex-encoded digest.
func FastHashHex(b []byte) string {
	return fmt.Sprintf("%x", FastHashBytes(b))
}

func (h *Hasher) relative(path string) string {
	if len(path) > len(h.root) && path[:len(h.root)] == h.root {
		rel := path[len(h.root):]
		for len(rel) > 0 && rel[0] == '/' {
			rel = rel[1:]
		}
		return rel
	}
	return path
}
