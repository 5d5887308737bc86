// Package includes implements the include-graph resolver (§4.2): given a
// compiler's search paths, predefined macros and a root set of files, it
// computes the transitive closure of headers the remote compiler needs.
package includes

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
)

// CwdIndex is the reserved include_dir_index for the current working
// directory, always searched first for quote-form includes.
const CwdIndex = 0

// SearchPath mirrors the compiler's documented include-directory ordering:
// [cwd, quote-dirs…, user -I dirs…, system-dirs…]. BracketStart marks the
// index at which angle-bracket (`#include <...>`) search begins; indices
// below it are only consulted for quote-form includes.
type SearchPath struct {
	Dirs        []string
	BracketStart int
}

// NewSearchPath assembles the search path in the compiler's documented
// order, assigning CwdIndex to cwd.
func NewSearchPath(cwd string, quoteDirs, userIncludeDirs, systemDirs []string) *SearchPath {
	dirs := make([]string, 0, 1+len(quoteDirs)+len(userIncludeDirs)+len(systemDirs))
	dirs = append(dirs, cwd)
	dirs = append(dirs, quoteDirs...)
	bracketStart := len(dirs)
	dirs = append(dirs, userIncludeDirs...)
	dirs = append(dirs, systemDirs...)
	return &SearchPath{Dirs: dirs, BracketStart: bracketStart}
}

// candidateDirs returns the ordered list of directory indices to probe for
// a quote-form (all dirs) or angle-bracket-form (only bracketStart onward)
// include.
func (sp *SearchPath) candidateDirs(quoted bool) []int {
	start := 0
	if !quoted {
		start = sp.BracketStart
	}
	idxs := make([]int, 0, len(sp.Dirs)-start)
	for i := start; i < len(sp.Dirs); i++ {
		idxs = append(idxs, i)
	}
	return idxs
}

// pruneCache memoises the §4.2 step-4 pruning heuristic: before probing a
// directory for a candidate path, we first check whether dir contains
// top-component(path) at all; if not, every candidate sharing that top
// component can be skipped without a further stat per directory entry.
// Each directory's entry set is read once (via a single readdir, not a
// stat per candidate) and cached for the life of the resolve.
type pruneCache struct {
	entries map[string]map[string]bool
}

func newPruneCache() *pruneCache { return &pruneCache{entries: map[string]map[string]bool{}} }

func topComponent(path string) string {
	path = filepath.ToSlash(path)
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

// mayExistUnder reports whether dir's entry set (populated via a single
// godirwalk readdir on first use) contains top-component(rel).
func (p *pruneCache) mayExistUnder(dir, rel string) bool {
	names, ok := p.entries[dir]
	if !ok {
		names = readDirNames(dir)
		p.entries[dir] = names
	}
	return names[topComponent(rel)]
}

// readDirNames lists dir's immediate entries via godirwalk.ReadDirnames,
// which skips the per-entry Lstat ReadDir does; a missing or unreadable
// dir yields an empty set rather than an error, matching the pruning
// heuristic's "absent means skip" contract.
func readDirNames(dir string) map[string]bool {
	names, err := godirwalk.ReadDirnames(dir, nil)
	if err != nil {
		return map[string]bool{}
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// resolveInDir resolves rel against dir if present, returning the full
// path.
func resolveInDir(dir, rel string) (string, bool) {
	full := filepath.Join(dir, rel)
	if _, err := os.Stat(full); err == nil {
		return full, true
	}
	return "", false
}
