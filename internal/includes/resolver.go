package includes

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"gopkg.in/op/go-logging.v1"

	"github.com/compilecoord/compilecoord/internal/directives"
)

var log = logging.MustGetLogger("includes")

// Config carries everything the resolver needs to compute a required-file
// set for one compile (§4.2). Macro expansion inside #include arguments
// and full conditional-compilation evaluation belong to the preprocessor
// tokenizer (out of scope, see SPEC_FULL.md) — this resolver consumes
// whatever directives its Scanner reports and over-approximates rather
// than under-approximates when a conditional's truth can't be decided
// here, which is safe for the "minimal-but-sufficient" requirement (an
// extra header never breaks a remote compile; a missing one does).
type Config struct {
	Scanner    directives.Scanner
	SearchPath *SearchPath
	// Roots are the source file plus any -include/-imacros//FI files and
	// -fmodule-map-file arguments (§4.2 step 3).
	Roots []string
	// Hosted controls whether __STDC_HOSTED__ is considered defined; the
	// caller has already applied -ffreestanding/-fno-hosted.
	Hosted bool
	// StdcPredefAvailable is set when the compiler is GCC >= 4.8 without
	// -ffreestanding and <stdc-predef.h> exists in the search path; when
	// true it is implicitly added as a root (silently ignored if absent).
	StdcPredefAvailable bool
	// ThinLTOImportsFile, if non-empty, short-circuits the whole walk:
	// the resolver instead reads this file's listed modules as the
	// required set (§4.2 "ThinLTO special case").
	ThinLTOImportsFile string
	// GCHLookup returns a precompiled-header path to substitute for a
	// resolved header, if one exists (§4.2 step 6).
	GCHLookup func(headerPath string) (gchPath string, ok bool)
	// ModuleMapsEnabled enables the Clang-modules directory scan for
	// module.modulemap/module.map files (§4.2 step 7).
	ModuleMapsEnabled bool
}

// Result is the computed required-file set plus bookkeeping the caller
// needs (stable insertion order for depsdb hashing, and whether a fatal
// parse error forced fallback).
type Result struct {
	// Files is the required set, in first-seen order (§4.2 step 5: "no
	// ordering contract" on the set's meaning, but insertion order is
	// exposed for callers — e.g. the dependency cache — that want one).
	Files []string
	// Fatal is set when the resolver hit an unrecoverable parser error
	// and the caller must force local fallback (§4.2 "Error model").
	Fatal bool
	FatalErr error
}

type resolverState struct {
	cfg     Config
	visited map[string]bool
	order   []string
	prune   *pruneCache
	macros  map[string]bool
}

// Resolve computes the required-file set for cfg.
func Resolve(cfg Config) (Result, error) {
	if cfg.ThinLTOImportsFile != "" {
		files, err := readImportsFile(cfg.ThinLTOImportsFile)
		if err != nil {
			return Result{}, err
		}
		return Result{Files: files}, nil
	}

	r := &resolverState{
		cfg:     cfg,
		visited: map[string]bool{},
		prune:   newPruneCache(),
		macros:  map[string]bool{"__STDC_HOSTED__": cfg.Hosted},
	}

	roots := append([]string(nil), cfg.Roots...)
	if cfg.StdcPredefAvailable {
		if p, ok := r.resolveInclude("stdc-predef.h", false); ok {
			roots = append(roots, p)
		}
	}

	for _, root := range roots {
		if err := r.walk(root); err != nil {
			return Result{Files: r.order, Fatal: true, FatalErr: err}, err
		}
	}
	return Result{Files: r.order}, nil
}

func readImportsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var files []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			files = append(files, line)
		}
	}
	return files, sc.Err()
}

func (r *resolverState) record(path string) {
	if r.visited[path] {
		return
	}
	r.visited[path] = true
	r.order = append(r.order, path)
}

func (r *resolverState) walk(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if r.visited[absPath] {
		return nil
	}
	if gch, ok := r.gchShortcut(absPath); ok {
		r.visited[absPath] = true
		r.record(gch)
		return nil // §4.2 step 6: the GCH replaces the header, which is not parsed
	}
	r.record(absPath)

	dirs, err := r.cfg.Scanner.Scan(absPath)
	if err != nil {
		return fmt.Errorf("includes: fatal parse error in %s: %w", absPath, err)
	}
	for _, d := range dirs {
		switch d.Kind {
		case directives.KindDefine:
			name := d.Arg
			if i := strings.IndexAny(name, " ("); i >= 0 {
				name = name[:i]
			}
			r.macros[name] = true
		case directives.KindUndef:
			delete(r.macros, d.Arg)
		case directives.KindInclude, directives.KindIncludeNext, directives.KindImport:
			resolved, ok := r.resolveInclude(d.Arg, d.Quote)
			if !ok {
				// §4.2 "Error model": HandleInclude returning false (no
				// search directory contains the file) is not itself
				// fatal; the file is simply not recorded.
				continue
			}
			if err := r.walk(resolved); err != nil {
				return err
			}
			if r.cfg.ModuleMapsEnabled {
				r.scanModuleMaps(filepath.Dir(resolved))
			}
		}
	}
	return nil
}

// resolveInclude implements HandleInclude: directory-table lookup with
// the pruning heuristic, honouring quote vs. bracket search-start.
func (r *resolverState) resolveInclude(rel string, quoted bool) (string, bool) {
	for _, idx := range r.cfg.SearchPath.candidateDirs(quoted) {
		dir := r.cfg.SearchPath.Dirs[idx]
		if !r.prune.mayExistUnder(dir, rel) {
			continue
		}
		if full, ok := resolveInDir(dir, rel); ok {
			return full, true
		}
	}
	return "", false
}

// HasInclude implements the §4.2 `__has_include` query: existence-only,
// never recurses, and shares the prune cache's directory listings with
// normal resolves. The answer itself is not cached: the candidate path is
// stat'ed again on every call.
func (r *resolverState) HasInclude(rel string, quoted bool) bool {
	_, ok := r.resolveInclude(rel, quoted)
	return ok
}

func (r *resolverState) gchShortcut(headerPath string) (string, bool) {
	if r.cfg.GCHLookup == nil {
		return "", false
	}
	return r.cfg.GCHLookup(headerPath)
}

// scanModuleMaps implements §4.2 step 7: for any directory that ends up in
// the file set under -fimplicit-module-maps, also include any
// module.modulemap/module.map found at that level or in a framework-style
// subdirectory beneath it (Clang's own implicit-module-map scan descends
// into Foo.framework/Modules, not just the including file's own
// directory). Nothing is cached: each call stats and walks dir afresh.
func (r *resolverState) scanModuleMaps(dir string) {
	for _, name := range []string{"module.modulemap", "module.map"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			r.record(p)
		}
	}
	_ = godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(p string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				if rel, err := filepath.Rel(dir, p); err == nil && strings.Count(rel, string(filepath.Separator)) > 1 {
					return filepath.SkipDir
				}
				return nil
			}
			name := filepath.Base(p)
			if name == "module.modulemap" || name == "module.map" {
				r.record(p)
			}
			return nil
		},
		ErrorCallback: func(string, error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
}
