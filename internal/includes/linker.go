package includes

import (
	"debug/macho"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/compilecoord/compilecoord/internal/shellsplit"
)

// DriverInvoker runs the link driver with `-###` and returns the raw
// collect2 (or equivalent) command line it prints. The actual subprocess
// launch is out of scope (external collaborator); this is the seam the
// state machine's linker path plugs a real launcher into.
type DriverInvoker interface {
	InvokeDashDashDash(argv []string) (string, error)
}

// ArchiveReader enumerates the member file names of a (possibly thin)
// static archive.
type ArchiveReader interface {
	Members(archivePath string) ([]string, error)
	IsThin(archivePath string) (bool, error)
}

// LinkerScriptParser extracts further input file references from a GNU ld
// linker script (`INPUT(...)`, `GROUP(...)` directives).
type LinkerScriptParser interface {
	Parse(scriptPath string) (inputs []string, err error)
}

// LinkConfig configures the §4.2 "Linker mode" procedure.
type LinkConfig struct {
	Argv       []string
	Driver     DriverInvoker
	Archives   ArchiveReader
	Scripts    LinkerScriptParser // optional
	MachODepth int                // max LC_LOAD_DYLIB recursion depth; 0 disables
}

// ResolveLink implements the linker-mode replacement for the normal
// include walk: invoke `-###` to capture the driver's real command line,
// parse -L/-l into concrete archive paths, recursively walk thin-archive
// member lists, optionally parse linker scripts, and on Mach-O recurse
// through LC_LOAD_DYLIB entries up to a fixed depth.
func ResolveLink(cfg LinkConfig) (Result, error) {
	raw, err := cfg.Driver.InvokeDashDashDash(cfg.Argv)
	if err != nil {
		return Result{}, fmt.Errorf("includes: link driver invocation failed: %w", err)
	}
	tokens, err := tokenizeDriverLine(raw)
	if err != nil {
		return Result{}, err
	}

	var libDirs []string
	var libs []string
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		switch {
		case strings.HasPrefix(t, "-L"):
			libDirs = append(libDirs, strings.TrimPrefix(t, "-L"))
		case strings.HasPrefix(t, "-l"):
			libs = append(libs, strings.TrimPrefix(t, "-l"))
		}
	}

	r := &resolverState{visited: map[string]bool{}, prune: newPruneCache()}
	for _, lib := range libs {
		path, ok := findLib(libDirs, lib)
		if !ok {
			continue
		}
		r.record(path)
		if err := r.walkArchive(path, cfg); err != nil {
			return Result{Files: r.order}, err
		}
	}
	return Result{Files: r.order}, nil
}

func findLib(dirs []string, name string) (string, bool) {
	for _, d := range dirs {
		for _, pattern := range []string{"lib" + name + ".a", "lib" + name + ".so", "lib" + name + ".dylib"} {
			p := filepath.Join(d, pattern)
			if _, err := os.Stat(p); err == nil {
				return p, true
			}
		}
	}
	return "", false
}

func (r *resolverState) walkArchive(path string, cfg LinkConfig) error {
	if cfg.Archives == nil {
		return r.walkMachO(path, cfg.MachODepth)
	}
	isThin, err := cfg.Archives.IsThin(path)
	if err != nil {
		return nil // not an archive we can introspect; treat as opaque
	}
	members, err := cfg.Archives.Members(path)
	if err != nil {
		return err
	}
	for _, m := range members {
		r.record(m)
		if isThin {
			// Thin archives store only references; recurse into the
			// member's own archive if it is one.
			if strings.HasSuffix(m, ".a") {
				if err := r.walkArchive(m, cfg); err != nil {
					return err
				}
			}
		}
	}
	if cfg.Scripts != nil && looksLikeLinkerScript(path) {
		inputs, err := cfg.Scripts.Parse(path)
		if err == nil {
			for _, in := range inputs {
				r.record(in)
			}
		}
	}
	return r.walkMachO(path, cfg.MachODepth)
}

func looksLikeLinkerScript(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 64)
	n, _ := f.Read(buf)
	return strings.Contains(string(buf[:n]), "INPUT") || strings.Contains(string(buf[:n]), "GROUP")
}

// walkMachO recurses through LC_LOAD_DYLIB entries up to depth, recording
// each dylib path it finds (§4.2 linker-mode step f).
func (r *resolverState) walkMachO(path string, depth int) error {
	if depth <= 0 {
		return nil
	}
	f, err := macho.Open(path)
	if err != nil {
		return nil // not a Mach-O file; nothing to walk
	}
	defer f.Close()
	for _, l := range f.Loads {
		dl, ok := l.(*macho.Dylib)
		if !ok {
			continue
		}
		if r.visited[dl.Name] {
			continue
		}
		r.record(dl.Name)
		if _, err := os.Stat(dl.Name); err == nil {
			if err := r.walkMachO(dl.Name, depth-1); err != nil {
				return err
			}
		}
	}
	return nil
}

func tokenizeDriverLine(line string) ([]string, error) {
	return shellsplit.Split(line)
}
