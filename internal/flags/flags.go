// Package flags declares the contract between the state machine and
// per-compiler command-line parsing. Actual flag semantics (GCC vs.
// Clang vs. cl.exe argument grammars, response-file expansion, driver
// flag tables) are an external collaborator per SPEC_FULL.md's
// non-goals; this package only names the seam a concrete parser must
// satisfy to drive internal/task.
package flags

import "github.com/compilecoord/compilecoord/internal/envfilter"

// Decision is what a concrete parser determines about one compile
// invocation: whether it is a compile this coordinator can handle
// remotely at all, and the policy inputs §4.1 INIT needs.
type Decision struct {
	// Supported is false for invocations the parser doesn't recognise as
	// a single-file compile (e.g. a link step with no matching remote
	// policy, or an already-preprocessed input) — the caller should fall
	// back to running locally without involving the state machine.
	Supported bool

	Family       envfilter.Family
	IsLinkTask   bool
	VerifyOutput bool

	// SourceFile is the file actually being compiled, the first root the
	// include resolver walks from.
	SourceFile string
	// OutputFile is the expected primary compiler output (the .o/.obj).
	OutputFile string
}

// Parser turns a raw argv/cwd pair into a Decision. Implementations are
// per-compiler-family and live outside this package.
type Parser interface {
	Parse(argv []string, cwd string) (Decision, error)
}
