package task

import "context"

// SubprocessResult is what a local compile run produced.
type SubprocessResult struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
	Outputs    map[string][]byte // filename -> content, for verify_output comparison
}

// SubprocessLauncher runs the local compiler directly. The actual
// process launch, argv/env construction for the host platform, and I/O
// plumbing are an external collaborator (§1 "the subprocess launcher");
// this is the seam the racing policy and fallback path invoke it
// through.
type SubprocessLauncher interface {
	Run(ctx context.Context, argv []string, cwd string, env []string) (*SubprocessResult, error)
}

// Kill asks a launcher to terminate an in-flight run identified by
// whatever opaque handle Run's implementation associates with it; kept
// as a narrow second interface since not every launcher needs to support
// cancellation (a verifier-mode launcher that always runs to completion,
// say).
type Killable interface {
	Kill(handle any) error
}
