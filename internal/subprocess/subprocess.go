// Package subprocess declares the local-compiler-execution seam
// (SPEC_FULL.md's "the subprocess launcher" external collaborator) and
// provides a minimal direct implementation good enough to drive the
// racing and fallback paths without sandboxing or namespacing policy,
// which remain out of scope here.
package subprocess

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("subprocess")

// Result is what running a compiler locally produced.
type Result struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
	Outputs    map[string][]byte
}

// Launcher runs a compiler invocation directly on the local host.
type Launcher interface {
	Run(ctx context.Context, argv []string, cwd string, env []string) (*Result, error)
}

// Direct is a Launcher with no sandboxing or process-namespacing: it
// starts argv in its own process group so Kill can signal the whole
// group, same escalation order (SIGTERM, then SIGKILL) the teacher's
// process.Executor uses.
type Direct struct {
	// ExpectedOutputs, if set, names files (relative to cwd) to read back
	// into Result.Outputs after the process exits, for callers (e.g. a
	// verify_output race) that need the produced bytes rather than just
	// the exit status.
	ExpectedOutputs []string

	mu        sync.Mutex
	processes map[context.Context]*exec.Cmd
}

// NewDirect returns a ready-to-use Direct launcher.
func NewDirect() *Direct {
	return &Direct{processes: map[context.Context]*exec.Cmd{}}
}

// Run implements Launcher.
func (d *Direct) Run(ctx context.Context, argv []string, cwd string, env []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, os.ErrInvalid
	}
	cmd := d.execCommand(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	d.register(ctx, cmd)
	defer d.unregister(ctx)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		d.kill(cmd)
		<-done
		runErr = ctx.Err()
	}

	exitStatus := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitStatus = exitErr.ExitCode()
		runErr = nil
	} else if runErr != nil {
		return nil, runErr
	}

	res := &Result{ExitStatus: exitStatus, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if len(d.ExpectedOutputs) > 0 {
		res.Outputs = map[string][]byte{}
		for _, name := range d.ExpectedOutputs {
			path := name
			if cwd != "" && !os.IsPathSeparator(name[0]) {
				path = cwd + string(os.PathSeparator) + name
			}
			content, err := os.ReadFile(path)
			if err != nil {
				log.Debug("subprocess: expected output %s unreadable: %s", path, err)
				continue
			}
			res.Outputs[name] = content
		}
	}
	return res, nil
}

// Kill terminates the process running under handle (the context.Context
// previously passed to Run for this invocation) with SIGTERM, escalating
// to SIGKILL after a grace period, mirroring the teacher's
// process.Executor.killProcess. It is a no-op if that invocation already
// finished or was never registered.
func (d *Direct) Kill(handle any) error {
	runCtx, ok := handle.(context.Context)
	if !ok {
		return os.ErrInvalid
	}
	d.mu.Lock()
	cmd, found := d.processes[runCtx]
	d.mu.Unlock()
	if !found || cmd.Process == nil {
		return os.ErrInvalid
	}
	d.kill(cmd)
	return nil
}

func (d *Direct) register(ctx context.Context, cmd *exec.Cmd) {
	d.mu.Lock()
	d.processes[ctx] = cmd
	d.mu.Unlock()
}

func (d *Direct) unregister(ctx context.Context) {
	d.mu.Lock()
	delete(d.processes, ctx)
	d.mu.Unlock()
}
