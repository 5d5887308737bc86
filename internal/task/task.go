// Package task implements the compile-task state machine (§4.1): the
// object that threads one compile request end-to-end across the remote
// and local execution paths.
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/compilecoord/compilecoord/internal/compilerinfo"
	"github.com/compilecoord/compilecoord/internal/pathhash"
	"github.com/compilecoord/compilecoord/internal/proto"
)

// State is the task's position in the §4.1 state machine. Modeled as an
// atomically-updated int32, same shape as the teacher's BuildTargetState.
type State int32

const (
	Init State = iota
	Setup
	FileReq
	CallExec
	LocalOutput
	FileResp
	Finished
	LocalRun
	LocalFinished
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Setup:
		return "SETUP"
	case FileReq:
		return "FILE_REQ"
	case CallExec:
		return "CALL_EXEC"
	case LocalOutput:
		return "LOCAL_OUTPUT"
	case FileResp:
		return "FILE_RESP"
	case Finished:
		return "FINISHED"
	case LocalRun:
		return "LOCAL_RUN"
	case LocalFinished:
		return "LOCAL_FINISHED"
	default:
		return "UNKNOWN"
	}
}

// kMaxExecRetry bounds FILE_REQ/CALL_EXEC retries (§4.1).
const kMaxExecRetry = 4

// Task is the CompileTask runtime object. One is created per incoming
// request and destroyed once its refcount (held by the reply path and by
// any in-flight upload/download goroutines) reaches zero.
type Task struct {
	ID string

	Request  *proto.Request
	Response *proto.Response

	// VerifyOutput, ShouldFallback and LocalWeight are the three
	// orthogonal policies decided at INIT (§4.1).
	VerifyOutput   bool
	ShouldFallback bool
	LocalWeight    Weight

	CompilerInfo *compilerinfo.Handle

	inputStats  map[string]pathhash.FileStat
	outputStats map[string]pathhash.FileStat
	statsMu     sync.Mutex

	requiredFiles  map[string]bool
	uploadedThisRun map[string]bool
	filesMu        sync.Mutex

	state    int32 // State, accessed via atomic
	canceled int32 // atomic bool

	refs int32

	attempt int // CALL_EXEC/FILE_REQ retry counter

	dropCount int // request-shrinking drop count, for diagnostics

	createdAt time.Time
}

// Weight is the scheduler hint decided at INIT (§4.1 "local_weight").
type Weight int

const (
	WeightLight Weight = iota
	WeightHeavy
)

// New creates a Task for req, with refcount 1 (the caller's own
// reference, released when the reply path is done with it).
func New(req *proto.Request) *Task {
	return &Task{
		ID:              uuid.NewString(),
		Request:         req,
		Response:        &proto.Response{},
		inputStats:      map[string]pathhash.FileStat{},
		outputStats:     map[string]pathhash.FileStat{},
		requiredFiles:   map[string]bool{},
		uploadedThisRun: map[string]bool{},
		refs:            1,
		createdAt:       time.Now(),
	}
}

// State returns the task's current state.
func (t *Task) State() State { return State(atomic.LoadInt32(&t.state)) }

// SetState sets the task's current state. Unconditional; most
// transitions in §4.1 have exactly one writer (the owning worker
// thread), per §5's ordering guarantee.
func (t *Task) SetState(s State) { atomic.StoreInt32(&t.state, int32(s)) }

// CompareAndSetState performs the transition only if the task is
// currently in `before`, for the few transitions multiple goroutines may
// race to perform (the INIT-time local/remote race winner moving the
// task to its terminal state).
func (t *Task) CompareAndSetState(before, after State) bool {
	return atomic.CompareAndSwapInt32(&t.state, int32(before), int32(after))
}

// Cancel marks the task canceled; every suspension point must observe
// this via Canceled() and short-circuit to FINISHED (§4.1
// "Cancellation").
func (t *Task) Cancel() { atomic.StoreInt32(&t.canceled, 1) }

// Canceled reports whether Cancel has been called.
func (t *Task) Canceled() bool { return atomic.LoadInt32(&t.canceled) != 0 }

// AddRef takes one more reference on the task (an in-flight upload or
// download goroutine, typically).
func (t *Task) AddRef() { atomic.AddInt32(&t.refs, 1) }

// Release drops a reference. Returns true if this was the last one and
// the task is now eligible for cleanup; callers that get true are
// responsible for actually freeing any task-owned resources (the
// CompilerInfo handle, tmp files).
func (t *Task) Release() bool {
	return atomic.AddInt32(&t.refs, -1) == 0
}

// RecordInputStat stores the FileStat a file had at the moment it was
// included in a request, for the up-to-date checks a subsequent retry
// needs.
func (t *Task) RecordInputStat(path string, stat pathhash.FileStat) {
	t.statsMu.Lock()
	t.inputStats[path] = stat
	t.statsMu.Unlock()
}

// InputStat returns a previously recorded input FileStat.
func (t *Task) InputStat(path string) (pathhash.FileStat, bool) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	s, ok := t.inputStats[path]
	return s, ok
}

// RecordOutputStat stores the FileStat an output file had after being
// written (materializeOutputs calls it); nothing reads the stored value
// back.
func (t *Task) RecordOutputStat(path string, stat pathhash.FileStat) {
	t.statsMu.Lock()
	t.outputStats[path] = stat
	t.statsMu.Unlock()
}

// SetRequiredFiles installs the required-file set computed by §4.2/§4.4
// for this task.
func (t *Task) SetRequiredFiles(files []string) {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	t.requiredFiles = make(map[string]bool, len(files))
	for _, f := range files {
		t.requiredFiles[f] = true
	}
}

// RequiredFiles returns the required-file set as a slice.
func (t *Task) RequiredFiles() []string {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	out := make([]string, 0, len(t.requiredFiles))
	for f := range t.requiredFiles {
		out = append(out, f)
	}
	return out
}

// MarkUploaded records that path's content was embedded/uploaded during
// the current attempt, so a later retry in the same attempt doesn't
// redo it.
func (t *Task) MarkUploaded(path string) {
	t.filesMu.Lock()
	t.uploadedThisRun[path] = true
	t.filesMu.Unlock()
}

// WasUploaded reports whether path was already uploaded this run.
func (t *Task) WasUploaded(path string) bool {
	t.filesMu.Lock()
	defer t.filesMu.Unlock()
	return t.uploadedThisRun[path]
}

// Attempt returns the current FILE_REQ/CALL_EXEC retry count.
func (t *Task) Attempt() int { return t.attempt }

// IncAttempt bumps the retry counter and reports whether the budget
// (kMaxExecRetry) is exhausted.
func (t *Task) IncAttempt() (exhausted bool) {
	t.attempt++
	return t.attempt > kMaxExecRetry
}

// DropCount returns how many inputs request-shrinking dropped embedded
// content for, for diagnostics/logging.
func (t *Task) DropCount() int { return t.dropCount }
