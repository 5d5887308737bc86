package task

import (
	"testing"

	"github.com/compilecoord/compilecoord/internal/proto"
)

func TestNewTaskStartsAtInitWithOneRef(t *testing.T) {
	task := New(&proto.Request{})
	if task.State() != Init {
		t.Fatalf("State() = %s, want INIT", task.State())
	}
	if task.ID == "" {
		t.Fatal("expected a non-empty task ID")
	}
	if task.Release() != true {
		t.Fatal("Release() on a fresh task (refs=1) should report last-ref")
	}
}

func TestAddRefDelaysRelease(t *testing.T) {
	task := New(&proto.Request{})
	task.AddRef()
	if task.Release() {
		t.Fatal("Release() should not report last-ref while a second ref is outstanding")
	}
	if !task.Release() {
		t.Fatal("Release() should report last-ref once the second ref is dropped")
	}
}

func TestSetStateAndCompareAndSetState(t *testing.T) {
	task := New(&proto.Request{})
	task.SetState(FileReq)
	if task.State() != FileReq {
		t.Fatalf("State() = %s, want FILE_REQ", task.State())
	}
	if task.CompareAndSetState(CallExec, Finished) {
		t.Fatal("CompareAndSetState should fail when current state doesn't match `before`")
	}
	if !task.CompareAndSetState(FileReq, CallExec) {
		t.Fatal("CompareAndSetState should succeed when current state matches `before`")
	}
	if task.State() != CallExec {
		t.Fatalf("State() = %s, want CALL_EXEC", task.State())
	}
}

func TestCancel(t *testing.T) {
	task := New(&proto.Request{})
	if task.Canceled() {
		t.Fatal("a fresh task must not be canceled")
	}
	task.Cancel()
	if !task.Canceled() {
		t.Fatal("Canceled() should report true after Cancel()")
	}
}

func TestRequiredFilesRoundTrip(t *testing.T) {
	task := New(&proto.Request{})
	task.SetRequiredFiles([]string{"a.h", "b.h", "a.h"})
	got := map[string]bool{}
	for _, f := range task.RequiredFiles() {
		got[f] = true
	}
	if len(got) != 2 || !got["a.h"] || !got["b.h"] {
		t.Fatalf("RequiredFiles() = %v, want {a.h, b.h}", got)
	}
}

func TestUploadTrackingPerRun(t *testing.T) {
	task := New(&proto.Request{})
	if task.WasUploaded("a.h") {
		t.Fatal("a.h should not be marked uploaded yet")
	}
	task.MarkUploaded("a.h")
	if !task.WasUploaded("a.h") {
		t.Fatal("a.h should be marked uploaded")
	}
}

func TestIncAttemptExhaustsAfterBudget(t *testing.T) {
	task := New(&proto.Request{})
	for i := 0; i < kMaxExecRetry; i++ {
		if task.IncAttempt() {
			t.Fatalf("IncAttempt() exhausted early at attempt %d", i+1)
		}
	}
	if !task.IncAttempt() {
		t.Fatal("IncAttempt() should report exhausted once past kMaxExecRetry")
	}
}

func TestStateStringCoversEveryState(t *testing.T) {
	states := []State{Init, Setup, FileReq, CallExec, LocalOutput, FileResp, Finished, LocalRun, LocalFinished}
	seen := map[string]bool{}
	for _, s := range states {
		str := s.String()
		if str == "UNKNOWN" {
			t.Fatalf("State %d stringified as UNKNOWN", s)
		}
		if seen[str] {
			t.Fatalf("duplicate State string %q", str)
		}
		seen[str] = true
	}
}
