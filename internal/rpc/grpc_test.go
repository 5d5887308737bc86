package rpc

import (
	"strings"
	"testing"
)

func TestDigestCarriesHashAndSize(t *testing.T) {
	d := digest("abc123", 42)
	if d.Hash != "abc123" || d.SizeBytes != 42 {
		t.Fatalf("digest = %+v, want hash=abc123 size=42", d)
	}
}

func TestUploadResourceNameIncludesInstanceAndIsUnique(t *testing.T) {
	g := &GRPCBackend{instance: "main"}
	a := g.uploadResourceName("deadbeef", 10)
	b := g.uploadResourceName("deadbeef", 10)
	if a == b {
		t.Fatal("uploadResourceName must vary per call to avoid collisions between concurrent uploads")
	}
	for _, name := range []string{a, b} {
		if !strings.Contains(name, "main/uploads/") || !strings.Contains(name, "/blobs/deadbeef/10") {
			t.Fatalf("resource name %q missing expected segments", name)
		}
	}
}

func TestDownloadResourceNameIsDeterministic(t *testing.T) {
	g := &GRPCBackend{instance: "main"}
	want := "main/blobs/deadbeef/10"
	if got := g.downloadResourceName("deadbeef", 10); got != want {
		t.Fatalf("downloadResourceName = %q, want %q", got, want)
	}
}

func TestDownloadResourceNameWithoutInstance(t *testing.T) {
	g := &GRPCBackend{}
	want := "blobs/deadbeef/10"
	if got := g.downloadResourceName("deadbeef", 10); got != want {
		t.Fatalf("downloadResourceName = %q, want %q", got, want)
	}
}
