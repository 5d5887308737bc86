package task

import (
	"testing"

	"github.com/compilecoord/compilecoord/internal/proto"
)

func TestShrinkNoOpUnderBudget(t *testing.T) {
	req := &proto.Request{Inputs: []proto.InputFile{
		{Filename: "a.h", Content: make([]byte, 1024)},
	}}
	if dropped := Shrink(req); dropped != 0 {
		t.Fatalf("Shrink() dropped %d inputs while under budget", dropped)
	}
	if req.Inputs[0].Content == nil {
		t.Fatal("Shrink() must not touch content while under budget")
	}
}

func TestShrinkDropsContentUntilUnderBudget(t *testing.T) {
	req := &proto.Request{}
	const perFile = embeddedContentBudget / 2
	for i := 0; i < 4; i++ {
		req.Inputs = append(req.Inputs, proto.InputFile{
			Filename: string(rune('a' + i)),
			Hash:     string(rune('a' + i)),
			Content:  make([]byte, perFile),
		})
	}

	dropped := Shrink(req)
	if dropped == 0 {
		t.Fatal("Shrink() should have dropped content for an over-budget request")
	}

	var total int
	for _, in := range req.Inputs {
		total += len(in.Content)
		if in.Hash == "" {
			t.Fatal("Shrink() must never clear the hash reference, only embedded content")
		}
	}
	if total > embeddedContentBudget {
		t.Fatalf("post-shrink embedded total = %d, want <= %d", total, embeddedContentBudget)
	}
}

func TestShrinkPreservesFilenamesAndHashes(t *testing.T) {
	req := &proto.Request{Inputs: []proto.InputFile{
		{Filename: "big.h", Hash: "deadbeef", Content: make([]byte, embeddedContentBudget+1)},
	}}
	Shrink(req)
	if req.Inputs[0].Filename != "big.h" || req.Inputs[0].Hash != "deadbeef" {
		t.Fatal("Shrink() must preserve Filename and Hash even when dropping Content")
	}
	if req.Inputs[0].Content != nil {
		t.Fatal("Shrink() should have dropped the single over-budget input's content")
	}
}
