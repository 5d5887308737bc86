package task

import (
	"math/rand"
	"time"

	"github.com/compilecoord/compilecoord/internal/proto"
)

// embeddedContentBudget is the approximate ceiling on embedded content
// bytes per outgoing request (§4.1 "Request shrinking").
const embeddedContentBudget = 1 << 20

// shrinkRand is process-global and seeded once at startup: the drop
// order only needs to vary run-to-run to avoid always dropping the same
// files when the budget is hit repeatedly on the same input set, which
// is not a security-sensitive property (see DESIGN.md Open Question 1).
var shrinkRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// Shrink drops embedded content (but not the filename/hash reference
// itself, which the remote side can refetch by hash) from a random
// permutation of req.Inputs until the total embedded size is under
// embeddedContentBudget. Returns the number of inputs it dropped content
// for.
func Shrink(req *proto.Request) int {
	total := 0
	for _, in := range req.Inputs {
		total += len(in.Content)
	}
	if total <= embeddedContentBudget {
		return 0
	}

	order := shrinkRand.Perm(len(req.Inputs))
	dropped := 0
	for _, i := range order {
		if total <= embeddedContentBudget {
			break
		}
		if req.Inputs[i].Content == nil {
			continue
		}
		total -= len(req.Inputs[i].Content)
		req.Inputs[i].Content = nil
		dropped++
	}
	return dropped
}
