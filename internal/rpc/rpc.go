// Package rpc defines the seam between the state machine and the actual
// exec-service transport. The transport itself (retry/backoff, the wire
// protocol) is an external collaborator per spec; this package only
// states the interface C6 drives it through.
package rpc

import (
	"context"
	"fmt"

	"github.com/compilecoord/compilecoord/internal/proto"
)

// ExecClient sends one compile request and returns its response. A
// transport-level error (as opposed to a response carrying an error
// field) means the call itself failed — socket write/read, timeout,
// connection reset — and is distinct from the response's ErrorKind.
type ExecClient interface {
	Call(ctx context.Context, req *proto.Request) (*proto.Response, error)
}

// Timeouts is the ordered list of progressive per-attempt timeouts the
// transport applies; the state machine does not impose its own timer
// (§5 "Timeouts") and does not read this interface either: no
// task.Dependencies field carries a Timeouts value.
type Timeouts interface {
	Next(attempt int) (deadline bool, seconds int)
}

// Unconfigured is the ExecClient used when no remote exec transport is
// dialled: every Call fails immediately with a transport error. The
// state machine retries a failed Call like any other up to its retry
// budget and then replies with a rejected-locally response; it does not
// re-run the compile locally after a remote failure.
type Unconfigured struct{}

func (Unconfigured) Call(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	return nil, fmt.Errorf("rpc: no remote exec transport configured")
}

// ProgressiveTimeouts implements Timeouts with a fixed, increasing
// per-attempt deadline list; attempts past the end of Seconds reuse the
// last entry instead of going unbounded.
type ProgressiveTimeouts struct {
	Seconds []int
}

// DefaultTimeouts mirrors the teacher's fixed request timeout used
// uniformly across attempts in src/remote/remote.go, widened into a
// short progression so later retries (after a server that's merely
// slow, not down) get more room before giving up.
func DefaultTimeouts() ProgressiveTimeouts {
	return ProgressiveTimeouts{Seconds: []int{30, 60, 120, 120}}
}

func (t ProgressiveTimeouts) Next(attempt int) (deadline bool, seconds int) {
	if len(t.Seconds) == 0 {
		return false, 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(t.Seconds) {
		attempt = len(t.Seconds) - 1
	}
	return true, t.Seconds[attempt]
}
