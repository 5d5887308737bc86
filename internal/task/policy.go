package task

import (
	"sync"
	"sync/atomic"
)

// needToSendContent is the process-wide, monotonic-within-a-burst flag
// from §4.1 "Missing-input adaptive policy": flipped when a server
// response reports more than half the required set missing, cleared on
// any attempt that reports zero missing.
var needToSendContent int32

// NeedToSendContent reports whether embedded content should be forced on
// all outgoing requests regardless of the normal "only upload if
// missing" logic.
func NeedToSendContent() bool { return atomic.LoadInt32(&needToSendContent) != 0 }

// ObserveMissingInputs updates the adaptive flag given one attempt's
// missing-input count out of a required-set size.
func ObserveMissingInputs(missing, required int) {
	if required > 0 && missing*2 > required {
		atomic.StoreInt32(&needToSendContent, 1)
	} else if missing == 0 {
		atomic.StoreInt32(&needToSendContent, 0)
	}
}

// FallbackBudget bounds the number of concurrently active fail-fallbacks
// (§4.1 "Fallback budget"): exceeding it turns a would-be local retry
// into a user-visible error instead.
type FallbackBudget struct {
	mu      sync.Mutex
	active  int
	max     int
}

// NewFallbackBudget returns a budget allowing up to max concurrent
// fallbacks.
func NewFallbackBudget(max int) *FallbackBudget {
	return &FallbackBudget{max: max}
}

// TryAcquire reserves one fallback slot. Returns false if the budget is
// exhausted.
func (b *FallbackBudget) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active >= b.max {
		return false
	}
	b.active++
	return true
}

// Release frees a fallback slot previously acquired with TryAcquire.
func (b *FallbackBudget) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active > 0 {
		b.active--
	}
}

// RemoteHealth summarises the signals the racing policy consults before
// deciding to pre-schedule a local subprocess (§4.1 "Racing local and
// remote"): a moving estimate of remote latency and a degraded-service
// flag the transport updates out of band.
type RemoteHealth struct {
	mu         sync.Mutex
	ewmaMillis float64
	degraded   bool
}

// ewmaAlpha weights how quickly the estimate reacts to new samples.
const ewmaAlpha = 0.2

// Observe folds one completed remote call's latency into the estimate.
func (h *RemoteHealth) Observe(millis float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ewmaMillis == 0 {
		h.ewmaMillis = millis
		return
	}
	h.ewmaMillis = ewmaAlpha*millis + (1-ewmaAlpha)*h.ewmaMillis
}

// SetDegraded records whether the transport currently considers the
// remote service degraded.
func (h *RemoteHealth) SetDegraded(degraded bool) {
	h.mu.Lock()
	h.degraded = degraded
	h.mu.Unlock()
}

// predictedSlowMillis is the EWMA threshold above which remote is
// considered "predicted slow" for racing purposes.
const predictedSlowMillis = 1500

// PredictedSlow reports whether the current EWMA estimate or the
// degraded flag suggests racing a local subprocess is worthwhile.
func (h *RemoteHealth) PredictedSlow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded || h.ewmaMillis > predictedSlowMillis
}

// RacingInputs is everything ShouldRaceLocal needs to decide whether to
// pre-schedule a local subprocess alongside the remote attempt.
type RacingInputs struct {
	Heavy            bool // LocalWeight == WeightHeavy
	LocalQueueEmpty  bool
	RemotePredictedSlow bool
	PreviousBuildFailed bool
}

// ShouldRaceLocal implements the §4.1 racing predicate: any one of the
// listed conditions is sufficient.
func ShouldRaceLocal(in RacingInputs) bool {
	return in.Heavy || in.LocalQueueEmpty || in.RemotePredictedSlow || in.PreviousBuildFailed
}
