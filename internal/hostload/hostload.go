// Package hostload samples local system load so the racing policy (§4.1)
// can distinguish "the local queue is empty" from "the local machine has
// no spare capacity even though the queue is empty".
package hostload

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/load"
)

// Sampler periodically samples the 1-minute load average and caches it,
// so Busy never blocks on a fresh syscall on the decision path.
type Sampler struct {
	bits     uint64
	cpuCount float64
	stop     chan struct{}
}

// NewSampler starts sampling every interval and returns a Sampler.
// cpuCount is the number of logical CPUs the load average is normalised
// against (a 1-minute load equal to cpuCount means "fully booked").
func NewSampler(interval time.Duration, cpuCount int) *Sampler {
	s := &Sampler{cpuCount: float64(cpuCount), stop: make(chan struct{})}
	s.sampleOnce()
	go s.loop(interval)
	return s
}

func (s *Sampler) loop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sampleOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *Sampler) sampleOnce() {
	avg, err := load.Avg()
	if err != nil {
		return
	}
	atomic.StoreUint64(&s.bits, math.Float64bits(avg.Load1))
}

// Busy reports whether the last-sampled 1-minute load average meets or
// exceeds the normalised CPU count.
func (s *Sampler) Busy() bool {
	if s == nil {
		return false
	}
	load1 := math.Float64frombits(atomic.LoadUint64(&s.bits))
	return s.cpuCount > 0 && load1 >= s.cpuCount
}

// Close stops the sampling goroutine.
func (s *Sampler) Close() {
	close(s.stop)
}
