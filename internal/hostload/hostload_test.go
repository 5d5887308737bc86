package hostload

import (
	"math"
	"sync/atomic"
	"testing"
)

func TestBusyComparesNormalisedLoad(t *testing.T) {
	s := &Sampler{cpuCount: 4}
	atomic.StoreUint64(&s.bits, math.Float64bits(3.9))
	if s.Busy() {
		t.Fatal("load below cpuCount should not be busy")
	}
	atomic.StoreUint64(&s.bits, math.Float64bits(4.0))
	if !s.Busy() {
		t.Fatal("load at cpuCount should be busy")
	}
}

func TestNilSamplerNotBusy(t *testing.T) {
	var s *Sampler
	if s.Busy() {
		t.Fatal("nil sampler should report not busy")
	}
}

func TestZeroCPUCountNeverBusy(t *testing.T) {
	s := &Sampler{cpuCount: 0}
	atomic.StoreUint64(&s.bits, math.Float64bits(100))
	if s.Busy() {
		t.Fatal("zero cpuCount should never report busy")
	}
}
