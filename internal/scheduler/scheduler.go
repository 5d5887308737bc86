// Package scheduler implements the cooperative work queue described in
// §5: a priority-aware, thread-affine pool that every suspension point in
// the state machine resumes through.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Priority orders work within a Pool; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

type job struct {
	fn       func()
	priority Priority
	seq      uint64 // insertion order, for FIFO among equal priorities
}

type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Pool is a priority work queue run by a fixed (but adjustable) number of
// worker goroutines, grounded on the teacher's `core.Pool chan func()`
// but generalised with priority ordering and delayed submission. A nil
// job is a poison pill, same convention as the teacher's Pool: it tells
// exactly one worker to stop, same as StopWorker.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    jobHeap
	nextSeq uint64
}

// New starts a Pool with size worker goroutines.
func New(size int) *Pool {
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < size; i++ {
		p.AddWorker()
	}
	return p
}

// AddWorker starts one more worker goroutine.
func (p *Pool) AddWorker() {
	go p.run()
}

// StopWorker asks exactly one worker to exit once it is next idle, by
// queuing a poison pill at the highest priority so shutdown is prompt.
func (p *Pool) StopWorker() {
	p.mu.Lock()
	p.nextSeq++
	heap.Push(&p.heap, &job{fn: nil, priority: PriorityHigh, seq: p.nextSeq})
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *Pool) run() {
	for {
		p.mu.Lock()
		for p.heap.Len() == 0 {
			p.cond.Wait()
		}
		j := heap.Pop(&p.heap).(*job)
		p.mu.Unlock()
		if j.fn == nil {
			return // poison pill
		}
		j.fn()
	}
}

// Submit queues fn at the given priority, to run as soon as a worker is
// free.
func (p *Pool) Submit(priority Priority, fn func()) {
	p.mu.Lock()
	p.nextSeq++
	heap.Push(&p.heap, &job{fn: fn, priority: priority, seq: p.nextSeq})
	p.cond.Signal()
	p.mu.Unlock()
}

// SubmitDelayed queues fn to become eligible to run only after delay has
// elapsed, used by the racing policy's local-subprocess pre-scheduling
// (§4.1 "a subprocess may be pre-scheduled with a delay").
func (p *Pool) SubmitDelayed(priority Priority, delay time.Duration, fn func()) {
	if delay <= 0 {
		p.Submit(priority, fn)
		return
	}
	time.AfterFunc(delay, func() { p.Submit(priority, fn) })
}

// QueueDepth returns the number of jobs currently waiting (not counting
// ones in flight on a worker), used by the racing policy's "local queue
// is empty" predicate.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heap.Len()
}

// Affine is a single-goroutine executor: every Run call executes on the
// same underlying goroutine as every other call through this Affine,
// satisfying the "suspension points resume on the same thread" rule
// (§5) for state machines that need that guarantee beyond what the
// shared Pool provides.
type Affine struct {
	ch chan func()
}

// NewAffine starts the dedicated goroutine and returns its executor.
func NewAffine() *Affine {
	a := &Affine{ch: make(chan func(), 64)}
	go func() {
		for fn := range a.ch {
			fn()
		}
	}()
	return a
}

// Run submits fn to run on this Affine's goroutine. Non-blocking unless
// the internal buffer is full.
func (a *Affine) Run(fn func()) {
	a.ch <- fn
}

// Close stops the Affine's goroutine once its queue drains.
func (a *Affine) Close() {
	close(a.ch)
}
