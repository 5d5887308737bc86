package task

import "sync"

// LinkerFIFO serialises the FILE_REQ phase of link tasks through a
// single queue, bounding peak memory from many simultaneous link
// uploads (§4.1 "Linker serialisation"): only the head of the queue may
// execute FILE_REQ at a time.
type LinkerFIFO struct {
	mu      sync.Mutex
	waiters []chan struct{}
	running bool
}

// Acquire blocks until this task is at the head of the FIFO and may
// proceed into FILE_REQ. Release must be called once FILE_REQ completes
// (successfully or not) to let the next waiter through.
func (f *LinkerFIFO) Acquire() {
	f.mu.Lock()
	if !f.running {
		f.running = true
		f.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()
	<-ch
}

// Release lets the next queued task (if any) proceed.
func (f *LinkerFIFO) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.waiters) == 0 {
		f.running = false
		return
	}
	next := f.waiters[0]
	f.waiters = f.waiters[1:]
	close(next)
}
