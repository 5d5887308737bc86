package task

import (
	"sync"
	"testing"
	"time"
)

func TestLinkerFIFOSingleAcquireRelease(t *testing.T) {
	var f LinkerFIFO
	done := make(chan struct{})
	go func() {
		f.Acquire()
		f.Release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire/Release deadlocked with no contention")
	}
}

func TestLinkerFIFOSerialisesWaiters(t *testing.T) {
	var f LinkerFIFO
	const n = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	f.Acquire() // hold the gate so every goroutine below queues up
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.Acquire()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			f.Release()
		}(i)
	}
	time.Sleep(20 * time.Millisecond) // let every goroutine enqueue behind the held gate
	f.Release()                       // release our own hold, letting the first waiter through

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters never drained")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("got %d completions, want %d", len(order), n)
	}
}
