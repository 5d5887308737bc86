// Package lock provides scoped-acquisition primitives for the coordinator's
// shared resources (the compiler-info cache and the dependency cache use
// RWMutex) plus a process-wide exclusive file lock.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("lock")

// A Mutex wraps sync.Mutex with a scoped Acquire that returns a release
// function; callers are expected to `defer m.Acquire()()`.
type Mutex struct {
	mu sync.Mutex
}

// Acquire locks the mutex and returns a function that unlocks it.
// Safe to call as `defer m.Acquire()()`.
func (m *Mutex) Acquire() func() {
	m.mu.Lock()
	return m.mu.Unlock
}

// An RWMutex wraps sync.RWMutex with scoped shared/exclusive acquisition.
type RWMutex struct {
	mu sync.RWMutex
}

// AcquireShared takes a read lock, returning a release function.
func (m *RWMutex) AcquireShared() func() {
	m.mu.RLock()
	return m.mu.RUnlock
}

// AcquireExclusive takes a write lock, returning a release function.
func (m *RWMutex) AcquireExclusive() func() {
	m.mu.Lock()
	return m.mu.Unlock
}

// A Once wraps sync.Once; kept as a named type so call sites read like the
// rest of the scoped-resource helpers.
type Once struct {
	once sync.Once
}

// Do runs f exactly once across the lifetime of the Once.
func (o *Once) Do(f func()) {
	o.once.Do(f)
}

// fdMap tracks the open file descriptors backing held flocks, keyed by path.
type fdMap struct {
	files map[string]*os.File
	mutex sync.Mutex
}

var lockFiles = fdMap{files: map[string]*os.File{}}

// FilePermissions is the mode used when creating lock files.
const FilePermissions = 0644

// AcquireFileLock opens (creating if needed) the file at path and takes an
// exclusive flock on it, blocking until available. It records the holding
// process's pid so a stuck lock can be diagnosed.
func AcquireFileLock(path string) error {
	lockFiles.mutex.Lock()
	defer lockFiles.mutex.Unlock()

	f, err := openLockFile(path)
	if err != nil {
		return err
	}
	log.Debug("Attempting to acquire lock %s...", path)
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		log.Debug("Lock %s held elsewhere, waiting...", path)
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
			f.Close()
			return fmt.Errorf("failed to acquire lock %s: %w", path, err)
		}
	}
	lockFiles.files[path] = f
	f.Truncate(0)
	f.Seek(0, os.SEEK_SET)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return nil
}

// ReleaseFileLock releases a lock previously taken with AcquireFileLock.
func ReleaseFileLock(path string) {
	lockFiles.mutex.Lock()
	defer lockFiles.mutex.Unlock()

	f, ok := lockFiles.files[path]
	if !ok {
		log.Warning("lock %s was not held", path)
		return
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		log.Warning("failed to unlock %s: %s", path, err)
	}
	f.Close()
	delete(lockFiles.files, path)
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, FilePermissions)
}
