// Package cachewatch notices when a persisted cache file changes out from
// under the running process (an operator truncating or replacing it on
// disk) so the in-memory cache can be reset instead of silently drifting
// from what Save would have written.
package cachewatch

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("cachewatch")

// Watcher watches one file's containing directory for changes to that
// file specifically.
type Watcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching path and calls onChange whenever it is written,
// removed or renamed. fsnotify watches directories, not individual files
// (a file can be removed and recreated with a new inode), so Watch adds
// path's parent directory and filters events down to path itself.
func Watch(path string, onChange func()) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	done := make(chan struct{})
	clean := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != clean {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warning("watching %s: %s", path, err)
			case <-done:
				return
			}
		}
	}()
	return &Watcher{w: w, done: done}, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}
