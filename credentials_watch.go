package main

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatchedLoader caches the key returned by a file-based loader and drops the
// cached value whenever one of the watched files changes on disk. Failed
// lookups are not cached, so a file that appears later is picked up on the
// next call even if its create event was missed.
type WatchedLoader struct {
	inner   CredentialLoader
	watcher *fsnotify.Watcher
	files   map[string]struct{}

	mu     sync.RWMutex
	cached string
	valid  bool
	gen    uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatchedLoader starts watching the directories containing paths. Parent
// directories are watched instead of the files themselves because editors
// commonly replace a file by renaming a temporary one over it.
func NewWatchedLoader(inner CredentialLoader, paths ...string) (*WatchedLoader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &WatchedLoader{
		inner:   inner,
		watcher: watcher,
		files:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	dirs := make(map[string]struct{})
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("resolving %s: %w", path, err)
		}
		w.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *WatchedLoader) LoadCredential() (string, error) {
	w.mu.RLock()
	if w.valid {
		key := w.cached
		w.mu.RUnlock()
		return key, nil
	}
	gen := w.gen
	w.mu.RUnlock()

	key, err := w.inner.LoadCredential()
	if err != nil {
		return "", err
	}

	// A change seen while the file was being read may mean key is already
	// stale, so it is returned but not cached.
	w.mu.Lock()
	if w.gen == gen {
		w.cached = key
		w.valid = true
	}
	w.mu.Unlock()
	return key, nil
}

// Invalidate drops the cached key and discards any load still in flight.
func (w *WatchedLoader) Invalidate() {
	w.mu.Lock()
	w.cached = ""
	w.valid = false
	w.gen++
	w.mu.Unlock()
}

// Close stops the watcher goroutine.
func (w *WatchedLoader) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *WatchedLoader) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, watched := w.files[filepath.Clean(event.Name)]; !watched {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Infof("Credential file %s changed (%s), reloading on next request", event.Name, event.Op)
				w.Invalidate()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("Credential watcher error: %v", err)
		}
	}
}
