package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ScriptWatcher reloads models when their addon scripts change on disk
type ScriptWatcher struct {
	watcher       *fsnotify.Watcher
	manager       *ModelManager
	activeWatches map[string]bool        // watched addon dirs
	debounceMap   map[string]*time.Timer // path -> debounce timer
	mu            sync.Mutex
	running       bool
}

// NewScriptWatcher creates a new script watcher
func NewScriptWatcher(manager *ModelManager) (*ScriptWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &ScriptWatcher{
		watcher:       watcher,
		manager:       manager,
		activeWatches: make(map[string]bool),
		debounceMap:   make(map[string]*time.Timer),
	}, nil
}

// Start begins watching the addon directories of all loaded models
func (w *ScriptWatcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Start event handler goroutine
	go w.handleEvents()

	w.Refresh()
	return nil
}

// Stop stops all watching
func (w *ScriptWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.running = false

	// Cancel all debounce timers
	for _, timer := range w.debounceMap {
		timer.Stop()
	}
	w.debounceMap = make(map[string]*time.Timer)

	if w.watcher != nil {
		w.watcher.Close()
	}
}

// Refresh syncs the watched directories with the manager's current model
// set. Called after models are registered or removed.
func (w *ScriptWatcher) Refresh() {
	shouldWatch := make(map[string]bool)
	for _, dir := range w.manager.AddonDirs() {
		shouldWatch[dir] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	// Remove watches that should no longer be active
	for dir := range w.activeWatches {
		if !shouldWatch[dir] {
			w.watcher.Remove(dir)
			delete(w.activeWatches, dir)
			log.Printf("Stopped watching: %s", dir)
		}
	}

	// Add watches for new directories
	for dir := range shouldWatch {
		if !w.activeWatches[dir] {
			if err := w.watcher.Add(dir); err != nil {
				log.Printf("Failed to watch %s: %v", dir, err)
				continue
			}
			w.activeWatches[dir] = true
			log.Printf("Started watching: %s", dir)
		}
	}
}

// handleEvents processes fsnotify events
func (w *ScriptWatcher) handleEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only handle Create and Write events
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// Only Lua scripts are interesting
			if strings.ToLower(filepath.Ext(event.Name)) != ".lua" {
				continue
			}

			// Skip directories and hidden files
			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}

			// Debounce: wait 500ms after last event for this file
			w.debounceFile(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

// debounceFile delays the reload until the file is stable
func (w *ScriptWatcher) debounceFile(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Cancel existing timer if any
	if timer, ok := w.debounceMap[path]; ok {
		timer.Stop()
	}

	// Set new timer
	w.debounceMap[path] = time.AfterFunc(500*time.Millisecond, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()

		dir := filepath.Dir(path)
		log.Printf("Script changed, reloading models for %s", dir)
		w.manager.ReloadPath(dir)
	})
}
