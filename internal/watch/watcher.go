// Package watch ingests files dropped into an inbox directory.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/manualrag/cli/internal/documents"
	"github.com/manualrag/cli/internal/logger"
)

// DefaultSettleDelay is how long a file must stay quiet before it is ingested.
const DefaultSettleDelay = 500 * time.Millisecond

// IngestFunc imports one file.
type IngestFunc func(ctx context.Context, path string) error

// Watcher feeds supported files in one directory to an IngestFunc, one at a
// time. Bursts of events for a path collapse into a single ingest, and a
// file whose content did not change since its last ingest is skipped.
type Watcher struct {
	dir         string
	ingest      IngestFunc
	SettleDelay time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	hashes map[string]string
	ready  chan string
	done   chan struct{}
}

// New creates a watcher for dir
func New(dir string, ingest IngestFunc) *Watcher {
	return &Watcher{
		dir:         dir,
		ingest:      ingest,
		SettleDelay: DefaultSettleDelay,
		timers:      make(map[string]*time.Timer),
		hashes:      make(map[string]string),
		ready:       make(chan string, 64),
		done:        make(chan struct{}),
	}
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Run ingests the files already in the directory, then watches it until ctx
// is done. A Watcher runs once.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	logger.Info("watching %s", w.dir)

	existing, err := w.existingFiles()
	if err != nil {
		return err
	}
	for _, path := range existing {
		w.process(ctx, path)
	}

	defer close(w.done)
	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error: %v", err)

		case path := <-w.ready:
			w.process(ctx, path)
		}
	}
}

func (w *Watcher) existingFiles() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	var paths []string
	for _, e := range entries {
		path := filepath.Join(w.dir, e.Name())
		if e.Type().IsRegular() && wanted(path) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// schedule (re)starts the settle timer for path.
func (w *Watcher) schedule(path string) {
	if !wanted(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.SettleDelay)
		return
	}
	w.timers[path] = time.AfterFunc(w.SettleDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

// wanted skips dotfiles, which editors use for swap and temp files.
func wanted(path string) bool {
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && documents.Supported(path)
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	hash, err := documents.FileHash(path)
	if err != nil {
		logger.Warn("failed to hash %s: %v", filepath.Base(path), err)
		return
	}
	if w.hashes[path] == hash {
		logger.Debug("%s unchanged, skipping", filepath.Base(path))
		return
	}

	if err := w.ingest(ctx, path); err != nil {
		logger.Warn("failed to ingest %s: %v", filepath.Base(path), err)
		return
	}
	w.hashes[path] = hash
}
