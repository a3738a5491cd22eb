package source

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/planweave/semindex/internal/record"
)

// WatcherConfig configures change detection on the record directory.
type WatcherConfig struct {
	// Debounce batches rapid successive writes to the same file into
	// one lifecycle event.
	Debounce time.Duration
}

// DefaultWatcherConfig returns sensible defaults for the watcher.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{Debounce: 500 * time.Millisecond}
}

// EventSink receives the lifecycle events the watcher emits; the
// autoindexer's Enqueue satisfies it.
type EventSink func(record.Event) error

// Watcher turns file changes under the record directory into record
// lifecycle events.
type Watcher struct {
	source *DirSource
	config WatcherConfig
	sink   EventSink
	logger *zap.Logger

	watcher *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	// seen tracks which paths were emitted as created, so a later
	// write becomes an update.
	seen map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher over the source directory.
func NewWatcher(source *DirSource, cfg WatcherConfig, sink EventSink, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatcherConfig().Debounce
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		source:  source,
		config:  cfg,
		sink:    sink,
		logger:  logger,
		watcher: fsWatcher,
		pending: make(map[string]fsnotify.Op),
		seen:    make(map[string]bool),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start watches the root and each record type directory, creating the
// type directories if needed, then processes events until Stop or
// context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	for _, typ := range record.Types() {
		dir := filepath.Join(w.source.root, string(typ))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		// Records present before startup count as created.
		recs, err := w.source.List(ctx, typ)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			path := filepath.Join(dir, rec.ID+recordExt)
			w.seen[path] = true
			if err := w.sink(record.NewEvent(record.EventCreated, rec)); err != nil {
				return err
			}
		}
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

// processEvents batches raw file events and flushes them every
// debounce interval.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Ext(event.Name) != recordExt {
		return
	}
	const relevant = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	if event.Op&relevant == 0 {
		return
	}
	w.pendingMu.Lock()
	w.pending[event.Name] |= event.Op
	w.pendingMu.Unlock()
}

// flushPending converts the batched file changes into lifecycle events.
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path := range pending {
		ev, ok := w.translate(path)
		if !ok {
			continue
		}
		if err := w.sink(ev); err != nil {
			w.logger.Warn("event rejected", zap.String("path", path), zap.Error(err))
		}
	}
}

// translate maps one batched file change to a lifecycle event. A file
// that no longer exists is a deletion regardless of the raw ops.
func (w *Watcher) translate(path string) (record.Event, bool) {
	typ, id, err := w.source.identify(path)
	if err != nil {
		return record.Event{}, false
	}

	if _, statErr := os.Stat(path); statErr != nil {
		if !w.seen[path] {
			return record.Event{}, false
		}
		delete(w.seen, path)
		return record.NewEvent(record.EventDeleted, record.Record{ID: id, Type: typ}), true
	}

	rec, err := w.source.Load(path)
	if err != nil {
		w.logger.Warn("skipping unreadable record", zap.String("path", path), zap.Error(err))
		return record.Event{}, false
	}

	kind := record.EventUpdated
	if !w.seen[path] {
		kind = record.EventCreated
		w.seen[path] = true
	}
	return record.NewEvent(kind, rec), true
}
