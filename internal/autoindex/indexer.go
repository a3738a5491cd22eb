// Package autoindex keeps the vector index in sync with record
// mutations. It consumes lifecycle events from a bounded queue on a
// worker pool, diffs record content against the indexed state, and
// applies only the changed chunks, so replaying any event converges to
// the same persisted index.
package autoindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/planweave/semindex/internal/chunk"
	"github.com/planweave/semindex/internal/embed"
	"github.com/planweave/semindex/internal/index"
	"github.com/planweave/semindex/internal/record"
)

// previewSize bounds the stored chunk preview.
const previewSize = 240

// ErrIndexerClosed is returned by Enqueue after Close.
var ErrIndexerClosed = errors.New("autoindex: indexer closed")

// State is the per-record indexing state, tracked for health reporting.
type State string

const (
	StateUnindexed State = "unindexed"
	StateStale     State = "stale"
	StateIndexed   State = "indexed"
	StateDeleted   State = "deleted"
)

// Invalidator clears cached query results for a collection. A nil
// invalidator is valid when no cache is wired in.
type Invalidator interface {
	InvalidateCollection(ctx context.Context, collection string)
}

// Config tunes the indexer's queue and retry behavior.
type Config struct {
	QueueSize      int           // bounded event queue capacity
	Workers        int           // concurrent indexing tasks
	MaxRetries     int           // retry attempts after an embedding outage
	RetryBaseDelay time.Duration // first retry delay, doubled per attempt
}

// DefaultConfig returns the default indexer configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		Workers:        4,
		MaxRetries:     3,
		RetryBaseDelay: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	return c
}

type task struct {
	event   record.Event
	attempt int
}

// Indexer consumes record lifecycle events and mutates the vector
// index asynchronously. Enqueue never blocks the caller: when the
// queue is full the oldest pending event is dropped with a warning and
// left for the reindex sweep to repair.
type Indexer struct {
	registry *index.Registry
	chunker  *chunk.Chunker
	provider embed.Provider
	cache    Invalidator
	source   RecordSource
	logger   *zap.Logger
	cfg      Config

	tasks chan task
	done  chan struct{}

	// sendMu serializes queue sends so drop-oldest never races with
	// another producer.
	sendMu sync.Mutex
	closed bool

	wg sync.WaitGroup

	stateMu sync.RWMutex
	states  map[string]State
}

// New builds an indexer. The record source is only needed for
// ReindexAll and may be nil when the sweep is not used.
func New(registry *index.Registry, chunker *chunk.Chunker, provider embed.Provider,
	cache Invalidator, source RecordSource, cfg Config, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Indexer{
		registry: registry,
		chunker:  chunker,
		provider: provider,
		cache:    cache,
		source:   source,
		logger:   logger,
		cfg:      cfg,
		tasks:    make(chan task, cfg.QueueSize),
		done:     make(chan struct{}),
		states:   make(map[string]State),
	}
}

// Start launches the worker pool.
func (i *Indexer) Start() {
	for n := 0; n < i.cfg.Workers; n++ {
		go i.worker()
	}
	i.logger.Info("autoindexer started",
		zap.Int("workers", i.cfg.Workers),
		zap.Int("queue_size", i.cfg.QueueSize))
}

// Enqueue submits a lifecycle event for asynchronous indexing. It
// returns immediately; indexing failures are retried internally and
// never surfaced here.
func (i *Indexer) Enqueue(ev record.Event) error {
	i.sendMu.Lock()
	if i.closed {
		i.sendMu.Unlock()
		return ErrIndexerClosed
	}
	i.wg.Add(1)
	i.markState(ev, StateStale)
	i.push(task{event: ev})
	i.sendMu.Unlock()
	return nil
}

// push places a task on the queue, evicting the oldest pending task
// when full. Callers hold sendMu, so this is the only sender.
func (i *Indexer) push(t task) {
	for {
		select {
		case i.tasks <- t:
			return
		default:
		}
		select {
		case old := <-i.tasks:
			i.logger.Warn("indexing queue full, dropping oldest event",
				zap.String("event_id", old.event.ID),
				zap.String("kind", string(old.event.Kind)),
				zap.String("record_id", old.event.Record.ID))
			i.wg.Done()
		default:
		}
	}
}

// requeue schedules a retry after an embedding outage. The task keeps
// its wg slot until it concludes for good.
func (i *Indexer) requeue(t task) {
	delay := i.cfg.RetryBaseDelay << (t.attempt - 1)
	time.AfterFunc(delay, func() {
		i.sendMu.Lock()
		defer i.sendMu.Unlock()
		if i.closed {
			i.wg.Done()
			return
		}
		i.push(t)
	})
}

// Wait blocks until every enqueued event (including scheduled retries)
// has concluded.
func (i *Indexer) Wait() {
	i.wg.Wait()
}

// Close stops accepting events, drains in-flight work, and shuts the
// workers down.
func (i *Indexer) Close() {
	i.sendMu.Lock()
	if i.closed {
		i.sendMu.Unlock()
		return
	}
	i.closed = true
	i.sendMu.Unlock()

	i.wg.Wait()
	close(i.done)
}

func (i *Indexer) worker() {
	for {
		select {
		case <-i.done:
			return
		case t := <-i.tasks:
			i.process(t)
		}
	}
}

// process runs one indexing task to a terminal outcome. Tasks are not
// cancellable mid-flight; every operation they perform is idempotent,
// so a retry after partial progress is safe.
func (i *Indexer) process(t task) {
	ctx := context.Background()
	err := i.handle(ctx, t.event)
	if err == nil {
		switch t.event.Kind {
		case record.EventDeleted:
			i.markState(t.event, StateDeleted)
		default:
			i.markState(t.event, StateIndexed)
		}
		i.wg.Done()
		return
	}

	if errors.Is(err, embed.ErrEmbeddingUnavailable) && t.attempt < i.cfg.MaxRetries {
		t.attempt++
		i.logger.Warn("embedding unavailable, scheduling retry",
			zap.String("record_id", t.event.Record.ID),
			zap.Int("attempt", t.attempt),
			zap.Error(err))
		i.requeue(t)
		return
	}

	i.logger.Warn("indexing event dropped",
		zap.String("event_id", t.event.ID),
		zap.String("kind", string(t.event.Kind)),
		zap.String("record_id", t.event.Record.ID),
		zap.Error(err))
	i.wg.Done()
}

func (i *Indexer) handle(ctx context.Context, ev record.Event) error {
	coll, err := i.registry.Get(string(ev.Collection()))
	if err != nil {
		return err
	}

	switch ev.Kind {
	case record.EventDeleted:
		return i.deleteRecord(ctx, coll, ev.Record.ID)
	case record.EventCreated, record.EventUpdated:
		_, err := i.upsertRecord(ctx, coll, ev.Record, 0, false)
		return err
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// upsertRecord diffs the record's chunk set against the indexed state
// and applies only the changes. Content hashes are part of the chunk
// ids, so an unchanged chunk is recognized by id alone. It reports
// whether any change was (or in dry-run mode, would be) applied.
// batchSize > 0 caps the chunks sent per embedding call.
func (i *Indexer) upsertRecord(ctx context.Context, coll *index.Collection, rec record.Record, batchSize int, dryRun bool) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	chunks := i.chunker.Split(rec)
	desired := make(map[string]chunk.Chunk, len(chunks))
	for _, ch := range chunks {
		desired[ch.ID] = ch
	}

	stored, err := coll.RecordChunks(rec.ID)
	if err != nil {
		return false, err
	}

	var toEmbed []chunk.Chunk
	for _, ch := range chunks {
		if _, ok := stored[ch.ID]; !ok {
			toEmbed = append(toEmbed, ch)
		}
	}
	var removals []string
	for id := range stored {
		if _, ok := desired[id]; !ok {
			removals = append(removals, id)
		}
	}

	if len(toEmbed) == 0 && len(removals) == 0 {
		return false, nil
	}
	if dryRun {
		return true, nil
	}

	texts := make([]string, len(toEmbed))
	for n, ch := range toEmbed {
		texts[n] = ch.Text
	}
	vectors, err := i.embedBatched(ctx, texts, batchSize)
	if err != nil {
		return false, fmt.Errorf("embed record %s: %w", rec.ID, err)
	}
	if len(vectors) != len(texts) {
		return false, fmt.Errorf("embed record %s: got %d vectors for %d chunks", rec.ID, len(vectors), len(texts))
	}

	upserts := make([]index.IndexedChunk, len(toEmbed))
	fields := rec.Fields()
	for n, ch := range toEmbed {
		upserts[n] = index.IndexedChunk{
			ChunkID:     ch.ID,
			RecordID:    ch.RecordID,
			RecordType:  string(rec.Type),
			Ordinal:     ch.Ordinal,
			ContentHash: ch.ContentHash,
			Preview:     preview(ch.Text),
			Fields:      fields,
			Version:     rec.Version,
			UpdatedAt:   rec.UpdatedAt,
			Vector:      vectors[n],
		}
	}

	if err := coll.Apply(ctx, upserts, removals); err != nil {
		return false, err
	}
	i.invalidate(ctx, coll.Name())
	return true, nil
}

// deleteRecord removes every chunk of the record. Deleting an unknown
// record is a no-op.
func (i *Indexer) deleteRecord(ctx context.Context, coll *index.Collection, recordID string) error {
	stored, err := coll.RecordChunks(recordID)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return nil
	}

	removals := make([]string, 0, len(stored))
	for id := range stored {
		removals = append(removals, id)
	}
	if err := coll.Apply(ctx, nil, removals); err != nil {
		return err
	}
	i.invalidate(ctx, coll.Name())
	return nil
}

// embedBatched embeds texts, splitting the provider calls into slices
// of at most batchSize when batchSize > 0.
func (i *Indexer) embedBatched(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batchSize <= 0 || batchSize >= len(texts) {
		return i.provider.EmbedBatch(ctx, texts)
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := i.provider.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (i *Indexer) invalidate(ctx context.Context, collection string) {
	if i.cache != nil {
		i.cache.InvalidateCollection(ctx, collection)
	}
}

func (i *Indexer) markState(ev record.Event, s State) {
	key := string(ev.Collection()) + "/" + ev.Record.ID
	i.stateMu.Lock()
	i.states[key] = s
	i.stateMu.Unlock()
}

// RecordState returns the tracked indexing state for a record, or
// StateUnindexed when the record has never been seen.
func (i *Indexer) RecordState(collection, recordID string) State {
	i.stateMu.RLock()
	defer i.stateMu.RUnlock()
	if s, ok := i.states[collection+"/"+recordID]; ok {
		return s
	}
	return StateUnindexed
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewSize {
		return text
	}
	return string(runes[:previewSize])
}
