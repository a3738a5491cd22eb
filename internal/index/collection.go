package index

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// searchOverfetchFloor keeps the candidate set for post-filtering from
// getting too small at low k.
const searchOverfetchFloor = 50

// IndexedChunk is one chunk ready for the index: vector plus the
// docstore metadata that travels with it.
type IndexedChunk struct {
	ChunkID     string
	RecordID    string
	RecordType  string
	Ordinal     int
	ContentHash string
	Preview     string
	Fields      map[string]string
	Version     int64
	UpdatedAt   time.Time
	Vector      []float32
}

// Filter restricts search results. Fields entries require equality
// against the chunk's metadata fields; ExcludeRecord drops all chunks
// of one record (used by related-item lookups).
type Filter struct {
	Fields        map[string]string
	ExcludeRecord string
}

// Match reports whether a doc passes the filter.
func (f Filter) Match(doc DocMeta) bool {
	if f.ExcludeRecord != "" && doc.RecordID == f.ExcludeRecord {
		return false
	}
	for key, want := range f.Fields {
		if doc.Fields[key] != want {
			return false
		}
	}
	return true
}

// Result is a ranked search result with full chunk metadata.
type Result struct {
	DocMeta
	Score float64
}

// Collection is one independently persisted partition of the vector
// index: a VectorStore plus a docstore mapping chunk ids to metadata.
// Mutations run one batch at a time per collection; reads never block
// on writers and may observe pre- or post-mutation state for an
// in-flight batch.
type Collection struct {
	name    string
	dir     string
	factory StoreFactory
	logger  *zap.Logger

	// writeMu serializes mutation batches.
	writeMu sync.Mutex

	mu          sync.RWMutex
	store       VectorStore
	docs        map[string]DocMeta
	byRecord    map[string]map[string]string // record id -> chunk id -> content hash
	pending     []string                     // tombstoned ids awaiting physical removal
	built       bool
	loaded      bool
	lastUpdated time.Time
}

// NewCollection creates a collection handle. The vector store and
// docstore are opened lazily on first access to avoid startup cost for
// collections that are never touched.
func NewCollection(name, dir string, factory StoreFactory, logger *zap.Logger) *Collection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collection{
		name:    name,
		dir:     dir,
		factory: factory,
		logger:  logger.With(zap.String("collection", name)),
	}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// ensureLoaded opens the vector store and loads the docstore snapshot.
// Callers must not hold c.mu.
func (c *Collection) ensureLoaded() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLoadedLocked()
}

func (c *Collection) ensureLoadedLocked() error {
	if c.loaded {
		return nil
	}

	store, err := c.factory(c.name)
	if err != nil {
		return fmt.Errorf("open vector store for %s: %w", c.name, err)
	}

	docs, lastUpdated, err := loadDocstore(c.dir)
	switch {
	case err == nil:
		c.built = true
	case os.IsNotExist(err):
		docs = make(map[string]DocMeta)
	default:
		_ = store.Close()
		return fmt.Errorf("load docstore for %s: %w", c.name, err)
	}

	c.store = store
	c.docs = docs
	c.lastUpdated = lastUpdated
	c.byRecord = make(map[string]map[string]string)
	for id, doc := range docs {
		if doc.Tombstoned {
			c.pending = append(c.pending, id)
			continue
		}
		c.indexByRecordLocked(doc.RecordID, id, doc.ContentHash)
	}
	c.loaded = true

	c.logger.Debug("collection loaded",
		zap.Int("chunks", len(docs)),
		zap.Bool("built", c.built))
	return nil
}

func (c *Collection) indexByRecordLocked(recordID, chunkID, hash string) {
	chunks, ok := c.byRecord[recordID]
	if !ok {
		chunks = make(map[string]string)
		c.byRecord[recordID] = chunks
	}
	chunks[chunkID] = hash
}

func (c *Collection) unindexByRecordLocked(recordID, chunkID string) {
	if chunks, ok := c.byRecord[recordID]; ok {
		delete(chunks, chunkID)
		if len(chunks) == 0 {
			delete(c.byRecord, recordID)
		}
	}
}

// Apply executes one mutation batch: upserts then removals, followed by
// an atomic flush of the vector store and docstore. Re-applying an
// identical batch converges to the same state because chunk ids are
// deterministic and operations are set-based.
func (c *Collection) Apply(ctx context.Context, upserts []IndexedChunk, removals []string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ensureLoaded(); err != nil {
		return err
	}

	now := time.Now()

	for _, chunk := range upserts {
		if err := c.store.Upsert(ctx, chunk.ChunkID, chunk.Vector); err != nil {
			return fmt.Errorf("upsert %s: %w", chunk.ChunkID, err)
		}
		doc := DocMeta{
			ChunkID:     chunk.ChunkID,
			RecordID:    chunk.RecordID,
			RecordType:  chunk.RecordType,
			Ordinal:     chunk.Ordinal,
			ContentHash: chunk.ContentHash,
			Preview:     chunk.Preview,
			Fields:      chunk.Fields,
			Version:     chunk.Version,
			UpdatedAt:   chunk.UpdatedAt,
			IndexedAt:   now,
		}
		c.mu.Lock()
		c.docs[chunk.ChunkID] = doc
		c.indexByRecordLocked(chunk.RecordID, chunk.ChunkID, chunk.ContentHash)
		c.built = true
		c.mu.Unlock()
	}

	// Tombstone first so searches exclude the chunks immediately, even
	// if physical removal below is deferred by a failure.
	c.mu.Lock()
	for _, id := range removals {
		doc, ok := c.docs[id]
		if !ok || doc.Tombstoned {
			continue
		}
		doc.Tombstoned = true
		c.docs[id] = doc
		c.unindexByRecordLocked(doc.RecordID, id)
		c.pending = append(c.pending, id)
	}
	c.built = c.built || len(removals) > 0
	c.lastUpdated = now
	c.mu.Unlock()

	return c.flush(ctx)
}

// flush physically removes pending tombstones, persists the vector
// store, and writes the docstore snapshot atomically. When removal
// fails the tombstones stay pending and the docstore still records
// them, so search correctness is preserved across restarts.
func (c *Collection) flush(ctx context.Context) error {
	c.mu.Lock()
	// A deferred removal is only still valid while its entry remains
	// tombstoned. A later upsert of the same chunk id revives the
	// entry, and the stale pending id must not compact the live chunk.
	pending := make([]string, 0, len(c.pending))
	for _, id := range c.pending {
		if doc, ok := c.docs[id]; ok && doc.Tombstoned {
			pending = append(pending, id)
		}
	}
	c.pending = nil
	c.mu.Unlock()

	if len(pending) > 0 {
		if err := c.store.Remove(ctx, pending); err != nil {
			c.mu.Lock()
			c.pending = pending
			c.mu.Unlock()
			c.logger.Warn("tombstone compaction deferred", zap.Int("chunks", len(pending)), zap.Error(err))
		} else {
			c.mu.Lock()
			for _, id := range pending {
				delete(c.docs, id)
			}
			c.mu.Unlock()
		}
	}

	if err := c.store.Flush(ctx); err != nil {
		return fmt.Errorf("flush vector store: %w", err)
	}

	c.mu.RLock()
	docs := make(map[string]DocMeta, len(c.docs))
	for id, doc := range c.docs {
		docs[id] = doc
	}
	lastUpdated := c.lastUpdated
	c.mu.RUnlock()

	if err := saveDocstore(c.dir, c.name, docs, lastUpdated); err != nil {
		return fmt.Errorf("flush docstore: %w", err)
	}
	return nil
}

// Compact retries any deferred tombstone removals.
func (c *Collection) Compact(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	return c.flush(ctx)
}

// Search returns the top-k chunks by similarity to the query vector.
// It over-fetches k*3 candidates, applies the metadata filter as a
// post-filter, and breaks score ties by most recent update. A never
// built collection returns ErrIndexUnavailable; k <= 0 returns an
// empty result without error.
func (c *Collection) Search(ctx context.Context, query []float32, k int, filter Filter) ([]Result, error) {
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	built := c.built
	c.mu.RUnlock()
	if !built {
		return nil, fmt.Errorf("collection %s: %w", c.name, ErrIndexUnavailable)
	}
	if k <= 0 {
		return []Result{}, nil
	}

	overfetch := k * 3
	if overfetch < searchOverfetchFloor {
		overfetch = searchOverfetchFloor
	}

	hits, err := c.store.Search(ctx, query, overfetch)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", c.name, err)
	}

	c.mu.RLock()
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		doc, ok := c.docs[hit.ChunkID]
		if !ok || doc.Tombstoned {
			continue
		}
		if !filter.Match(doc) {
			continue
		}
		results = append(results, Result{DocMeta: doc, Score: hit.Score})
	}
	c.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].UpdatedAt.After(results[j].UpdatedAt)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// RecordChunks returns the live chunk-id to content-hash mapping for a
// record, the basis of the AutoIndexer's update diff.
func (c *Collection) RecordChunks(recordID string) (map[string]string, error) {
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	chunks := make(map[string]string, len(c.byRecord[recordID]))
	for id, hash := range c.byRecord[recordID] {
		chunks[id] = hash
	}
	return chunks, nil
}

// RecordVectors returns the stored vectors for a record's live chunks,
// or ErrNotFound for an unindexed record.
func (c *Collection) RecordVectors(ctx context.Context, recordID string) ([][]float32, error) {
	chunks, err := c.RecordChunks(recordID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}

	ids := make([]string, 0, len(chunks))
	for id := range chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	vectors := make([][]float32, 0, len(ids))
	for _, id := range ids {
		vec, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("vector for chunk %s: %w", id, err)
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

// RecordIDs lists all records with live chunks in the collection.
func (c *Collection) RecordIDs() ([]string, error) {
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byRecord))
	for id := range c.byRecord {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Health reports the live vector count and last mutation time.
type Health struct {
	VectorCount int       `json:"vector_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Health returns collection health, loading the collection if needed.
func (c *Collection) Health() (Health, error) {
	if err := c.ensureLoaded(); err != nil {
		return Health{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	for _, doc := range c.docs {
		if !doc.Tombstoned {
			count++
		}
	}
	return Health{VectorCount: count, LastUpdated: c.lastUpdated}, nil
}

// Close releases the vector store if it was opened.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		err := c.store.Close()
		c.store = nil
		c.loaded = false
		return err
	}
	return nil
}
