package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func memoryFactory() (StoreFactory, *MemoryStore) {
	store := NewMemoryStore()
	return func(name string) (VectorStore, error) { return store, nil }, store
}

func testCollection(t *testing.T) (*Collection, *MemoryStore) {
	t.Helper()
	factory, store := memoryFactory()
	coll := NewCollection("plans", t.TempDir(), factory, zap.NewNop())
	t.Cleanup(func() { _ = coll.Close() })
	return coll, store
}

func testChunk(chunkID, recordID string, vec []float32, updatedAt time.Time) IndexedChunk {
	return IndexedChunk{
		ChunkID:     chunkID,
		RecordID:    recordID,
		RecordType:  "plans",
		ContentHash: "hash-" + chunkID,
		Preview:     "preview " + chunkID,
		Fields:      map[string]string{"status": "active"},
		Version:     1,
		UpdatedAt:   updatedAt,
		Vector:      vec,
	}
}

func TestApplyAndSearch(t *testing.T) {
	coll, _ := testCollection(t)
	ctx := context.Background()
	now := time.Now()

	err := coll.Apply(ctx, []IndexedChunk{
		testChunk("r1:0:aaa", "r1", []float32{1, 0, 0}, now),
		testChunk("r2:0:bbb", "r2", []float32{0, 1, 0}, now),
	}, nil)
	require.NoError(t, err)

	results, err := coll.Search(ctx, []float32{1, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "r1:0:aaa", results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestSearchUnbuiltCollection(t *testing.T) {
	coll, _ := testCollection(t)

	_, err := coll.Search(context.Background(), []float32{1, 0, 0}, 5, Filter{})
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestSearchZeroKReturnsEmpty(t *testing.T) {
	coll, _ := testCollection(t)
	ctx := context.Background()

	require.NoError(t, coll.Apply(ctx, []IndexedChunk{
		testChunk("r1:0:aaa", "r1", []float32{1, 0, 0}, time.Now()),
	}, nil))

	results, err := coll.Search(ctx, []float32{1, 0, 0}, 0, Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestApplyIdempotent(t *testing.T) {
	coll, store := testCollection(t)
	ctx := context.Background()
	now := time.Now()

	batch := []IndexedChunk{testChunk("r1:0:aaa", "r1", []float32{1, 0, 0}, now)}
	require.NoError(t, coll.Apply(ctx, batch, nil))
	require.NoError(t, coll.Apply(ctx, batch, nil))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "re-applying an identical batch must not duplicate vectors")

	chunks, err := coll.RecordChunks("r1")
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestRemoveTombstonesImmediately(t *testing.T) {
	coll, store := testCollection(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, coll.Apply(ctx, []IndexedChunk{
		testChunk("r1:0:aaa", "r1", []float32{1, 0, 0}, now),
		testChunk("r2:0:bbb", "r2", []float32{0, 1, 0}, now),
	}, nil))

	require.NoError(t, coll.Apply(ctx, nil, []string{"r1:0:aaa"}))

	results, err := coll.Search(ctx, []float32{1, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "r1", r.RecordID, "removed record must never be returned")
	}

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "flush should compact the tombstoned vector")

	chunks, err := coll.RecordChunks("r1")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSearchFilterFields(t *testing.T) {
	coll, _ := testCollection(t)
	ctx := context.Background()
	now := time.Now()

	active := testChunk("r1:0:aaa", "r1", []float32{1, 0, 0}, now)
	archived := testChunk("r2:0:bbb", "r2", []float32{1, 0, 0}, now)
	archived.Fields = map[string]string{"status": "archived"}

	require.NoError(t, coll.Apply(ctx, []IndexedChunk{active, archived}, nil))

	results, err := coll.Search(ctx, []float32{1, 0, 0}, 5, Filter{
		Fields: map[string]string{"status": "archived"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r2", results[0].RecordID)
}

func TestSearchExcludeRecord(t *testing.T) {
	coll, _ := testCollection(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, coll.Apply(ctx, []IndexedChunk{
		testChunk("r1:0:aaa", "r1", []float32{1, 0, 0}, now),
		testChunk("r2:0:bbb", "r2", []float32{0.9, 0.1, 0}, now),
	}, nil))

	results, err := coll.Search(ctx, []float32{1, 0, 0}, 5, Filter{ExcludeRecord: "r1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r2", results[0].RecordID)
}

func TestSearchTieBreakByUpdatedAt(t *testing.T) {
	coll, _ := testCollection(t)
	ctx := context.Background()
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	require.NoError(t, coll.Apply(ctx, []IndexedChunk{
		testChunk("r1:0:aaa", "r1", []float32{1, 0, 0}, older),
		testChunk("r2:0:bbb", "r2", []float32{1, 0, 0}, newer),
	}, nil))

	results, err := coll.Search(ctx, []float32{1, 0, 0}, 2, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "r2", results[0].RecordID, "equal scores resolve to most recent update")
}

func TestDocstorePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	factory, _ := memoryFactory()
	ctx := context.Background()

	coll := NewCollection("plans", dir, factory, zap.NewNop())
	require.NoError(t, coll.Apply(ctx, []IndexedChunk{
		testChunk("r1:0:aaa", "r1", []float32{1, 0, 0}, time.Now()),
	}, nil))
	require.NoError(t, coll.Close())

	factory2, _ := memoryFactory()
	reloaded := NewCollection("plans", dir, factory2, zap.NewNop())
	defer reloaded.Close()

	chunks, err := reloaded.RecordChunks("r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"r1:0:aaa": "hash-r1:0:aaa"}, chunks)

	health, err := reloaded.Health()
	require.NoError(t, err)
	assert.Equal(t, 1, health.VectorCount)
	assert.False(t, health.LastUpdated.IsZero())
}

func TestRecordVectors(t *testing.T) {
	coll, _ := testCollection(t)
	ctx := context.Background()

	require.NoError(t, coll.Apply(ctx, []IndexedChunk{
		testChunk("r1:0:aaa", "r1", []float32{1, 0, 0}, time.Now()),
		testChunk("r1:1:ccc", "r1", []float32{0, 1, 0}, time.Now()),
	}, nil))

	vectors, err := coll.RecordVectors(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, vectors, 2)

	_, err = coll.RecordVectors(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// failingRemoveStore fails its first n Remove calls, then delegates.
type failingRemoveStore struct {
	VectorStore
	failures int
}

func (s *failingRemoveStore) Remove(ctx context.Context, chunkIDs []string) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("store offline")
	}
	return s.VectorStore.Remove(ctx, chunkIDs)
}

func TestReupsertAfterDeferredRemoveStaysLive(t *testing.T) {
	store := &failingRemoveStore{VectorStore: NewMemoryStore(), failures: 1}
	factory := func(name string) (VectorStore, error) { return store, nil }
	coll := NewCollection("plans", t.TempDir(), factory, zap.NewNop())
	t.Cleanup(func() { _ = coll.Close() })

	ctx := context.Background()
	ch := testChunk("r1:0:aaa", "r1", []float32{1, 0, 0}, time.Now())

	require.NoError(t, coll.Apply(ctx, []IndexedChunk{ch}, nil))

	// Physical removal fails, so the tombstone stays pending.
	require.NoError(t, coll.Apply(ctx, nil, []string{"r1:0:aaa"}))
	results, err := coll.Search(ctx, []float32{1, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)

	// A content revert re-upserts the identical chunk id. The stale
	// pending tombstone must not compact the revived chunk away.
	require.NoError(t, coll.Apply(ctx, []IndexedChunk{ch}, nil))

	results, err = coll.Search(ctx, []float32{1, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r1:0:aaa", results[0].ChunkID)

	chunks, err := coll.RecordChunks("r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"r1:0:aaa": "hash-r1:0:aaa"}, chunks)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
