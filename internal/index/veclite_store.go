package index

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/abdul-hamid-achik/veclite"
)

// VecLiteStore implements VectorStore on a VecLite HNSW collection.
// Vectors are L2-normalized on write so the euclidean distance VecLite
// reports converts exactly to cosine similarity.
type VecLiteStore struct {
	db         *veclite.DB
	coll       *veclite.Collection
	name       string
	dimensions int
}

// VecLitePath returns the VecLite database file for a collection.
func VecLitePath(rootDir, name string) string {
	return filepath.Join(rootDir, name, "vectors.veclite")
}

// OpenVecLiteStore opens (or creates) the VecLite-backed store for a
// collection.
func OpenVecLiteStore(path, name string, dimensions int) (*VecLiteStore, error) {
	db, err := veclite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open veclite database: %w", err)
	}

	s := &VecLiteStore{db: db, name: name, dimensions: dimensions}
	if err := s.ensureCollection(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *VecLiteStore) ensureCollection() error {
	coll, err := s.db.CreateCollection(s.name,
		veclite.WithDimension(s.dimensions),
		veclite.WithDistanceType(veclite.DistanceEuclidean),
		veclite.WithHNSW(16, 200), // M=16, efConstruction=200
	)
	if err != nil {
		coll, err = s.db.GetCollection(s.name)
		if err != nil {
			return fmt.Errorf("create/get collection %s: %w", s.name, err)
		}
	}
	s.coll = coll
	return nil
}

// Upsert replaces any existing vector for chunkID and inserts the new
// one keyed by chunk_id payload.
func (s *VecLiteStore) Upsert(ctx context.Context, chunkID string, vector []float32) error {
	if len(vector) != s.dimensions {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vector), s.dimensions)
	}

	if _, err := s.coll.DeleteWhere(veclite.Equal("chunk_id", chunkID)); err != nil {
		return fmt.Errorf("replace chunk %s: %w", chunkID, err)
	}

	normalized := Normalize(append([]float32(nil), vector...))
	if _, err := s.coll.Insert(normalized, map[string]any{"chunk_id": chunkID}); err != nil {
		return fmt.Errorf("insert chunk %s: %w", chunkID, err)
	}
	return nil
}

// Remove deletes the given chunk ids. If the collection empties out it
// is recreated, which resets the HNSW graph (deleting every record
// otherwise leaves the index in a bad state).
func (s *VecLiteStore) Remove(ctx context.Context, chunkIDs []string) error {
	for _, id := range chunkIDs {
		if _, err := s.coll.DeleteWhere(veclite.Equal("chunk_id", id)); err != nil {
			return fmt.Errorf("delete chunk %s: %w", id, err)
		}
	}

	if s.coll.Count() == 0 {
		if err := s.db.DropCollection(s.name); err != nil {
			_ = err // collection may already be gone
		}
		return s.ensureCollection()
	}
	return nil
}

// Get returns the stored vector for a chunk.
func (s *VecLiteStore) Get(ctx context.Context, chunkID string) ([]float32, error) {
	records, err := s.coll.Find(veclite.Equal("chunk_id", chunkID))
	if err != nil {
		return nil, fmt.Errorf("find chunk %s: %w", chunkID, err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0].Vector, nil
}

// Search performs an approximate nearest-neighbor query and converts
// euclidean distances between unit vectors to [0,1] cosine scores.
func (s *VecLiteStore) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(query) != s.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), s.dimensions)
	}

	normalized := Normalize(append([]float32(nil), query...))
	results, err := s.coll.Search(normalized, veclite.TopK(k))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id, ok := r.Record.Payload["chunk_id"].(string)
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			ChunkID: id,
			Score:   CosineScore(euclideanToCosine(float64(r.Score))),
		})
	}
	return hits, nil
}

// Count returns the number of stored vectors.
func (s *VecLiteStore) Count(ctx context.Context) (int, error) {
	return s.coll.Count(), nil
}

// Flush persists pending VecLite changes to disk.
func (s *VecLiteStore) Flush(ctx context.Context) error {
	return s.db.Sync()
}

// Close closes the underlying database.
func (s *VecLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ VectorStore = (*VecLiteStore)(nil)
