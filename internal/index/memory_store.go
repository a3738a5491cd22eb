package index

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an exact cosine-scan VectorStore. It is the default
// for tests and small collections where brute-force search beats index
// maintenance overhead.
type MemoryStore struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewMemoryStore creates an empty in-memory vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vectors: make(map[string][]float32)}
}

// Upsert stores the vector under chunkID, replacing any prior entry.
func (s *MemoryStore) Upsert(ctx context.Context, chunkID string, vector []float32) error {
	normalized := Normalize(append([]float32(nil), vector...))
	s.mu.Lock()
	s.vectors[chunkID] = normalized
	s.mu.Unlock()
	return nil
}

// Remove deletes the given chunk ids; unknown ids are ignored.
func (s *MemoryStore) Remove(ctx context.Context, chunkIDs []string) error {
	s.mu.Lock()
	for _, id := range chunkIDs {
		delete(s.vectors, id)
	}
	s.mu.Unlock()
	return nil
}

// Get returns the stored (normalized) vector for a chunk.
func (s *MemoryStore) Get(ctx context.Context, chunkID string) ([]float32, error) {
	s.mu.RLock()
	vec, ok := s.vectors[chunkID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]float32(nil), vec...), nil
}

// Search scans all vectors and returns the top k by cosine score.
func (s *MemoryStore) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	q := Normalize(append([]float32(nil), query...))

	s.mu.RLock()
	hits := make([]Hit, 0, len(s.vectors))
	for id, vec := range s.vectors {
		if len(vec) != len(q) {
			continue
		}
		hits = append(hits, Hit{ChunkID: id, Score: CosineScore(dot(q, vec))})
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Count returns the number of stored vectors.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors), nil
}

// Flush is a no-op for the in-memory store.
func (s *MemoryStore) Flush(ctx context.Context) error { return nil }

// Close releases the store.
func (s *MemoryStore) Close() error { return nil }

var _ VectorStore = (*MemoryStore)(nil)
