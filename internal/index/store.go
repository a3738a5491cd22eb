// Package index maintains the durable vector collections: one
// independently persisted CollectionIndex per record type, each pairing
// a vector similarity store with a docstore of chunk metadata.
package index

import (
	"context"
	"errors"
	"math"
)

// Errors returned by the index layer.
var (
	// ErrIndexUnavailable is returned when a collection has never been
	// built, so callers can distinguish "nothing matched" from "index
	// not ready".
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrNotFound is returned for unknown chunk or record ids.
	ErrNotFound = errors.New("not found")
)

// Hit is a raw vector similarity match. Score is cosine-similarity
// based, normalized to [0,1].
type Hit struct {
	ChunkID string
	Score   float64
}

// VectorStore is the similarity-search primitive backing a collection.
// Implementations must treat Upsert as replace-on-conflict so indexing
// stays idempotent, and must tolerate Remove of ids they do not hold.
type VectorStore interface {
	Upsert(ctx context.Context, chunkID string, vector []float32) error
	Remove(ctx context.Context, chunkIDs []string) error
	// Get returns the stored vector for a chunk, or ErrNotFound.
	Get(ctx context.Context, chunkID string) ([]float32, error)
	// Search returns up to k hits ordered by descending score.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	Count(ctx context.Context) (int, error)
	// Flush persists pending mutations.
	Flush(ctx context.Context) error
	Close() error
}

// StoreFactory opens the vector store for a named collection. Invoked
// lazily the first time the collection is touched.
type StoreFactory func(name string) (VectorStore, error)

// Normalize scales a vector to unit length in place and returns it.
// Unit-length vectors let euclidean-distance backends recover cosine
// similarity exactly.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}

// CosineScore maps a cosine similarity in [-1,1] to a score in [0,1].
func CosineScore(cos float64) float64 {
	score := (cos + 1) / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// euclideanToCosine recovers cosine similarity from the euclidean
// distance between two unit vectors: d^2 = 2 - 2cos.
func euclideanToCosine(dist float64) float64 {
	return 1 - dist*dist/2
}

// dot computes the inner product of two equal-length vectors.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
