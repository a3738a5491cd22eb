// Package search provides query-time access to the vector index:
// free-text search over a collection and related-record lookup, with a
// read-through result cache and a stale fallback when the embedding
// provider is down.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/planweave/semindex/internal/cache"
	"github.com/planweave/semindex/internal/embed"
	"github.com/planweave/semindex/internal/index"
)

// ErrInvalidQuery marks a malformed query or filter.
var ErrInvalidQuery = errors.New("invalid query")

// previewSize bounds the preview returned with each hit.
const previewSize = 240

// scoreFloor drops hits with no positive similarity: a score of 0.5 is
// an orthogonal vector, anything below points away from the query.
const scoreFloor = 0.5

// Hit is one search result chunk.
type Hit struct {
	RecordID  string            `json:"record_id"`
	ChunkID   string            `json:"chunk_id"`
	Score     float64           `json:"score"`
	Preview   string            `json:"preview"`
	Fields    map[string]string `json:"fields,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// RelatedHit is one related-record result, scored by its best chunk.
type RelatedHit struct {
	RecordID string            `json:"record_id"`
	Score    float64           `json:"score"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// ResultCache is the slice of the cache layer the service needs. A nil
// cache disables result caching and the stale fallback.
type ResultCache interface {
	Get(ctx context.Context, key cache.Key) ([]byte, bool)
	GetStale(ctx context.Context, key cache.Key) ([]byte, bool)
	Set(ctx context.Context, key cache.Key, payload []byte)
}

// Service answers search and related queries against the registry.
type Service struct {
	registry *index.Registry
	provider embed.Provider
	cache    ResultCache
	timeout  time.Duration
	logger   *zap.Logger
}

// NewService builds a search service. timeout bounds each query when
// positive; cache may be nil.
func NewService(registry *index.Registry, provider embed.Provider, resultCache ResultCache,
	timeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: registry,
		provider: provider,
		cache:    resultCache,
		timeout:  timeout,
		logger:   logger,
	}
}

func (s *Service) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// Search embeds the query and returns the top-k matching chunks from
// the collection. An empty query returns an empty result without
// error. Results are served from the cache when fresh; when the
// embedding provider is unavailable a stale cached result is returned
// instead of the error, if one exists.
func (s *Service) Search(ctx context.Context, query, collection string, k int, filters map[string]string) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Hit{}, nil
	}
	if k < 0 {
		return nil, fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, k)
	}
	for name := range filters {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: empty filter name", ErrInvalidQuery)
		}
	}

	coll, err := s.registry.Get(collection)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	key := cache.Key{Collection: collection, Query: query, Filter: filters}
	if s.cache != nil {
		if payload, ok := s.cache.Get(ctx, key); ok {
			if hits, err := decodeHits(payload); err == nil {
				return limitHits(hits, k), nil
			}
		}
	}

	vec, err := s.provider.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, embed.ErrEmbeddingUnavailable) && s.cache != nil {
			if payload, ok := s.cache.GetStale(ctx, key); ok {
				if hits, decErr := decodeHits(payload); decErr == nil {
					s.logger.Warn("serving stale results, embedding provider unavailable",
						zap.String("collection", collection))
					return limitHits(hits, k), nil
				}
			}
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := coll.Search(ctx, vec, k, index.Filter{Fields: filters})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if r.Score <= scoreFloor {
			continue
		}
		hits = append(hits, Hit{
			RecordID:  r.RecordID,
			ChunkID:   r.ChunkID,
			Score:     r.Score,
			Preview:   bound(r.Preview),
			Fields:    r.Fields,
			UpdatedAt: r.UpdatedAt,
		})
	}

	if s.cache != nil {
		if payload, err := json.Marshal(hits); err == nil {
			s.cache.Set(ctx, key, payload)
		}
	}
	return hits, nil
}

// Related finds the records most similar to the given record: each of
// its chunk vectors queries the record's own collection, the source
// record is excluded, and every other record is scored by its best
// matching chunk. An unindexed record returns ErrNotFound.
func (s *Service) Related(ctx context.Context, recordID string, k int) ([]RelatedHit, error) {
	if k < 0 {
		return nil, fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, k)
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	coll, vectors, err := s.findRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if k == 0 {
		return []RelatedHit{}, nil
	}

	// Over-fetch per query vector: a single record's many chunks can
	// dominate a neighborhood, and deduplicating by record below would
	// otherwise under-fill the top-k.
	best := make(map[string]RelatedHit)
	for _, vec := range vectors {
		results, err := coll.Search(ctx, vec, k*3, index.Filter{ExcludeRecord: recordID})
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.Score <= scoreFloor {
				continue
			}
			if prev, ok := best[r.RecordID]; !ok || r.Score > prev.Score {
				best[r.RecordID] = RelatedHit{
					RecordID: r.RecordID,
					Score:    r.Score,
					Fields:   r.Fields,
				}
			}
		}
	}

	hits := make([]RelatedHit, 0, len(best))
	for _, hit := range best {
		hits = append(hits, hit)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].RecordID < hits[j].RecordID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// findRecord locates the collection holding the record and returns its
// chunk vectors.
func (s *Service) findRecord(ctx context.Context, recordID string) (*index.Collection, [][]float32, error) {
	for _, name := range s.registry.Names() {
		coll, err := s.registry.Get(name)
		if err != nil {
			return nil, nil, err
		}
		vectors, err := coll.RecordVectors(ctx, recordID)
		if errors.Is(err, index.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return coll, vectors, nil
	}
	return nil, nil, fmt.Errorf("record %s: %w", recordID, index.ErrNotFound)
}

// Health reports per-collection vector counts and last update times.
func (s *Service) Health() (map[string]index.Health, error) {
	return s.registry.HealthReport()
}

func decodeHits(payload []byte) ([]Hit, error) {
	var hits []Hit
	if err := json.Unmarshal(payload, &hits); err != nil {
		return nil, err
	}
	return hits, nil
}

func limitHits(hits []Hit, k int) []Hit {
	if len(hits) > k {
		return hits[:k]
	}
	return hits
}

func bound(text string) string {
	runes := []rune(text)
	if len(runes) <= previewSize {
		return text
	}
	return string(runes[:previewSize])
}
