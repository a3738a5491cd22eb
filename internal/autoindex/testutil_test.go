package autoindex

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/planweave/semindex/internal/chunk"
	"github.com/planweave/semindex/internal/embed"
	"github.com/planweave/semindex/internal/index"
	"github.com/planweave/semindex/internal/record"
)

// tokenEmbedder is a deterministic bag-of-words embedder for tests.
// Each distinct token gets its own dimension, so texts sharing tokens
// have genuinely higher cosine similarity and the usual score
// thresholds hold without a real model.
type tokenEmbedder struct {
	mu     sync.Mutex
	tokens map[string]int
	calls  int
	fail   int // number of leading calls to fail with errEmbedDown
}

var errEmbedDown = fmt.Errorf("embedder down: %w", embed.ErrEmbeddingUnavailable)

const tokenDims = 128

func newTokenEmbedder() *tokenEmbedder {
	return &tokenEmbedder{tokens: make(map[string]int)}
}

func (e *tokenEmbedder) dim(token string) int {
	if i, ok := e.tokens[token]; ok {
		return i
	}
	i := len(e.tokens) % tokenDims
	e.tokens[token] = i
	return i
}

func (e *tokenEmbedder) embed(text string) []float32 {
	vec := make([]float32, tokenDims)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) > 4 {
			tok = tok[:4] // crude stemming so "auth" matches "authentication"
		}
		vec[e.dim(tok)]++
	}
	return vec
}

func (e *tokenEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *tokenEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.fail {
		return nil, errEmbedDown
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vecs[i] = e.embed(text)
	}
	return vecs, nil
}

func (e *tokenEmbedder) Model() string   { return "token-test" }
func (e *tokenEmbedder) Dimensions() int { return tokenDims }

func (e *tokenEmbedder) Ping(ctx context.Context) error { return nil }

// recordingInvalidator counts cache invalidations per collection.
type recordingInvalidator struct {
	mu          sync.Mutex
	collections []string
}

func (r *recordingInvalidator) InvalidateCollection(ctx context.Context, collection string) {
	r.mu.Lock()
	r.collections = append(r.collections, collection)
	r.mu.Unlock()
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.collections)
}

// memSource is an in-memory RecordSource.
type memSource struct {
	mu      sync.Mutex
	records map[record.Type][]record.Record
}

func newMemSource() *memSource {
	return &memSource{records: make(map[record.Type][]record.Record)}
}

func (s *memSource) put(rec record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[rec.Type]
	for i, existing := range recs {
		if existing.ID == rec.ID {
			recs[i] = rec
			return
		}
	}
	s.records[rec.Type] = append(recs, rec)
}

func (s *memSource) remove(typ record.Type, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[typ]
	for i, existing := range recs {
		if existing.ID == id {
			s.records[typ] = append(recs[:i], recs[i+1:]...)
			return
		}
	}
}

func (s *memSource) List(ctx context.Context, typ record.Type) ([]record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.Record(nil), s.records[typ]...), nil
}

type fixture struct {
	indexer  *Indexer
	registry *index.Registry
	embedder *tokenEmbedder
	cache    *recordingInvalidator
	source   *memSource
}

func newFixture(t *testing.T, cfg Config) *fixture {
	factory := func(name string) (index.VectorStore, error) { return index.NewMemoryStore(), nil }
	registry := index.NewRegistry(t.TempDir(), factory, zap.NewNop())
	embedder := newTokenEmbedder()
	cache := &recordingInvalidator{}
	source := newMemSource()

	indexer := New(registry, chunk.NewChunker(chunk.DefaultConfig()), embedder, cache, source, cfg, zap.NewNop())
	t.Cleanup(func() {
		indexer.Close()
		registry.Close()
	})
	return &fixture{
		indexer:  indexer,
		registry: registry,
		embedder: embedder,
		cache:    cache,
		source:   source,
	}
}

func planRecord(id, content string) record.Record {
	return record.Record{
		ID:      id,
		Type:    record.TypePlan,
		Content: content,
		Meta: record.PlanMeta{
			Title:  "Plan " + id,
			Status: "active",
		},
		Version:   1,
		UpdatedAt: time.Now(),
	}
}
