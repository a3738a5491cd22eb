package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planweave/semindex/internal/autoindex"
	"github.com/planweave/semindex/internal/chunk"
	"github.com/planweave/semindex/internal/index"
	"github.com/planweave/semindex/internal/record"
	"github.com/planweave/semindex/internal/search"
)

// unitEmbedder maps every text to the same unit vector; enough for
// exercising the HTTP surface, where ranking is not under test.
type unitEmbedder struct{}

func (unitEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (unitEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, 0, 0, 0}
	}
	return vecs, nil
}

func (unitEmbedder) Model() string                  { return "unit-test" }
func (unitEmbedder) Dimensions() int                { return 4 }
func (unitEmbedder) Ping(ctx context.Context) error { return nil }

type staticSource struct {
	records map[record.Type][]record.Record
}

func (s staticSource) List(ctx context.Context, typ record.Type) ([]record.Record, error) {
	return s.records[typ], nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWith(t, []record.Record{{
		ID:        "p1",
		Type:      record.TypePlan,
		Content:   "## Auth\nUse JWT tokens.",
		Meta:      record.PlanMeta{Title: "Plan p1", Status: "active"},
		Version:   1,
		UpdatedAt: time.Now(),
	}}, 0)
}

func newTestServerWith(t *testing.T, plans []record.Record, defaultLimit int) *httptest.Server {
	t.Helper()
	factory := func(name string) (index.VectorStore, error) { return index.NewMemoryStore(), nil }
	registry := index.NewRegistry(t.TempDir(), factory, zap.NewNop())
	t.Cleanup(func() { registry.Close() })

	provider := unitEmbedder{}
	source := staticSource{records: map[record.Type][]record.Record{
		record.TypePlan: plans,
	}}

	indexer := autoindex.New(registry, chunk.NewChunker(chunk.DefaultConfig()),
		provider, nil, source, autoindex.Config{}, zap.NewNop())
	t.Cleanup(indexer.Close)

	service := search.NewService(registry, provider, nil, 0, zap.NewNop())
	server := NewServer(ServerConfig{
		DefaultLimit: defaultLimit,
		Service:      service,
		Indexer:      indexer,
		Logger:       zap.NewNop(),
	})

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	// Populate the plans collection through the real reindex path.
	resp, err := http.Post(ts.URL+"/api/reindex", "application/json",
		strings.NewReader(`{"collections":["plans"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var body struct {
		Results []search.Hit `json:"results"`
	}
	status := getJSON(t, ts.URL+"/api/search?q=jwt&collection=plans&limit=5", &body)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, body.Results)
	assert.Equal(t, "p1", body.Results[0].RecordID)
}

func TestSearchRequiresCollection(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	status := getJSON(t, ts.URL+"/api/search?q=jwt", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, body["error"])
}

func TestSearchInvalidLimit(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	status := getJSON(t, ts.URL+"/api/search?q=jwt&collection=plans&limit=-2", &body)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSearchUnknownCollection(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	status := getJSON(t, ts.URL+"/api/search?q=jwt&collection=widgets", &body)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSearchUnbuiltCollection(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	status := getJSON(t, ts.URL+"/api/search?q=jwt&collection=documents", &body)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestRelatedUnknownRecord(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	status := getJSON(t, ts.URL+"/api/related/missing", &body)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestReindexDryRun(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/reindex", "application/json",
		strings.NewReader(`{"collections":["plans"],"dry_run":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report autoindex.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Zero(t, report.Processed, "everything already indexed, dry run reports no pending work")
	assert.Equal(t, 1, report.Skipped)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var body struct {
		Collections map[string]index.Health `json:"collections"`
	}
	status := getJSON(t, ts.URL+"/api/health", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Collections, 3)
	assert.Equal(t, 1, body.Collections["plans"].VectorCount)
}

func TestSearchUsesConfiguredDefaultLimit(t *testing.T) {
	plan := func(id string) record.Record {
		return record.Record{
			ID:        id,
			Type:      record.TypePlan,
			Content:   "## Auth\nUse JWT tokens.",
			Meta:      record.PlanMeta{Title: "Plan " + id, Status: "active"},
			Version:   1,
			UpdatedAt: time.Now(),
		}
	}
	ts := newTestServerWith(t, []record.Record{plan("p1"), plan("p2")}, 1)

	var body struct {
		Results []search.Hit `json:"results"`
	}
	status := getJSON(t, ts.URL+"/api/search?q=jwt&collection=plans", &body)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body.Results, 1)

	// An explicit limit still wins over the configured default.
	status = getJSON(t, ts.URL+"/api/search?q=jwt&collection=plans&limit=5", &body)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body.Results, 2)
}
