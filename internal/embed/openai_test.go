package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func openaiServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func testOpenAIConfig(url string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:     "test-key",
		Model:      "text-embedding-3-small",
		Dimensions: 4,
		BaseURL:    url,
		Timeout:    time.Second,
		MaxRetries: 2,
	}
}

func respondEmbeddings(w http.ResponseWriter, count, dims int) {
	type datum struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}
	// Data is returned in reversed index order to exercise index-based
	// reassembly.
	data := make([]datum, 0, count)
	for i := count - 1; i >= 0; i-- {
		vec := make([]float64, dims)
		for j := range vec {
			vec[j] = float64(i + j)
		}
		data = append(data, datum{Index: i, Embedding: vec})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data, "model": "text-embedding-3-small"})
}

func TestOpenAIEmbedBatchOrder(t *testing.T) {
	srv := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req openaiEmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Dimensions != 4 {
			t.Errorf("expected dimensions 4 in request, got %d", req.Dimensions)
		}
		respondEmbeddings(w, 3, 4)
	})

	p := NewOpenAIProvider(testOpenAIConfig(srv.URL))
	embeddings, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("embed batch: %v", err)
	}
	if len(embeddings) != 3 {
		t.Fatalf("expected 3 embeddings, got %d", len(embeddings))
	}
	for i, emb := range embeddings {
		if len(emb) != 4 {
			t.Errorf("embedding %d: wrong dimension %d", i, len(emb))
		}
	}
}

func TestOpenAIRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		respondEmbeddings(w, 1, 4)
	})

	cfg := testOpenAIConfig(srv.URL)
	p := NewOpenAIProvider(cfg)
	p.policy.BaseDelay = time.Millisecond

	if _, err := p.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestOpenAIExhaustedRetriesUnavailable(t *testing.T) {
	srv := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	p := NewOpenAIProvider(testOpenAIConfig(srv.URL))
	p.policy.BaseDelay = time.Millisecond

	_, err := p.Embed(context.Background(), "hello")
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestOpenAIAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := openaiServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid api key", "type": "invalid_request_error"},
		})
	})

	p := NewOpenAIProvider(testOpenAIConfig(srv.URL))
	p.policy.BaseDelay = time.Millisecond

	_, err := p.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrEmbeddingUnavailable) {
		t.Error("auth failures are permanent, not unavailability")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestOpenAIEmptyTextRejected(t *testing.T) {
	p := NewOpenAIProvider(testOpenAIConfig("http://localhost:0"))
	if _, err := p.Embed(context.Background(), ""); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}
