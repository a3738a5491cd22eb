package embed

import (
	"context"
)

// mockProvider is a test mock for the Provider interface.
type mockProvider struct {
	embedFunc      func(ctx context.Context, text string) ([]float32, error)
	embedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)
	model          string
	dimensions     int
	embedCalls     int
	batchCalls     int
}

func (m *mockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	m.embedCalls++
	if m.embedFunc != nil {
		return m.embedFunc(ctx, text)
	}
	return []float32{1.0, 2.0, 3.0}, nil
}

func (m *mockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.batchCalls++
	if m.embedBatchFunc != nil {
		return m.embedBatchFunc(ctx, texts)
	}
	results := make([][]float32, len(texts))
	for i := range texts {
		results[i] = []float32{float32(i), float32(i + 1), float32(i + 2)}
	}
	return results, nil
}

func (m *mockProvider) Model() string {
	if m.model != "" {
		return m.model
	}
	return "test-model"
}

func (m *mockProvider) Dimensions() int {
	if m.dimensions != 0 {
		return m.dimensions
	}
	return 3
}

func (m *mockProvider) Ping(ctx context.Context) error {
	return nil
}
