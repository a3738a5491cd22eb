package embed

import (
	"context"

	"github.com/planweave/semindex/internal/pool"
)

// PooledProvider bounds concurrent calls against an embedding service
// through a connection pool, so indexing bursts cannot exceed provider
// rate limits. Acquisition past the pool timeout fails with
// pool.ErrPoolExhausted.
type PooledProvider struct {
	inner Provider
	slots *pool.Pool[struct{}]
}

// WithPool wraps a Provider so at most cfg.MaxSize embedding calls run
// concurrently.
func WithPool(p Provider, cfg pool.Config) *PooledProvider {
	slots := pool.New(cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	return &PooledProvider{inner: p, slots: slots}
}

func (p *PooledProvider) withSlot(ctx context.Context, fn func(ctx context.Context) error) error {
	slot, err := p.slots.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.slots.Release(slot)
	return fn(ctx)
}

// Embed generates an embedding while holding a pool slot.
func (p *PooledProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var result []float32
	err := p.withSlot(ctx, func(ctx context.Context) error {
		var embErr error
		result, embErr = p.inner.Embed(ctx, text)
		return embErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EmbedBatch generates batch embeddings while holding a pool slot.
func (p *PooledProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var result [][]float32
	err := p.withSlot(ctx, func(ctx context.Context) error {
		var embErr error
		result, embErr = p.inner.EmbedBatch(ctx, texts)
		return embErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Model returns the inner provider's model name.
func (p *PooledProvider) Model() string { return p.inner.Model() }

// Dimensions returns the inner provider's vector dimensionality.
func (p *PooledProvider) Dimensions() int { return p.inner.Dimensions() }

// Ping delegates to the inner provider.
func (p *PooledProvider) Ping(ctx context.Context) error { return p.inner.Ping(ctx) }

// Close releases the pool.
func (p *PooledProvider) Close() { p.slots.Close() }
