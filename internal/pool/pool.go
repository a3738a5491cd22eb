// Package pool provides bounded resource pools for downstream
// dependencies (embedding service clients, persistence backends, the
// shared cache). Acquisition blocks up to a configurable timeout and
// resources are health-checked lazily on checkout.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrPoolExhausted is returned when no resource becomes available
// within the acquire timeout.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrPoolClosed is returned when acquiring from a closed pool.
var ErrPoolClosed = errors.New("connection pool closed")

// Factory creates a new pooled resource.
type Factory[T any] func(ctx context.Context) (T, error)

// Config holds pool tuning knobs.
type Config struct {
	// MaxSize is the maximum number of live resources.
	MaxSize int
	// AcquireTimeout bounds how long Acquire blocks before failing
	// with ErrPoolExhausted.
	AcquireTimeout time.Duration
	// IdleTimeout is how long an idle resource may sit in the pool
	// before the reaper closes it. Zero disables reaping.
	IdleTimeout time.Duration
	// ReapInterval is how often the reaper scans for idle resources.
	ReapInterval time.Duration
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:        8,
		AcquireTimeout: 5 * time.Second,
		IdleTimeout:    5 * time.Minute,
		ReapInterval:   time.Minute,
	}
}

// Pool is a bounded pool of resources of type T. Idle resources are
// kept for reuse; checked-out resources are health-checked lazily and
// discarded when unhealthy.
type Pool[T any] struct {
	factory Factory[T]
	health  func(T) bool
	closeFn func(T)
	config  Config
	logger  *zap.Logger

	mu     sync.Mutex
	idle   []pooled[T]
	live   int
	waiter chan struct{}
	closed bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

type pooled[T any] struct {
	res     T
	idledAt time.Time
}

// Option customizes a Pool.
type Option[T any] func(*Pool[T])

// WithHealthCheck sets the checkout-time health probe. Unhealthy
// resources are closed and replaced rather than handed out.
func WithHealthCheck[T any](fn func(T) bool) Option[T] {
	return func(p *Pool[T]) { p.health = fn }
}

// WithCloser sets the function used to dispose of resources.
func WithCloser[T any](fn func(T)) Option[T] {
	return func(p *Pool[T]) { p.closeFn = fn }
}

// WithLogger sets the pool logger.
func WithLogger[T any](logger *zap.Logger) Option[T] {
	return func(p *Pool[T]) { p.logger = logger }
}

// New creates a pool over the given factory.
func New[T any](cfg Config, factory Factory[T], opts ...Option[T]) *Pool[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}

	p := &Pool[T]{
		factory:    factory,
		config:     cfg,
		logger:     zap.NewNop(),
		// One buffered slot per possible resource so back-to-back
		// releases never coalesce into a single wakeup.
		waiter:     make(chan struct{}, cfg.MaxSize),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.IdleTimeout > 0 && cfg.ReapInterval > 0 {
		go p.reap()
	} else {
		close(p.reaperDone)
	}
	return p
}

// Acquire checks out a resource, creating one when under MaxSize.
// It blocks up to the acquire timeout (or ctx cancellation) and then
// fails with ErrPoolExhausted.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	deadline := time.NewTimer(p.config.AcquireTimeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrPoolClosed
		}

		// Reuse an idle resource, newest first.
		for len(p.idle) > 0 {
			last := len(p.idle) - 1
			candidate := p.idle[last]
			p.idle = p.idle[:last]
			if p.health != nil && !p.health(candidate.res) {
				p.live--
				p.mu.Unlock()
				p.dispose(candidate.res)
				p.logger.Debug("discarded unhealthy pooled resource")
				p.mu.Lock()
				continue
			}
			p.mu.Unlock()
			return candidate.res, nil
		}

		if p.live < p.config.MaxSize {
			p.live++
			p.mu.Unlock()
			res, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				p.notify()
				return zero, err
			}
			return res, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline.C:
			return zero, ErrPoolExhausted
		case <-p.waiter:
			// A resource was released; retry.
		}
	}
}

// Release returns a resource to the pool.
func (p *Pool[T]) Release(res T) {
	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		p.dispose(res)
		return
	}
	p.idle = append(p.idle, pooled[T]{res: res, idledAt: time.Now()})
	p.mu.Unlock()
	p.notify()
}

// Discard drops a resource known to be broken instead of returning it.
func (p *Pool[T]) Discard(res T) {
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.dispose(res)
	p.notify()
}

// Stats reports current pool occupancy.
func (p *Pool[T]) Stats() (live, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, len(p.idle)
}

// Close disposes of all idle resources and rejects further acquires.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.mu.Unlock()

	close(p.stopReaper)
	<-p.reaperDone

	for _, entry := range idle {
		p.dispose(entry.res)
	}
}

func (p *Pool[T]) notify() {
	select {
	case p.waiter <- struct{}{}:
	default:
	}
}

func (p *Pool[T]) dispose(res T) {
	if p.closeFn != nil {
		p.closeFn(res)
	}
}

// reap periodically closes resources idle past IdleTimeout.
func (p *Pool[T]) reap() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-p.config.IdleTimeout)
		var expired []T

		p.mu.Lock()
		kept := p.idle[:0]
		for _, entry := range p.idle {
			if entry.idledAt.Before(cutoff) {
				expired = append(expired, entry.res)
				p.live--
			} else {
				kept = append(kept, entry)
			}
		}
		p.idle = kept
		p.mu.Unlock()

		for _, res := range expired {
			p.dispose(res)
		}
		if len(expired) > 0 {
			p.logger.Debug("reaped idle pooled resources", zap.Int("count", len(expired)))
		}
	}
}
