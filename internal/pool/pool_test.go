package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      int
	healthy bool
	closed  bool
}

func newFakePool(t *testing.T, cfg Config) (*Pool[*fakeConn], *atomic.Int32) {
	t.Helper()
	var created atomic.Int32
	p := New(cfg,
		func(ctx context.Context) (*fakeConn, error) {
			id := int(created.Add(1))
			return &fakeConn{id: id, healthy: true}, nil
		},
		WithHealthCheck[*fakeConn](func(c *fakeConn) bool { return c.healthy }),
		WithCloser[*fakeConn](func(c *fakeConn) { c.closed = true }),
	)
	t.Cleanup(p.Close)
	return p, &created
}

func TestAcquireRelease(t *testing.T) {
	p, created := newFakePool(t, Config{MaxSize: 2, AcquireTimeout: time.Second})

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c1)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1, c2, "released resource should be reused")
	assert.Equal(t, int32(1), created.Load())
	p.Release(c2)
}

func TestAcquireExhausted(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSize: 1, AcquireTimeout: 50 * time.Millisecond})

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	p.Release(c1)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c2)
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSize: 1, AcquireTimeout: 2 * time.Second})

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan *fakeConn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			done <- c
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(c1)

	select {
	case c, ok := <-done:
		require.True(t, ok, "waiter should acquire after release")
		p.Release(c)
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}
}

func TestUnhealthyDiscardedOnCheckout(t *testing.T) {
	p, created := newFakePool(t, Config{MaxSize: 2, AcquireTimeout: time.Second})

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c1.healthy = false
	p.Release(c1)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, c1.id, c2.id, "unhealthy resource must not be handed out")
	assert.True(t, c1.closed, "unhealthy resource should be closed")
	assert.Equal(t, int32(2), created.Load())
	p.Release(c2)
}

func TestAcquireContextCanceled(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSize: 1, AcquireTimeout: 5 * time.Second})

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(c1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseRejectsAcquire(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSize: 1, AcquireTimeout: time.Second})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c)

	p.Close()
	assert.True(t, c.closed, "idle resources should be disposed on close")

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestFactoryErrorFreesSlot(t *testing.T) {
	boom := errors.New("dial failed")
	fail := true
	p := New(Config{MaxSize: 1, AcquireTimeout: time.Second},
		func(ctx context.Context) (*fakeConn, error) {
			if fail {
				return nil, boom
			}
			return &fakeConn{healthy: true}, nil
		},
	)
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, boom)

	fail = false
	c, err := p.Acquire(context.Background())
	require.NoError(t, err, "failed factory call must not leak pool capacity")
	p.Release(c)
}

func TestBackToBackReleasesWakeEveryWaiter(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSize: 2, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c, err := p.Acquire(ctx)
			if err == nil {
				p.Release(c)
			}
			errs <- err
		}()
	}

	// Let both goroutines park on the exhausted pool, then release
	// twice in quick succession.
	time.Sleep(50 * time.Millisecond)
	p.Release(c1)
	p.Release(c2)

	for i := 0; i < 2; i++ {
		assert.NoError(t, <-errs, "every waiter should get a released resource")
	}
}
