package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planweave/semindex/internal/record"
)

func TestRegistryKnownCollections(t *testing.T) {
	factory := func(name string) (VectorStore, error) { return NewMemoryStore(), nil }
	reg := NewRegistry(t.TempDir(), factory, zap.NewNop())
	defer reg.Close()

	for _, typ := range record.Types() {
		coll, err := reg.Get(string(typ))
		require.NoError(t, err)
		assert.Equal(t, string(typ), coll.Name())
	}

	assert.ElementsMatch(t, []string{"plans", "projects", "documents"}, reg.Names())
}

func TestRegistryUnknownCollection(t *testing.T) {
	factory := func(name string) (VectorStore, error) { return NewMemoryStore(), nil }
	reg := NewRegistry(t.TempDir(), factory, zap.NewNop())
	defer reg.Close()

	_, err := reg.Get("widgets")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryHealthReport(t *testing.T) {
	factory := func(name string) (VectorStore, error) { return NewMemoryStore(), nil }
	reg := NewRegistry(t.TempDir(), factory, zap.NewNop())
	defer reg.Close()

	plans, err := reg.Get("plans")
	require.NoError(t, err)
	require.NoError(t, plans.Apply(context.Background(), []IndexedChunk{
		testChunk("p1:0:aaa", "p1", []float32{1, 0, 0}, time.Now()),
	}, nil))

	report, err := reg.HealthReport()
	require.NoError(t, err)
	require.Len(t, report, 3)
	assert.Equal(t, 1, report["plans"].VectorCount)
	assert.Equal(t, 0, report["documents"].VectorCount)
}
