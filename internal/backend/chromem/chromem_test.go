package chromem

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/pkg/types"
)

func newAdapter(t *testing.T, opts Options) *Adapter {
	t.Helper()
	a, err := New("vectors", opts, log.NewWithOptions(io.Discard, log.Options{}))
	require.NoError(t, err)
	return a
}

func TestAdapter_QueryFiltersByScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newAdapter(t, Options{Dimensions: 3})

	require.NoError(t, a.Insert(ctx, types.MemoryRecord{ID: "a", Content: "a", Embedding: []float32{1, 0, 0}, Scope: types.Scope{UserID: "u1"}}))
	require.NoError(t, a.Insert(ctx, types.MemoryRecord{ID: "b", Content: "b", Embedding: []float32{0, 1, 0}, Scope: types.Scope{UserID: "u1", AgentID: "ag"}}))
	require.NoError(t, a.Insert(ctx, types.MemoryRecord{ID: "c", Content: "c", Embedding: []float32{1, 0, 0}, Scope: types.Scope{UserID: "u2"}}))

	hits, err := a.Query(ctx, backend.Query{Vector: []float32{1, 0, 0}, Scope: types.Scope{UserID: "u1"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)

	hits, err = a.Query(ctx, backend.Query{Vector: []float32{1, 0, 0}, Scope: types.Scope{AgentID: "ag"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)
}

func TestAdapter_LimitClampedToCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newAdapter(t, Options{})

	hits, err := a.Query(ctx, backend.Query{Vector: []float32{1, 0}, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, a.Insert(ctx, types.MemoryRecord{ID: "a", Embedding: []float32{1, 0}}))
	hits, err = a.Query(ctx, backend.Query{Vector: []float32{1, 0}, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestAdapter_UpdateAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newAdapter(t, Options{})

	require.NoError(t, a.Insert(ctx, types.MemoryRecord{ID: "a", Embedding: []float32{1, 0}}))
	require.NoError(t, a.Update(ctx, types.MemoryRecord{ID: "a", Embedding: []float32{0, 1}}))

	hits, err := a.Query(ctx, backend.Query{Vector: []float32{0, 1}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)

	require.NoError(t, a.Delete(ctx, "a"))
	require.NoError(t, a.Delete(ctx, "a"))
	hits, err = a.Query(ctx, backend.Query{Vector: []float32{0, 1}, Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAdapter_RejectsBadVectors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newAdapter(t, Options{Dimensions: 2})

	assert.ErrorIs(t, a.Insert(ctx, types.MemoryRecord{ID: "z", Embedding: []float32{0, 0}}), backend.ErrRejected)
	assert.ErrorIs(t, a.Insert(ctx, types.MemoryRecord{ID: "w", Embedding: []float32{1, 0, 0}}), backend.ErrRejected)

	_, err := a.Query(ctx, backend.Query{Vector: []float32{0, 0}, Limit: 1})
	assert.ErrorIs(t, err, backend.ErrRejected)
}

func TestAdapter_Persistent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "chromem")

	a := newAdapter(t, Options{Path: dir})
	require.NoError(t, a.Insert(ctx, types.MemoryRecord{ID: "a", Embedding: []float32{1, 0}}))

	reopened := newAdapter(t, Options{Path: dir})
	hits, err := reopened.Query(ctx, backend.Query{Vector: []float32{1, 0}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
	assert.True(t, reopened.Health(ctx).Available)
}
