package cache

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/pkg/types"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New("hot", 1000, log.NewWithOptions(io.Discard, log.Options{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAdapter_InsertQueryDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newAdapter(t)
	now := time.Now().UTC()

	require.NoError(t, a.Insert(ctx, types.MemoryRecord{
		ID: "m1", Embedding: []float32{1, 0, 0}, Scope: types.Scope{UserID: "u1"}, UpdatedAt: now,
	}))
	require.NoError(t, a.Insert(ctx, types.MemoryRecord{
		ID: "m2", Embedding: []float32{0.6, 0.8, 0}, Scope: types.Scope{UserID: "u1"}, UpdatedAt: now.Add(time.Second),
	}))
	require.NoError(t, a.Insert(ctx, types.MemoryRecord{
		ID: "m3", Embedding: []float32{1, 0, 0}, Scope: types.Scope{UserID: "u2"}, UpdatedAt: now,
	}))

	hits, err := a.Query(ctx, backend.Query{Vector: []float32{1, 0, 0}, Scope: types.Scope{UserID: "u1"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "m1", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "m2", hits[1].ID)
	assert.InDelta(t, 0.6, hits[1].Score, 1e-6)

	require.NoError(t, a.Delete(ctx, "m1"))
	require.NoError(t, a.Delete(ctx, "never-existed"))

	hits, err = a.Query(ctx, backend.Query{Vector: []float32{1, 0, 0}, Scope: types.Scope{UserID: "u1"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m2", hits[0].ID)
}

func TestAdapter_FullCacheReportsRefusedWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, err := New("hot", 2, log.NewWithOptions(io.Discard, log.Options{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	scope := types.Scope{UserID: "u1"}
	require.NoError(t, a.Insert(ctx, types.MemoryRecord{ID: "warm-1", Embedding: []float32{1, 0}, Scope: scope}))
	require.NoError(t, a.Insert(ctx, types.MemoryRecord{ID: "warm-2", Embedding: []float32{0, 1}, Scope: scope}))

	// Reads make the resident entries frequent, so cold newcomers lose admission.
	var refused int
	for i := 0; i < 200 && refused == 0; i++ {
		for j := 0; j < 100; j++ {
			_, err := a.Query(ctx, backend.Query{Vector: []float32{1, 1}, Scope: scope, Limit: 2})
			require.NoError(t, err)
		}
		id := fmt.Sprintf("cold-%d", i)
		err := a.Insert(ctx, types.MemoryRecord{ID: id, Embedding: []float32{1, 1}, Scope: scope})
		if err != nil {
			assert.Equal(t, backend.KindRejected, backend.KindOf(err))
			_, resident := a.cache.Get(id)
			assert.False(t, resident)
			refused++
			continue
		}
		_, resident := a.cache.Get(id)
		assert.True(t, resident, "accepted write %s must be resident", id)
	}
	assert.NotZero(t, refused, "a full cache never refused a write")
}

func TestAdapter_UpdateReplacesVector(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newAdapter(t)

	require.NoError(t, a.Insert(ctx, types.MemoryRecord{ID: "m1", Embedding: []float32{1, 0}}))
	require.NoError(t, a.Update(ctx, types.MemoryRecord{ID: "m1", Embedding: []float32{0, 1}}))

	hits, err := a.Query(ctx, backend.Query{Vector: []float32{0, 1}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestAdapter_Rejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newAdapter(t)

	err := a.Insert(ctx, types.MemoryRecord{ID: "m1"})
	assert.ErrorIs(t, err, backend.ErrRejected)

	_, err = a.Query(ctx, backend.Query{Vector: []float32{0, 0}, Limit: 1})
	assert.ErrorIs(t, err, backend.ErrRejected)
}

func TestAdapter_ClosedIsUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newAdapter(t)
	require.NoError(t, a.Close())

	assert.False(t, a.Health(ctx).Available)
	err := a.Insert(ctx, types.MemoryRecord{ID: "m1", Embedding: []float32{1}})
	assert.ErrorIs(t, err, backend.ErrUnavailable)
}

func TestAdapter_ExpiredContext(t *testing.T) {
	t.Parallel()
	a := newAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	_, err := a.Query(ctx, backend.Query{Vector: []float32{1}, Limit: 1})
	assert.ErrorIs(t, err, backend.ErrTimeout)
}
