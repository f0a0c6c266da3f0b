package embeddingstest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/memory-mesh/internal/backend"
)

func TestHashing(t *testing.T) {
	h := NewHashing(64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "I am vegetarian")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "i am VEGETARIAN!")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, backend.Norm(a), 1e-5)

	c, err := h.Embed(ctx, "loves motorbikes")
	require.NoError(t, err)
	assert.Greater(t, backend.Cosine(a, b), backend.Cosine(a, c))

	zero, err := h.Embed(ctx, "  ")
	require.NoError(t, err)
	assert.Zero(t, backend.Norm(zero))
	assert.Len(t, zero, 64)
	assert.Equal(t, 3, h.Calls())

	h.Fail(errors.New("down"))
	_, err = h.Embed(ctx, "x")
	assert.Error(t, err)
}
