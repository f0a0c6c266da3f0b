package app

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/internal/config"
	"github.com/xiy/memory-mesh/internal/embeddings/embeddingstest"
	"github.com/xiy/memory-mesh/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "data", "catalog.db")
	cfg.PerBackendTimeoutMS = 300
	cfg.TotalOperationTimeoutMS = 3000
	cfg.Embedding.Dimensions = 16
	cfg.Backends = []config.BackendConfig{
		{Name: "vectors", Kind: config.KindChromem, Weight: 1, Chromem: &config.ChromemConnection{Path: filepath.Join(dir, "chromem")}},
		{Name: "hot", Kind: config.KindCache, Weight: 0.5, Cache: &config.CacheConnection{MaxItems: 100}},
		{Name: "remote", Kind: config.KindQdrant, Weight: 0.8, Qdrant: &config.QdrantConnection{Host: "127.0.0.1", Port: 1}},
	}
	return cfg
}

func TestBuild_DegradesUnreachableBackends(t *testing.T) {
	logger := log.NewWithOptions(io.Discard, log.Options{})
	a, err := Build(context.Background(), testConfig(t), logger, Options{Embedder: embeddingstest.NewHashing(16)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.Len(t, a.Adapters, 3)
	_, lazy := a.Adapters[2].(*backend.Lazy)
	assert.True(t, lazy, "network backends connect lazily")

	ctx := context.Background()
	add := a.Service.AddMemory(ctx, types.AddInput{Content: "I am vegetarian", Scope: types.Scope{UserID: "alice"}})
	require.True(t, add.Success, "%+v", add.Error)
	require.Len(t, add.Warnings, 1)
	assert.Equal(t, "remote", add.Warnings[0].Backend)

	search := a.Service.SearchMemory(ctx, types.SearchInput{Query: "vegetarian", Scope: types.Scope{UserID: "alice"}})
	require.True(t, search.Success)
	require.NotEmpty(t, search.Results)
	assert.Equal(t, add.MemoryID, search.Results[0].ID)

	stats := a.Service.Stats(ctx)
	require.True(t, stats.Success)
	assert.Equal(t, map[string]bool{"vectors": true, "hot": true, "remote": false}, stats.Stats.BackendHealth)
	assert.Equal(t, int64(1), stats.Stats.TotalMemories)
	assert.Equal(t, 16, stats.Stats.EmbeddingDim)
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backends = append(cfg.Backends, config.BackendConfig{Name: "hot", Kind: config.KindCache, Weight: 1})

	_, err := Build(context.Background(), cfg, log.NewWithOptions(io.Discard, log.Options{}), Options{})
	require.ErrorIs(t, err, config.ErrConfiguration)
}
