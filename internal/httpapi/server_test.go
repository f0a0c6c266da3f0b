package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/internal/backend/backendtest"
	"github.com/xiy/memory-mesh/internal/config"
	"github.com/xiy/memory-mesh/internal/embeddings/embeddingstest"
	"github.com/xiy/memory-mesh/internal/memory"
	"github.com/xiy/memory-mesh/internal/orchestrator"
	"github.com/xiy/memory-mesh/internal/rank"
	"github.com/xiy/memory-mesh/internal/store"
	"github.com/xiy/memory-mesh/pkg/types"
)

type fixture struct {
	srv      *Server
	catalog  *store.SQLiteStore
	embedder *embeddingstest.Hashing
}

func newFixture(t *testing.T, adapters ...backend.Adapter) *fixture {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	catalog, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "catalog.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	cfg := config.Default()
	cfg.PerBackendTimeoutMS = 200
	cfg.TotalOperationTimeoutMS = 2000

	embedder := embeddingstest.NewHashing(32)
	orch := orchestrator.New(adapters, cfg.PerBackendTimeout(), rank.New(nil), logger)
	records := memory.NewRecordStore(catalog, orch, embedder, logger)
	svc := memory.NewService(records, orch, catalog, embedder, cfg, logger)
	return &fixture{srv: New(svc, "memory-mesh-test", logger, catalog), catalog: catalog, embedder: embedder}
}

func (f *fixture) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

func TestServer_MemoryLifecycle(t *testing.T) {
	f := newFixture(t, backendtest.NewScanner("vector"), backendtest.New("graph"))

	status, body := f.do(t, http.MethodPost, "/v1/memories", `{"content":"I am vegetarian","user_id":"alice"}`)
	require.Equal(t, http.StatusCreated, status, body)
	id, _ := body["memory_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, true, body["success"])

	status, body = f.do(t, http.MethodPost, "/v1/memories/search", `{"query":"vegetarian","user_id":"alice","limit":3}`)
	require.Equal(t, http.StatusOK, status, body)
	results := body["results"].([]any)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].(map[string]any)["id"])

	status, body = f.do(t, http.MethodPatch, "/v1/memories/"+id, `"I eat fish now"`)
	require.Equal(t, http.StatusOK, status, body)

	status, body = f.do(t, http.MethodGet, "/v1/memories?user_id=alice&limit=10", "")
	require.Equal(t, http.StatusOK, status, body)
	memories := body["memories"].([]any)
	require.Len(t, memories, 1)
	assert.Equal(t, "I eat fish now", memories[0].(map[string]any)["content"])

	status, _ = f.do(t, http.MethodDelete, "/v1/memories/"+id, "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodDelete, "/v1/memories/"+id, "")
	assert.Equal(t, http.StatusOK, status, "second delete is idempotent")

	status, body = f.do(t, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, status, body)
	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(0), stats["total_memories"])
	assert.Equal(t, float64(32), stats["embedding_dim"])
}

func TestServer_ErrorStatuses(t *testing.T) {
	f := newFixture(t, backendtest.New("vector"))

	status, body := f.do(t, http.MethodPost, "/v1/memories", `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(types.KindInvalidInput), body["error"].(map[string]any)["kind"])

	status, _ = f.do(t, http.MethodPost, "/v1/memories", `{"content":`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/v1/memories?limit=ten", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPatch, "/v1/memories/nope", `{"content":"x"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(types.KindNotFound), body["error"].(map[string]any)["kind"])

	f.embedder.Fail(errors.New("provider down"))
	status, body = f.do(t, http.MethodPost, "/v1/memories/search", `{"query":"anything"}`)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, string(types.KindEmbedding), body["error"].(map[string]any)["kind"])
}

func TestServer_AllBackendsDown(t *testing.T) {
	f := newFixture(t,
		backendtest.New("a").FailOn("insert", backend.Unavailable("a", "insert", errors.New("refused"))),
		backendtest.New("b").FailOn("insert", backend.Unavailable("b", "insert", errors.New("refused"))),
	)

	status, body := f.do(t, http.MethodPost, "/v1/memories", `{"content":"hello"}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, string(types.KindAllBackendsUnavailable), body["error"].(map[string]any)["kind"])
	assert.Len(t, body["warnings"], 2)
}

func TestServer_LogsRequests(t *testing.T) {
	f := newFixture(t, backendtest.New("vector"))

	f.do(t, http.MethodPost, "/v1/memories", `{"content":"hello"}`)
	f.do(t, http.MethodDelete, "/v1/memories/missing", "")

	logs, err := f.catalog.RecentRequestLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	failed, added := logs[0], logs[1]
	assert.Equal(t, "http", added.Transport)
	assert.Equal(t, "POST /v1/memories", added.Method)
	assert.Equal(t, "add_memory", added.ToolName)
	assert.True(t, added.Success)

	assert.Equal(t, "DELETE /v1/memories/:id", failed.Method)
	assert.False(t, failed.Success)
	assert.Contains(t, failed.ErrorText, string(types.KindNotFound))
}

func TestStatusFor(t *testing.T) {
	cases := map[types.ErrorKind]int{
		types.KindInvalidInput:           http.StatusBadRequest,
		types.KindNotFound:               http.StatusNotFound,
		types.KindEmbedding:              http.StatusBadGateway,
		types.KindAllBackendsUnavailable: http.StatusServiceUnavailable,
		types.KindStorage:                http.StatusInternalServerError,
		types.KindInternal:               http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusFor(&types.ErrorInfo{Kind: kind}), kind)
	}
	assert.Equal(t, http.StatusInternalServerError, StatusFor(nil))
}
