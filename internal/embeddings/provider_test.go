package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/memory-mesh/internal/config"
)

func quietLogger() *log.Logger { return log.New(io.Discard) }

func debugLogger(buf *bytes.Buffer) *log.Logger {
	return log.NewWithOptions(buf, log.Options{Level: log.DebugLevel})
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Name: "word2vec"}, quietLogger())
	require.ErrorIs(t, err, config.ErrConfiguration)
}

func TestCheck(t *testing.T) {
	_, err := Check("p", 3, []float32{1, 2})
	assert.ErrorIs(t, err, ErrEmbedding)

	_, err = Check("p", 3, nil)
	assert.ErrorIs(t, err, ErrEmbedding)

	nan := float32(0)
	nan = nan / nan
	_, err = Check("p", 2, []float32{1, nan})
	assert.ErrorIs(t, err, ErrEmbedding)

	vec, err := Check("p", 2, []float32{0.6, 0.8})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, vec)
}

func openAIServer(t *testing.T, embedding []float64, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["input"] == "boom" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"bad input","type":"invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  body["model"],
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": embedding},
			},
			"usage": map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_Embed(t *testing.T) {
	var calls atomic.Int32
	var logs bytes.Buffer
	srv := openAIServer(t, []float64{0.1, 0.2, 0.3}, &calls)
	p := NewOpenAI(config.EmbeddingConfig{
		Name:       config.ProviderOpenAI,
		Model:      "text-embedding-3-small",
		Dimensions: 3,
		BaseURL:    srv.URL + "/v1/",
		APIKey:     "test",
	}, debugLogger(&logs))

	vec, err := p.Embed(context.Background(), "I am vegetarian")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, vec, 1e-6)
	assert.EqualValues(t, 1, calls.Load())

	blank, err := p.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, blank)
	assert.EqualValues(t, 1, calls.Load(), "blank text must not reach the model")

	assert.Empty(t, logs.String())

	_, err = p.Embed(context.Background(), "boom")
	assert.ErrorIs(t, err, ErrEmbedding)
	assert.Contains(t, logs.String(), "embedding request failed")
}

func TestOpenAI_DimensionMismatch(t *testing.T) {
	var calls atomic.Int32
	srv := openAIServer(t, []float64{0.1, 0.2}, &calls)
	p := NewOpenAI(config.EmbeddingConfig{Model: "m", Dimensions: 3, BaseURL: srv.URL + "/v1/", APIKey: "k"}, quietLogger())
	_, err := p.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbedding)
}

func TestOllama_Embed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"nomic-embed-text","embeddings":[[0.5,0.5,0.5,0.5]]}`))
	}))
	t.Cleanup(srv.Close)

	p, err := New(config.EmbeddingConfig{
		Name:       config.ProviderOllama,
		Model:      "nomic-embed-text",
		Dimensions: 4,
		BaseURL:    srv.URL,
	}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
	assert.Equal(t, 4, p.Dimensions())

	vec, err := p.Embed(context.Background(), "likes hiking")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, vec)

	_, err = p.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestOllama_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var logs bytes.Buffer
	p, err := NewOllama(config.EmbeddingConfig{Model: "m", Dimensions: 4, BaseURL: url}, debugLogger(&logs))
	require.NoError(t, err)
	_, err = p.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbedding)
	assert.Contains(t, logs.String(), "provider=ollama")
}
