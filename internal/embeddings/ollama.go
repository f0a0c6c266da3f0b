package embeddings

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"
	"github.com/ollama/ollama/api"

	"github.com/xiy/memory-mesh/internal/config"
)

// Ollama embeds with a local ollama server.
type Ollama struct {
	client *api.Client
	model  string
	dim    int
	logger *log.Logger
}

// NewOllama uses cfg.BaseURL when set and OLLAMA_HOST otherwise.
func NewOllama(cfg config.EmbeddingConfig, logger *log.Logger) (*Ollama, error) {
	var client *api.Client
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, goerr.Wrap(config.ErrConfiguration, "invalid ollama base_url", goerr.V("base_url", cfg.BaseURL))
		}
		client = api.NewClient(u, http.DefaultClient)
	} else {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, goerr.Wrap(config.ErrConfiguration, "invalid OLLAMA_HOST", goerr.V("cause", err.Error()))
		}
		client = c
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Ollama{client: client, model: cfg.Model, dim: cfg.Dimensions, logger: logger}, nil
}

func (p *Ollama) Name() string    { return config.ProviderOllama }
func (p *Ollama) Dimensions() int { return p.dim }

func (p *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	if Blank(text) {
		return Zero(p.dim), nil
	}
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{Model: p.model, Input: text})
	if err != nil {
		p.logger.Debug("embedding request failed", "provider", p.Name(), "model", p.model, "error", err)
		return nil, goerr.Wrap(ErrEmbedding, "ollama embed request", goerr.V("model", p.model), goerr.V("cause", err.Error()))
	}
	if len(resp.Embeddings) == 0 {
		return nil, goerr.Wrap(ErrEmbedding, "ollama returned no embeddings", goerr.V("model", p.model))
	}
	return Check(p.Name(), p.dim, resp.Embeddings[0])
}
