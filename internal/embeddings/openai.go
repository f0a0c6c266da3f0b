package embeddings

import (
	"context"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/xiy/memory-mesh/internal/config"
)

// OpenAI calls the embeddings endpoint of any OpenAI-compatible API.
type OpenAI struct {
	client openai.Client
	model  string
	dim    int
	logger *log.Logger
}

// NewOpenAI builds a client from cfg. An empty api_key falls back to
// OPENAI_API_KEY.
func NewOpenAI(cfg config.EmbeddingConfig, logger *log.Logger) *OpenAI {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	opts := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		dim:    cfg.Dimensions,
		logger: logger,
	}
}

func (p *OpenAI) Name() string    { return config.ProviderOpenAI }
func (p *OpenAI) Dimensions() int { return p.dim }

func (p *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if Blank(text) {
		return Zero(p.dim), nil
	}
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	}
	if p.dim > 0 {
		params.Dimensions = openai.Int(int64(p.dim))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		p.logger.Debug("embedding request failed", "provider", p.Name(), "model", p.model, "error", err)
		return nil, goerr.Wrap(ErrEmbedding, "openai embeddings request", goerr.V("model", p.model), goerr.V("cause", err.Error()))
	}
	if len(resp.Data) == 0 {
		return nil, goerr.Wrap(ErrEmbedding, "openai returned no embeddings", goerr.V("model", p.model))
	}
	return Check(p.Name(), p.dim, toFloat32(resp.Data[0].Embedding))
}
