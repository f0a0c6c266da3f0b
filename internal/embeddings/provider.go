// Package embeddings turns memory text into fixed-width vectors.
package embeddings

import (
	"context"
	"math"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"

	"github.com/xiy/memory-mesh/internal/config"
)

// ErrEmbedding wraps every provider failure.
var ErrEmbedding = goerr.New("embedding failed")

// Provider computes embeddings of a fixed dimensionality.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Name() string
}

// New builds the provider named in cfg.
func New(cfg config.EmbeddingConfig, logger *log.Logger) (Provider, error) {
	switch cfg.Name {
	case config.ProviderOpenAI:
		return NewOpenAI(cfg, logger), nil
	case config.ProviderOllama:
		return NewOllama(cfg, logger)
	default:
		return nil, goerr.Wrap(config.ErrConfiguration, "unknown embedding provider", goerr.V("name", cfg.Name))
	}
}

// Blank reports whether text would embed to the zero vector.
func Blank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// Zero returns the all-zero vector of width dim.
func Zero(dim int) []float32 {
	return make([]float32, dim)
}

// Check validates a vector returned by a model.
func Check(provider string, dim int, vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, goerr.Wrap(ErrEmbedding, "empty embedding response", goerr.V("provider", provider))
	}
	if dim > 0 && len(vec) != dim {
		return nil, goerr.Wrap(ErrEmbedding, "embedding dimension mismatch",
			goerr.V("provider", provider), goerr.V("want", dim), goerr.V("got", len(vec)))
	}
	for _, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, goerr.Wrap(ErrEmbedding, "embedding contains non-finite values", goerr.V("provider", provider))
		}
	}
	return vec, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
