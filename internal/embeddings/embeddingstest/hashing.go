// Package embeddingstest provides a deterministic embedder for tests.
package embeddingstest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/xiy/memory-mesh/internal/embeddings"
)

// Hashing maps each lowercased word to a signed bucket and L2-normalizes the
// result. Texts sharing words land close together.
type Hashing struct {
	dim int

	mu    sync.Mutex
	err   error
	calls int
}

// NewHashing returns an embedder producing vectors of width dim.
func NewHashing(dim int) *Hashing {
	return &Hashing{dim: dim}
}

// Fail makes every following Embed return err. Nil restores normal behavior.
func (h *Hashing) Fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Calls reports how many non-blank texts were embedded.
func (h *Hashing) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *Hashing) Name() string    { return "hashing" }
func (h *Hashing) Dimensions() int { return h.dim }

func (h *Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	if embeddings.Blank(text) {
		return embeddings.Zero(h.dim), nil
	}
	h.mu.Lock()
	err := h.err
	h.calls++
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// Every word cancelled out; fall back to a fixed unit vector.
		vec[0] = 1
		return vec, nil
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

var _ embeddings.Provider = (*Hashing)(nil)
