// Package rank merges per-backend hit lists into one ordering.
//
// Raw scores from different engines are not comparable, so each batch is
// min-max normalized on its own before the weighted sum.
package rank

import (
	"math"
	"sort"
	"time"

	"github.com/xiy/memory-mesh/internal/backend"
)

// Batch is the hit list one backend returned.
type Batch struct {
	Backend string
	Hits    []backend.Hit
}

// Scored is one merged result.
type Scored struct {
	ID        string
	Score     float64
	UpdatedAt time.Time
	// Contributions holds the normalized score each backend gave this ID.
	Contributions map[string]float64
}

// UpdatedAtFunc reports the last update of a live record. ok is false for
// IDs that are unknown or tombstoned.
type UpdatedAtFunc func(id string) (updatedAt time.Time, ok bool)

// Ranker applies fixed backend weights.
type Ranker struct {
	weights map[string]float64
}

// New copies weights. Backends absent from the map weigh 1.0.
func New(weights map[string]float64) *Ranker {
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &Ranker{weights: w}
}

// Weight returns the weight applied to backend.
func (r *Ranker) Weight(backend string) float64 {
	if w, ok := r.weights[backend]; ok {
		return w
	}
	return 1.0
}

// Rank normalizes, weights, filters and orders the batches. limit <= 0
// keeps every result.
func (r *Ranker) Rank(batches []Batch, limit int, updatedAt UpdatedAtFunc) []Scored {
	merged := make(map[string]*Scored)
	for _, b := range batches {
		w := r.Weight(b.Backend)
		for id, norm := range Normalize(b.Hits) {
			s, ok := merged[id]
			if !ok {
				s = &Scored{ID: id, Contributions: map[string]float64{}}
				merged[id] = s
			}
			// A backend listed twice keeps its better contribution.
			if prev, seen := s.Contributions[b.Backend]; seen {
				if norm <= prev {
					continue
				}
				s.Score -= w * prev
			}
			s.Contributions[b.Backend] = norm
			s.Score += w * norm
		}
	}

	out := make([]Scored, 0, len(merged))
	for id, s := range merged {
		if updatedAt != nil {
			ts, ok := updatedAt(id)
			if !ok {
				continue
			}
			s.UpdatedAt = ts
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Normalize maps raw scores onto [0,1] by min-max. A single hit, or a batch
// where every score is equal, maps to 1. Non-finite scores are dropped and a
// repeated ID keeps its highest raw score.
func Normalize(hits []backend.Hit) map[string]float64 {
	raw := make(map[string]float64, len(hits))
	for _, h := range hits {
		if math.IsNaN(h.Score) || math.IsInf(h.Score, 0) {
			continue
		}
		if prev, ok := raw[h.ID]; ok && prev >= h.Score {
			continue
		}
		raw[h.ID] = h.Score
	}
	if len(raw) == 0 {
		return raw
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range raw {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	out := make(map[string]float64, len(raw))
	span := hi - lo
	for id, s := range raw {
		if span == 0 {
			out[id] = 1
			continue
		}
		out[id] = (s - lo) / span
	}
	return out
}
