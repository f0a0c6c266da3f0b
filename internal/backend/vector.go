package backend

import (
	"math"

	"github.com/xiy/memory-mesh/pkg/types"
)

// Norm returns the Euclidean length of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is the
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ScopeFields flattens the scope identifiers into the string fields that
// payload and property filters match on.
func ScopeFields(s types.Scope) map[string]string {
	return map[string]string{
		"user_id":  s.UserID,
		"agent_id": s.AgentID,
		"app_id":   s.AppID,
	}
}

// ScopeFilter returns only the identifiers set on s.
func ScopeFilter(s types.Scope) map[string]string {
	out := make(map[string]string, 3)
	for k, v := range ScopeFields(s) {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
