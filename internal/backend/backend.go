// Package backend defines the contract every storage engine adapter satisfies.
//
// Adapters normalize one physical store behind insert, query, update and
// delete. They never retry; retry and fan-out policy belong to the
// orchestrator. Raw scores returned by Query are only comparable within a
// single adapter's batch.
package backend

import (
	"context"

	"github.com/xiy/memory-mesh/pkg/types"
)

// Query asks one adapter for its nearest records.
type Query struct {
	Vector []float32
	Scope  types.Scope
	Limit  int
}

// Hit is one backend-native match. Score semantics are adapter specific.
type Hit struct {
	ID    string
	Score float64
}

// Health is the result of a liveness probe.
type Health struct {
	Available bool
	Detail    string
}

// Adapter wraps one physical store. Implementations must be safe for
// concurrent use.
type Adapter interface {
	Name() string
	// Insert stores rec. Inserting an existing ID overwrites it.
	Insert(ctx context.Context, rec types.MemoryRecord) error
	Query(ctx context.Context, q Query) ([]Hit, error)
	// Update replaces the stored representation of rec.ID with rec.
	Update(ctx context.Context, rec types.MemoryRecord) error
	// Delete removes id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
	Health(ctx context.Context) Health
}

// Scanner is implemented by adapters that can enumerate records without a
// query vector. IDs come back most recently updated first where the engine
// supports ordering.
type Scanner interface {
	Scan(ctx context.Context, scope types.Scope, limit int) ([]string, error)
}
