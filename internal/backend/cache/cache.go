// Package cache is a bounded in-process hot set of recent memories.
//
// Entries live in a ristretto cache keyed by memory ID, so the admission
// policy decides what stays resident. A small scope index lets queries walk
// only the IDs that might be present; IDs the cache has evicted are pruned
// lazily. Query scores are cosine similarity between the query vector and
// the cached embedding.
//
// The cache does not implement backend.Scanner: it is volatile and bounded,
// so it cannot enumerate every record.
package cache

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/pkg/types"
)

var errDropped = errors.New("cache dropped the write")

type entry struct {
	vector []float32
	scope  types.Scope
}

// Adapter implements backend.Adapter.
type Adapter struct {
	name   string
	cache  *ristretto.Cache
	logger *log.Logger

	mu     sync.RWMutex
	index  map[string]types.Scope
	closed bool
}

// New builds a cache holding at most maxItems entries.
func New(name string, maxItems int64, logger *log.Logger) (*Adapter, error) {
	if maxItems <= 0 {
		maxItems = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxItems * 10,
		MaxCost:            maxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		name:   name,
		cache:  c,
		logger: logger,
		index:  make(map[string]types.Scope),
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Insert(ctx context.Context, rec types.MemoryRecord) error {
	return a.put(ctx, "insert", rec)
}

func (a *Adapter) Update(ctx context.Context, rec types.MemoryRecord) error {
	return a.put(ctx, "update", rec)
}

func (a *Adapter) put(ctx context.Context, op string, rec types.MemoryRecord) error {
	if err := backend.FromContext(ctx, a.name, op, ctx.Err()); err != nil {
		return err
	}
	if a.isClosed() {
		return backend.Unavailable(a.name, op, errors.New("cache closed"))
	}
	if len(rec.Embedding) == 0 {
		return backend.Rejected(a.name, op, errors.New("record has no embedding"))
	}
	vec := make([]float32, len(rec.Embedding))
	copy(vec, rec.Embedding)
	e := &entry{vector: vec, scope: rec.Scope}
	if !a.cache.Set(rec.ID, e, 1) {
		return backend.Rejected(a.name, op, errDropped)
	}
	// Set only buffers the write; the admission policy may still refuse it.
	a.cache.Wait()
	if v, ok := a.cache.Get(rec.ID); !ok || v != e {
		return backend.Rejected(a.name, op, errDropped)
	}

	a.mu.Lock()
	a.index[rec.ID] = rec.Scope
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Query(ctx context.Context, q backend.Query) ([]backend.Hit, error) {
	if err := backend.FromContext(ctx, a.name, "query", ctx.Err()); err != nil {
		return nil, err
	}
	if a.isClosed() {
		return nil, backend.Unavailable(a.name, "query", errors.New("cache closed"))
	}
	if backend.Norm(q.Vector) == 0 {
		return nil, backend.Rejected(a.name, "query", errors.New("query vector has zero norm"))
	}

	entries, evicted := a.collect(q.Scope)
	a.prune(evicted)

	hits := make([]backend.Hit, 0, len(entries))
	for id, e := range entries {
		if len(e.vector) != len(q.Vector) {
			continue
		}
		hits = append(hits, backend.Hit{ID: id, Score: backend.Cosine(q.Vector, e.vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (a *Adapter) Delete(ctx context.Context, id string) error {
	if err := backend.FromContext(ctx, a.name, "delete", ctx.Err()); err != nil {
		return err
	}
	if a.isClosed() {
		return backend.Unavailable(a.name, "delete", errors.New("cache closed"))
	}
	a.cache.Del(id)
	a.mu.Lock()
	delete(a.index, id)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Health(_ context.Context) backend.Health {
	if a.isClosed() {
		return backend.Health{Available: false, Detail: "closed"}
	}
	return backend.Health{Available: true}
}

// Close releases the cache goroutines.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.cache.Close()
	return nil
}

func (a *Adapter) collect(scope types.Scope) (map[string]*entry, []string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]*entry)
	var evicted []string
	for id, s := range a.index {
		if !scope.Matches(s) {
			continue
		}
		v, ok := a.cache.Get(id)
		if !ok {
			evicted = append(evicted, id)
			continue
		}
		e, ok := v.(*entry)
		if !ok {
			evicted = append(evicted, id)
			continue
		}
		out[id] = e
	}
	return out, evicted
}

func (a *Adapter) prune(ids []string) {
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	for _, id := range ids {
		// A concurrent put may have brought the entry back.
		if _, ok := a.cache.Get(id); !ok {
			delete(a.index, id)
		}
	}
	a.mu.Unlock()
	if a.logger != nil {
		a.logger.Debug("pruned evicted cache entries", "backend", a.name, "count", len(ids))
	}
}

func (a *Adapter) isClosed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.closed
}

var _ backend.Adapter = (*Adapter)(nil)
