// Package backendtest provides an in-memory adapter with fault injection for
// orchestration and service tests.
package backendtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/pkg/types"
)

// Fake is a brute-force cosine adapter. Errors and delays are per operation
// name: "insert", "query", "update", "delete", "scan".
type Fake struct {
	name string

	mu      sync.Mutex
	records map[string]types.MemoryRecord
	errs    map[string]error
	delays  map[string]time.Duration
	calls   map[string]int
	down    bool
	scores  map[string]float64
}

// New returns an empty, healthy fake.
func New(name string) *Fake {
	return &Fake{
		name:    name,
		records: map[string]types.MemoryRecord{},
		errs:    map[string]error{},
		delays:  map[string]time.Duration{},
		calls:   map[string]int{},
	}
}

// NewScanner returns a fake that also implements backend.Scanner.
func NewScanner(name string) *ScanningFake {
	return &ScanningFake{Fake: New(name)}
}

// ScanningFake adds Scan to Fake.
type ScanningFake struct {
	*Fake
}

// Scan lists stored IDs matching scope, newest first.
func (f *ScanningFake) Scan(ctx context.Context, scope types.Scope, limit int) ([]string, error) {
	if err := f.enter(ctx, "scan"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := make([]types.MemoryRecord, 0, len(f.records))
	for _, r := range f.records {
		if scope.Matches(r.Scope) {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// FailOn makes op return err until cleared with a nil err.
func (f *Fake) FailOn(op string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
	} else {
		f.errs[op] = err
	}
	return f
}

// DelayOn makes op block for d or until its context ends.
func (f *Fake) DelayOn(op string, d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
	return f
}

// SetDown toggles the health probe and makes every operation unavailable.
func (f *Fake) SetDown(down bool) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
	return f
}

// SetScores pins the raw score returned for specific IDs instead of cosine.
func (f *Fake) SetScores(scores map[string]float64) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores = scores
	return f
}

// Calls reports how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Has reports whether id is stored.
func (f *Fake) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[id]
	return ok
}

// Record returns the stored copy of id.
func (f *Fake) Record(id string) (types.MemoryRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return r, ok
}

// Len reports how many records are stored.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Insert(ctx context.Context, rec types.MemoryRecord) error {
	if err := f.enter(ctx, "insert"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
	return nil
}

func (f *Fake) Query(ctx context.Context, q backend.Query) ([]backend.Hit, error) {
	if err := f.enter(ctx, "query"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	hits := make([]backend.Hit, 0, len(f.records))
	for id, r := range f.records {
		if !q.Scope.Matches(r.Scope) {
			continue
		}
		score := backend.Cosine(q.Vector, r.Embedding)
		if s, ok := f.scores[id]; ok {
			score = s
		}
		hits = append(hits, backend.Hit{ID: id, Score: score})
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

func (f *Fake) Update(ctx context.Context, rec types.MemoryRecord) error {
	if err := f.enter(ctx, "update"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
	return nil
}

func (f *Fake) Delete(ctx context.Context, id string) error {
	if err := f.enter(ctx, "delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *Fake) Health(_ context.Context) backend.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return backend.Health{Available: false, Detail: "down"}
	}
	return backend.Health{Available: true}
}

func (f *Fake) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	delay := f.delays[op]
	err := f.errs[op]
	down := f.down
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return backend.Timeout(f.name, op, ctx.Err())
		case <-t.C:
		}
	}
	if down {
		return backend.Unavailable(f.name, op, nil)
	}
	return err
}

var (
	_ backend.Adapter = (*Fake)(nil)
	_ backend.Scanner = (*ScanningFake)(nil)
)
