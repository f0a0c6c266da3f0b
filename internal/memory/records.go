package memory

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/internal/embeddings"
	"github.com/xiy/memory-mesh/internal/orchestrator"
	"github.com/xiy/memory-mesh/internal/store"
	"github.com/xiy/memory-mesh/pkg/types"
)

var (
	// ErrInvalidInput marks a request rejected before any backend was touched.
	ErrInvalidInput = goerr.New("invalid input")
	// ErrNotFound means the id is unknown or already deleted.
	ErrNotFound = goerr.New("memory not found")
	// ErrStorage means the canonical catalog failed.
	ErrStorage = goerr.New("catalog failure")
)

// Catalog is the canonical record store.
type Catalog interface {
	Insert(ctx context.Context, rec types.MemoryRecord) error
	Update(ctx context.Context, rec types.MemoryRecord) error
	Tombstone(ctx context.Context, id string, at time.Time) error
	Get(ctx context.Context, id string) (types.MemoryRecord, error)
	GetMany(ctx context.Context, ids []string) (map[string]types.MemoryRecord, error)
	LiveUpdatedAt(ctx context.Context, ids []string) (map[string]time.Time, error)
	List(ctx context.Context, scope types.Scope, limit int) ([]types.MemoryRecord, error)
	Count(ctx context.Context) (int64, error)
	PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error)
}

// CreateInput describes a record to allocate.
type CreateInput struct {
	Content    string
	Scope      types.Scope
	Metadata   map[string]any
	Importance *float64
}

// RecordStore owns canonical identity: it allocates IDs, embeds content
// once per change and writes the catalog only after at least one backend
// accepted the change.
type RecordStore struct {
	catalog  Catalog
	orch     *orchestrator.Manager
	embedder embeddings.Provider
	logger   *log.Logger
	now      func() time.Time
}

// NewRecordStore wires the catalog, the fan-out manager and the embedder.
func NewRecordStore(catalog Catalog, orch *orchestrator.Manager, embedder embeddings.Provider, logger *log.Logger) *RecordStore {
	return &RecordStore{
		catalog:  catalog,
		orch:     orch,
		embedder: embedder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create allocates an id, embeds the content and fans the insert out. It
// returns ErrAllBackendsUnavailable, with nothing written to the catalog,
// when every backend failed.
func (r *RecordStore) Create(ctx context.Context, in CreateInput) (types.MemoryRecord, orchestrator.AggregateResult, error) {
	if embeddings.Blank(in.Content) {
		return types.MemoryRecord{}, orchestrator.AggregateResult{}, goerr.Wrap(ErrInvalidInput, "content must not be empty")
	}
	vec, err := r.embed(ctx, in.Content)
	if err != nil {
		return types.MemoryRecord{}, orchestrator.AggregateResult{}, err
	}

	now := r.now()
	rec := types.MemoryRecord{
		ID:         uuid.NewString(),
		Content:    in.Content,
		Embedding:  vec,
		Scope:      in.Scope.Normalize(),
		Metadata:   mergeMetadata(nil, in.Metadata),
		Importance: importanceOr(in.Importance, 1.0),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if rec.Scope.IsEmpty() {
		// Unscoped records are visible to every filter.
		r.logger.Warn("memory has no scope", "id", rec.ID)
	}

	agg, err := r.orch.Execute(ctx, orchestrator.OpAdd, orchestrator.Payload{Record: rec})
	if err != nil {
		return rec, agg, err
	}

	wctx, cancel := r.detached(ctx)
	defer cancel()
	if err := r.catalog.Insert(wctx, rec); err != nil {
		r.logger.Error("catalog insert failed after fan-out; removing from backends", "id", rec.ID, "error", err)
		r.compensate(wctx, rec.ID)
		return rec, agg, goerr.Wrap(ErrStorage, "insert canonical record", goerr.V("id", rec.ID), goerr.V("cause", err.Error()))
	}
	return rec, agg, nil
}

// Mutate applies patch to a live record. The content is re-embedded only
// when it actually changed.
func (r *RecordStore) Mutate(ctx context.Context, id string, patch types.Patch) (types.MemoryRecord, orchestrator.AggregateResult, error) {
	if strings.TrimSpace(id) == "" {
		return types.MemoryRecord{}, orchestrator.AggregateResult{}, goerr.Wrap(ErrInvalidInput, "memory_id is required")
	}
	if patch.IsEmpty() {
		return types.MemoryRecord{}, orchestrator.AggregateResult{}, goerr.Wrap(ErrInvalidInput, "update changes nothing", goerr.V("id", id))
	}
	if patch.Content != nil && embeddings.Blank(*patch.Content) {
		return types.MemoryRecord{}, orchestrator.AggregateResult{}, goerr.Wrap(ErrInvalidInput, "content must not be empty", goerr.V("id", id))
	}

	cur, err := r.load(ctx, id)
	if err != nil {
		return types.MemoryRecord{}, orchestrator.AggregateResult{}, err
	}

	next := cur
	if patch.Content != nil && *patch.Content != cur.Content {
		vec, err := r.embed(ctx, *patch.Content)
		if err != nil {
			return cur, orchestrator.AggregateResult{}, err
		}
		next.Content = *patch.Content
		next.Embedding = vec
	}
	next.Metadata = mergeMetadata(cur.Metadata, patch.Metadata)
	if patch.Importance != nil {
		next.Importance = importanceOr(patch.Importance, cur.Importance)
	}
	next.UpdatedAt = advance(cur.UpdatedAt, r.now())

	agg, err := r.orch.Execute(ctx, orchestrator.OpUpdate, orchestrator.Payload{Record: next})
	if err != nil {
		return cur, agg, err
	}

	wctx, cancel := r.detached(ctx)
	defer cancel()
	if err := r.catalog.Update(wctx, next); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return cur, agg, goerr.Wrap(ErrNotFound, "memory deleted during update", goerr.V("id", id))
		}
		return cur, agg, goerr.Wrap(ErrStorage, "update canonical record", goerr.V("id", id), goerr.V("cause", err.Error()))
	}
	return next, agg, nil
}

// Remove deletes id from every backend and tombstones it. Removing an
// already tombstoned id retries the backend deletes and always succeeds.
func (r *RecordStore) Remove(ctx context.Context, id string) (orchestrator.AggregateResult, error) {
	if strings.TrimSpace(id) == "" {
		return orchestrator.AggregateResult{}, goerr.Wrap(ErrInvalidInput, "memory_id is required")
	}
	_, err := r.catalog.Get(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDeleted):
		agg, _ := r.orch.Execute(ctx, orchestrator.OpDelete, orchestrator.Payload{ID: id})
		return agg, nil
	case errors.Is(err, store.ErrNotFound):
		return orchestrator.AggregateResult{}, goerr.Wrap(ErrNotFound, "delete memory", goerr.V("id", id))
	default:
		return orchestrator.AggregateResult{}, goerr.Wrap(ErrStorage, "load canonical record", goerr.V("id", id), goerr.V("cause", err.Error()))
	}

	agg, err := r.orch.Execute(ctx, orchestrator.OpDelete, orchestrator.Payload{ID: id})
	if err != nil {
		return agg, err
	}
	wctx, cancel := r.detached(ctx)
	defer cancel()
	if err := r.catalog.Tombstone(wctx, id, r.now()); err != nil {
		return agg, goerr.Wrap(ErrStorage, "tombstone canonical record", goerr.V("id", id), goerr.V("cause", err.Error()))
	}
	return agg, nil
}

// ReadAll merges the IDs every scanning backend reports, in backend
// priority order, hydrates the live ones from the catalog and tops the page
// up with live catalog records no scanner reported. It lists the catalog
// directly when no backend can scan or all scans failed.
func (r *RecordStore) ReadAll(ctx context.Context, scope types.Scope, limit int) ([]types.MemoryRecord, orchestrator.AggregateResult, error) {
	scope = scope.Normalize()
	agg, err := r.orch.Execute(ctx, orchestrator.OpScan, orchestrator.Payload{Scope: scope, Limit: limit * 2})

	wctx, cancel := r.detached(ctx)
	defer cancel()

	if err != nil || len(agg.Order) == 0 {
		recs, lerr := r.catalog.List(wctx, scope, limit)
		if lerr != nil {
			return nil, agg, goerr.Wrap(ErrStorage, "list canonical records", goerr.V("cause", lerr.Error()))
		}
		return recs, agg, nil
	}

	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, name := range agg.Order {
		o := agg.PerBackend[name]
		if !o.OK() {
			continue
		}
		for _, id := range o.IDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	live, err := r.catalog.GetMany(wctx, ids)
	if err != nil {
		return nil, agg, goerr.Wrap(ErrStorage, "hydrate records", goerr.V("cause", err.Error()))
	}
	out := make([]types.MemoryRecord, 0, min(len(live), limit))
	listed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		rec, ok := live[id]
		if !ok || !scope.Matches(rec.Scope) {
			continue
		}
		out = append(out, rec)
		listed[id] = struct{}{}
		if len(out) == limit {
			return out, agg, nil
		}
	}

	// Scanners can lag the catalog (a backend that was down during an add,
	// or one rebuilt empty), so live records they missed are appended.
	recs, err := r.catalog.List(wctx, scope, limit)
	if err != nil {
		return nil, agg, goerr.Wrap(ErrStorage, "list canonical records", goerr.V("cause", err.Error()))
	}
	for _, rec := range recs {
		if _, ok := listed[rec.ID]; ok {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, agg, nil
}

// Search embeds query once, fans the query out, ranks the live hits and
// hydrates them from the catalog.
func (r *RecordStore) Search(ctx context.Context, query string, scope types.Scope, limit int) ([]types.SearchHit, orchestrator.AggregateResult, error) {
	if embeddings.Blank(query) {
		return nil, orchestrator.AggregateResult{}, goerr.Wrap(ErrInvalidInput, "query must not be empty")
	}
	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, orchestrator.AggregateResult{}, err
	}

	live := func(ctx context.Context, ids []string) (map[string]time.Time, error) {
		lctx, cancel := r.detached(ctx)
		defer cancel()
		m, err := r.catalog.LiveUpdatedAt(lctx, ids)
		if err != nil {
			return nil, goerr.Wrap(ErrStorage, "live lookup", goerr.V("cause", err.Error()))
		}
		return m, nil
	}
	q := backend.Query{Vector: vec, Scope: scope.Normalize(), Limit: limit}
	scored, agg, err := r.orch.Search(ctx, q, live)
	if err != nil {
		return nil, agg, err
	}
	if len(scored) == 0 {
		return []types.SearchHit{}, agg, nil
	}

	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.ID
	}
	hctx, cancel := r.detached(ctx)
	defer cancel()
	recs, err := r.catalog.GetMany(hctx, ids)
	if err != nil {
		return nil, agg, goerr.Wrap(ErrStorage, "hydrate search hits", goerr.V("cause", err.Error()))
	}

	hits := make([]types.SearchHit, 0, len(scored))
	for _, s := range scored {
		rec, ok := recs[s.ID]
		if !ok {
			continue
		}
		hits = append(hits, types.SearchHit{
			ID:        rec.ID,
			Content:   rec.Content,
			Score:     s.Score,
			Metadata:  rec.Metadata,
			Scope:     rec.Scope,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return hits, agg, nil
}

// Purge drops tombstones older than retention.
func (r *RecordStore) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := r.catalog.PurgeTombstones(ctx, r.now().Add(-retention))
	if err != nil {
		return 0, goerr.Wrap(ErrStorage, "purge tombstones", goerr.V("cause", err.Error()))
	}
	return n, nil
}

func (r *RecordStore) load(ctx context.Context, id string) (types.MemoryRecord, error) {
	rec, err := r.catalog.Get(ctx, id)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrDeleted):
		return rec, goerr.Wrap(ErrNotFound, "load memory", goerr.V("id", id))
	default:
		return rec, goerr.Wrap(ErrStorage, "load canonical record", goerr.V("id", id), goerr.V("cause", err.Error()))
	}
}

func (r *RecordStore) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, embeddings.ErrEmbedding) {
			return nil, err
		}
		return nil, goerr.Wrap(embeddings.ErrEmbedding, "embed text", goerr.V("provider", r.embedder.Name()), goerr.V("cause", err.Error()))
	}
	if dim := r.embedder.Dimensions(); dim > 0 && len(vec) != dim {
		return nil, goerr.Wrap(embeddings.ErrEmbedding, "embedding dimension mismatch", goerr.V("want", dim), goerr.V("got", len(vec)))
	}
	return vec, nil
}

// detached outlives ctx's deadline, bounded by one backend timeout, so the
// canonical step is not lost when the total budget ran out mid fan-out.
func (r *RecordStore) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.orch.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (r *RecordStore) compensate(ctx context.Context, id string) {
	if _, err := r.orch.Execute(ctx, orchestrator.OpDelete, orchestrator.Payload{ID: id}); err != nil {
		r.logger.Warn("compensating delete failed", "id", id, "error", err)
	}
}

// advance returns now, or prev+1µs when the clock has not moved past prev.
func advance(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}

func importanceOr(v *float64, fallback float64) float64 {
	if v == nil || math.IsNaN(*v) {
		return fallback
	}
	return math.Max(0, math.Min(1, *v))
}

// mergeMetadata copies base and applies patch; a nil value removes the key.
func mergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
