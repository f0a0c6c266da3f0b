// Package chromem stores memories in an embedded chromem-go collection.
//
// Scores are chromem's cosine similarity. Scope identifiers are stored as
// document metadata and filtered with chromem's exact-match where clause.
// With a path configured the collection is persisted to disk.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/charmbracelet/log"
	chromemgo "github.com/philippgille/chromem-go"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/pkg/types"
)

// Options configure the embedded store.
type Options struct {
	Path       string
	Collection string
	Compress   bool
	// Dimensions, when set, rejects embeddings of any other width.
	Dimensions int
}

// Adapter implements backend.Adapter over one chromem collection.
type Adapter struct {
	name   string
	db     *chromemgo.DB
	col    *chromemgo.Collection
	dim    int
	logger *log.Logger
}

// New opens (or creates) the collection.
func New(name string, opts Options, logger *log.Logger) (*Adapter, error) {
	var (
		db  *chromemgo.DB
		err error
	)
	if opts.Path == "" {
		db = chromemgo.NewDB()
	} else {
		db, err = chromemgo.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}
	collection := opts.Collection
	if collection == "" {
		collection = "memories"
	}
	// Embeddings are always supplied, so no embedding func is needed.
	col, err := db.GetOrCreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create chromem collection: %w", err)
	}
	return &Adapter{name: name, db: db, col: col, dim: opts.Dimensions, logger: logger}, nil
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
	if backend.Norm(rec.Embedding) == 0 {
		return backend.Rejected(a.name, op, errors.New("embedding has zero norm"))
	}
	if a.dim > 0 && a.dim != len(rec.Embedding) {
		return backend.Rejected(a.name, op, fmt.Errorf("embedding has %d dimensions, collection uses %d", len(rec.Embedding), a.dim))
	}
	vec := make([]float32, len(rec.Embedding))
	copy(vec, rec.Embedding)
	doc := chromemgo.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: vec,
		Metadata:  backend.ScopeFields(rec.Scope),
	}
	if err := a.col.AddDocument(ctx, doc); err != nil {
		if ctxErr := backend.FromContext(ctx, a.name, op, err); ctxErr != nil {
			return ctxErr
		}
		return backend.Rejected(a.name, op, err)
	}
	return nil
}

func (a *Adapter) Query(ctx context.Context, q backend.Query) ([]backend.Hit, error) {
	if err := backend.FromContext(ctx, a.name, "query", ctx.Err()); err != nil {
		return nil, err
	}
	if backend.Norm(q.Vector) == 0 {
		return nil, backend.Rejected(a.name, "query", errors.New("query vector has zero norm"))
	}
	if a.dim > 0 && a.dim != len(q.Vector) {
		return nil, backend.Rejected(a.name, "query", fmt.Errorf("query has %d dimensions, collection uses %d", len(q.Vector), a.dim))
	}
	count := a.col.Count()
	if count == 0 || q.Limit <= 0 {
		return nil, nil
	}
	n := q.Limit
	if n > count {
		n = count
	}
	where := backend.ScopeFilter(q.Scope)
	if len(where) == 0 {
		where = nil
	}
	res, err := a.col.QueryEmbedding(ctx, q.Vector, n, where, nil)
	if err != nil {
		if ctxErr := backend.FromContext(ctx, a.name, "query", err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, backend.Rejected(a.name, "query", err)
	}
	hits := make([]backend.Hit, 0, len(res))
	for _, r := range res {
		hits = append(hits, backend.Hit{ID: r.ID, Score: float64(r.Similarity)})
	}
	return hits, nil
}

func (a *Adapter) Delete(ctx context.Context, id string) error {
	if err := backend.FromContext(ctx, a.name, "delete", ctx.Err()); err != nil {
		return err
	}
	if err := a.col.Delete(ctx, nil, nil, id); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return backend.Rejected(a.name, "delete", err)
	}
	return nil
}

func (a *Adapter) Health(_ context.Context) backend.Health {
	return backend.Health{Available: true, Detail: fmt.Sprintf("%d documents", a.col.Count())}
}

var _ backend.Adapter = (*Adapter)(nil)
