// Package qdrant stores memories as points in a qdrant collection.
//
// Point IDs are the memory UUIDs. Scope identifiers are keyword payload
// fields matched with a must-filter. Query scores are qdrant's cosine
// similarity for the collection's vector.
package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/pkg/types"
)

// Options address the qdrant instance and collection.
type Options struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions int
}

// Adapter implements backend.Adapter and backend.Scanner.
type Adapter struct {
	name       string
	client     *qdrant.Client
	collection string
	logger     *log.Logger
}

// New connects and makes sure the collection exists with a cosine vector of
// the configured width.
func New(ctx context.Context, name string, opts Options, logger *log.Logger) (*Adapter, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, classify(ctx, name, "connect", err)
	}
	a := &Adapter{name: name, client: client, collection: opts.Collection, logger: logger}
	if err := a.ensureCollection(ctx, opts.Dimensions); err != nil {
		_ = client.Close()
		return nil, err
	}
	return a, nil
}

func (a *Adapter) ensureCollection(ctx context.Context, dim int) error {
	exists, err := a.client.CollectionExists(ctx, a.collection)
	if err != nil {
		return classify(ctx, a.name, "collection_exists", err)
	}
	if exists {
		return nil
	}
	a.logger.Info("creating qdrant collection", "backend", a.name, "collection", a.collection, "dimensions", dim)
	err = a.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: a.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return classify(ctx, a.name, "create_collection", err)
	}
	return nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Insert(ctx context.Context, rec types.MemoryRecord) error {
	return a.upsert(ctx, "insert", rec)
}

func (a *Adapter) Update(ctx context.Context, rec types.MemoryRecord) error {
	return a.upsert(ctx, "update", rec)
}

func (a *Adapter) upsert(ctx context.Context, op string, rec types.MemoryRecord) error {
	payload, err := payloadFor(rec)
	if err != nil {
		return backend.Rejected(a.name, op, err)
	}
	_, err = a.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: a.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(rec.ID),
				Vectors: qdrant.NewVectors(rec.Embedding...),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		return classify(ctx, a.name, op, err)
	}
	return nil
}

func (a *Adapter) Query(ctx context.Context, q backend.Query) ([]backend.Hit, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	points, err := a.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: a.collection,
		Query:          qdrant.NewQuery(q.Vector...),
		Filter:         scopeFilter(q.Scope),
		Limit:          qdrant.PtrOf(uint64(q.Limit)),
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, classify(ctx, a.name, "query", err)
	}
	hits := make([]backend.Hit, 0, len(points))
	for _, p := range points {
		id := p.GetId().GetUuid()
		if id == "" {
			continue
		}
		hits = append(hits, backend.Hit{ID: id, Score: float64(p.GetScore())})
	}
	return hits, nil
}

// Scan pages through points in scope. qdrant returns them in ID order.
func (a *Adapter) Scan(ctx context.Context, scope types.Scope, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	points, err := a.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: a.collection,
		Filter:         scopeFilter(scope),
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, classify(ctx, a.name, "scan", err)
	}
	ids := make([]string, 0, len(points))
	for _, p := range points {
		if id := p.GetId().GetUuid(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (a *Adapter) Delete(ctx context.Context, id string) error {
	_, err := a.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: a.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(qdrant.NewID(id)),
	})
	if err != nil {
		return classify(ctx, a.name, "delete", err)
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) backend.Health {
	reply, err := a.client.HealthCheck(ctx)
	if err != nil {
		return backend.Health{Available: false, Detail: err.Error()}
	}
	return backend.Health{Available: true, Detail: reply.GetVersion()}
}

// Close releases the gRPC connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func payloadFor(rec types.MemoryRecord) (map[string]any, error) {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"content":    rec.Content,
		"metadata":   string(metaJSON),
		"importance": rec.Importance,
		"updated_at": rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range backend.ScopeFields(rec.Scope) {
		payload[k] = v
	}
	return payload, nil
}

func scopeFilter(scope types.Scope) *qdrant.Filter {
	fields := backend.ScopeFilter(scope)
	if len(fields) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(fields))
	for _, key := range []string{"user_id", "agent_id", "app_id"} {
		if v, ok := fields[key]; ok {
			must = append(must, qdrant.NewMatch(key, v))
		}
	}
	return &qdrant.Filter{Must: must}
}

func classify(ctx context.Context, name, op string, err error) error {
	if ctxErr := backend.FromContext(ctx, name, op, err); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return backend.Timeout(name, op, err)
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return backend.Timeout(name, op, err)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound, codes.AlreadyExists, codes.OutOfRange, codes.PermissionDenied, codes.Unauthenticated:
		return backend.Rejected(name, op, err)
	default:
		return backend.Unavailable(name, op, err)
	}
}

var (
	_ backend.Adapter = (*Adapter)(nil)
	_ backend.Scanner = (*Adapter)(nil)
)
