// Package neo4j stores memories as (:Memory) nodes with an embedding
// property covered by a native vector index. Scope identifiers are kept as
// node properties and also linked as (:User), (:Agent) and (:App) nodes so
// the graph can be explored from the owner side.
package neo4j

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/pkg/types"
)

const indexName = "memory_embedding"

// Over-fetch factor for vector queries; scope is applied after the index scan.
const candidateFactor = 4

// Options address the database.
type Options struct {
	URI        string
	Username   string
	Password   string
	Database   string
	Dimensions int
}

// Adapter implements backend.Adapter and backend.Scanner.
type Adapter struct {
	name     string
	driver   neo4j.DriverWithContext
	database string
	logger   *log.Logger
}

// New connects, verifies connectivity and creates the schema if missing.
func New(ctx context.Context, name string, opts Options, logger *log.Logger) (*Adapter, error) {
	driver, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.Username, opts.Password, ""))
	if err != nil {
		return nil, backend.Rejected(name, "connect", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, classify(ctx, name, "connect", err)
	}
	a := &Adapter{name: name, driver: driver, database: opts.Database, logger: logger}
	if err := a.ensureSchema(ctx, opts.Dimensions); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *Adapter) ensureSchema(ctx context.Context, dim int) error {
	statements := []string{
		"CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE",
		fmt.Sprintf("CREATE VECTOR INDEX %s IF NOT EXISTS FOR (m:Memory) ON (m.embedding) "+
			"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}", indexName, dim),
	}
	for _, stmt := range statements {
		if _, err := a.run(ctx, stmt, nil); err != nil {
			return classify(ctx, a.name, "schema", err)
		}
	}
	a.logger.Debug("neo4j schema ready", "backend", a.name, "database", a.database, "dimensions", dim)
	return nil
}

func (a *Adapter) Name() string { return a.name }

const upsertCypher = `
MERGE (m:Memory {id: $id})
SET m.content = $content,
    m.embedding = $embedding,
    m.user_id = $user_id,
    m.agent_id = $agent_id,
    m.app_id = $app_id,
    m.metadata = $metadata,
    m.importance = $importance,
    m.updated_at = $updated_at
FOREACH (_ IN CASE WHEN $user_id <> '' THEN [1] ELSE [] END |
  MERGE (u:User {id: $user_id}) MERGE (u)-[:REMEMBERS]->(m))
FOREACH (_ IN CASE WHEN $agent_id <> '' THEN [1] ELSE [] END |
  MERGE (g:Agent {id: $agent_id}) MERGE (g)-[:REMEMBERS]->(m))
FOREACH (_ IN CASE WHEN $app_id <> '' THEN [1] ELSE [] END |
  MERGE (p:App {id: $app_id}) MERGE (p)-[:REMEMBERS]->(m))
RETURN m.id AS id`

func (a *Adapter) Insert(ctx context.Context, rec types.MemoryRecord) error {
	return a.upsert(ctx, "insert", rec)
}

func (a *Adapter) Update(ctx context.Context, rec types.MemoryRecord) error {
	return a.upsert(ctx, "update", rec)
}

func (a *Adapter) upsert(ctx context.Context, op string, rec types.MemoryRecord) error {
	params, err := paramsFor(rec)
	if err != nil {
		return backend.Rejected(a.name, op, err)
	}
	if _, err := a.run(ctx, upsertCypher, params); err != nil {
		return classify(ctx, a.name, op, err)
	}
	return nil
}

const queryCypher = `
CALL db.index.vector.queryNodes($index, $k, $vector) YIELD node, score
WHERE ($user_id = '' OR node.user_id = $user_id)
  AND ($agent_id = '' OR node.agent_id = $agent_id)
  AND ($app_id = '' OR node.app_id = $app_id)
RETURN node.id AS id, score
ORDER BY score DESC, id ASC
LIMIT $limit`

func (a *Adapter) Query(ctx context.Context, q backend.Query) ([]backend.Hit, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	params := scopeParams(q.Scope)
	params["index"] = indexName
	params["k"] = int64(q.Limit * candidateFactor)
	params["limit"] = int64(q.Limit)
	params["vector"] = toFloat64(q.Vector)

	res, err := a.run(ctx, queryCypher, params)
	if err != nil {
		return nil, classify(ctx, a.name, "query", err)
	}
	hits := make([]backend.Hit, 0, len(res.Records))
	for _, rec := range res.Records {
		id, _ := rec.Get("id")
		score, _ := rec.Get("score")
		idText, ok := id.(string)
		if !ok || idText == "" {
			continue
		}
		s, ok := score.(float64)
		if !ok {
			continue
		}
		hits = append(hits, backend.Hit{ID: idText, Score: s})
	}
	return hits, nil
}

const scanCypher = `
MATCH (m:Memory)
WHERE ($user_id = '' OR m.user_id = $user_id)
  AND ($agent_id = '' OR m.agent_id = $agent_id)
  AND ($app_id = '' OR m.app_id = $app_id)
RETURN m.id AS id
ORDER BY m.updated_at DESC, m.id ASC
LIMIT $limit`

// Scan lists node IDs in scope, most recently updated first.
func (a *Adapter) Scan(ctx context.Context, scope types.Scope, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	params := scopeParams(scope)
	params["limit"] = int64(limit)
	res, err := a.run(ctx, scanCypher, params)
	if err != nil {
		return nil, classify(ctx, a.name, "scan", err)
	}
	ids := make([]string, 0, len(res.Records))
	for _, rec := range res.Records {
		if id, ok := rec.Get("id"); ok {
			if s, ok := id.(string); ok && s != "" {
				ids = append(ids, s)
			}
		}
	}
	return ids, nil
}

func (a *Adapter) Delete(ctx context.Context, id string) error {
	if _, err := a.run(ctx, "MATCH (m:Memory {id: $id}) DETACH DELETE m", map[string]any{"id": id}); err != nil {
		return classify(ctx, a.name, "delete", err)
	}
	return nil
}

func (a *Adapter) Health(ctx context.Context) backend.Health {
	if err := a.driver.VerifyConnectivity(ctx); err != nil {
		return backend.Health{Available: false, Detail: err.Error()}
	}
	return backend.Health{Available: true}
}

// Close shuts the driver's connection pool down.
func (a *Adapter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.driver.Close(ctx)
}

func (a *Adapter) run(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, a.driver, cypher, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(a.database))
}

func paramsFor(rec types.MemoryRecord) (map[string]any, error) {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	params := scopeParams(rec.Scope)
	params["id"] = rec.ID
	params["content"] = rec.Content
	params["embedding"] = toFloat64(rec.Embedding)
	params["metadata"] = string(metaJSON)
	params["importance"] = rec.Importance
	params["updated_at"] = rec.UpdatedAt.UTC().Format(types.TimestampLayout)
	return params, nil
}

func scopeParams(s types.Scope) map[string]any {
	params := make(map[string]any, 8)
	for k, v := range backend.ScopeFields(s) {
		params[k] = v
	}
	return params
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func classify(ctx context.Context, name, op string, err error) error {
	if ctxErr := backend.FromContext(ctx, name, op, err); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return backend.Timeout(name, op, err)
	}
	if neo4j.IsConnectivityError(err) {
		return backend.Unavailable(name, op, err)
	}
	var dbErr *neo4j.Neo4jError
	if errors.As(err, &dbErr) {
		if dbErr.Classification() == "TransientError" {
			return backend.Unavailable(name, op, err)
		}
		return backend.Rejected(name, op, err)
	}
	return backend.Unavailable(name, op, err)
}

var (
	_ backend.Adapter = (*Adapter)(nil)
	_ backend.Scanner = (*Adapter)(nil)
)
