package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"github.com/xiy/memory-mesh/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

const tsLayout = types.TimestampLayout

// Largest IN (...) list sent in one statement.
const maxBatch = 500

var (
	// ErrNotFound means the id was never stored.
	ErrNotFound = goerr.New("memory not found")
	// ErrDeleted means the id is tombstoned.
	ErrDeleted = goerr.New("memory deleted")
)

// Stats summarizes catalog counters for admin dashboards.
type Stats struct {
	Live       int64
	Tombstoned int64
	Requests   int64
}

// RequestLog captures one request handled by a transport.
type RequestLog struct {
	ID         int64
	Transport  string
	Method     string
	ToolName   string
	Success    bool
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// RecentMemory is a compact summary row for admin dashboards.
type RecentMemory struct {
	ID        string
	Scope     types.Scope
	Content   string
	Deleted   bool
	UpdatedAt time.Time
}

// SQLiteStore is the canonical catalog of memory records.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite opens and initializes the catalog.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

// Insert stores a new live record.
func (s *SQLiteStore) Insert(ctx context.Context, rec types.MemoryRecord) error {
	metaJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	const q = `INSERT INTO memories (
		id, content, embedding, user_id, agent_id, app_id, metadata_json, importance, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		rec.ID,
		rec.Content,
		encodeVector(rec.Embedding),
		rec.Scope.UserID,
		rec.Scope.AgentID,
		rec.Scope.AppID,
		metaJSON,
		rec.Importance,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Update replaces the mutable fields of a live record.
func (s *SQLiteStore) Update(ctx context.Context, rec types.MemoryRecord) error {
	metaJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	const q = `UPDATE memories
SET content = ?, embedding = ?, metadata_json = ?, importance = ?, updated_at = ?
WHERE id = ? AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, q,
		rec.Content,
		encodeVector(rec.Embedding),
		metaJSON,
		rec.Importance,
		formatTime(rec.UpdatedAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if n == 0 {
		return goerr.Wrap(ErrNotFound, "update memory", goerr.V("id", rec.ID))
	}
	return nil
}

// Tombstone marks a live record deleted. Tombstoning twice is a no-op.
func (s *SQLiteStore) Tombstone(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE memories SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`
	if _, err := s.db.ExecContext(ctx, q, formatTime(at), id); err != nil {
		return fmt.Errorf("tombstone memory: %w", err)
	}
	return nil
}

// Get loads one record. A tombstoned record is returned together with
// ErrDeleted.
func (s *SQLiteStore) Get(ctx context.Context, id string) (types.MemoryRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM memories WHERE id = ? LIMIT 1`
	rec, deleted, err := scanRecord(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, goerr.Wrap(ErrNotFound, "get memory", goerr.V("id", id))
		}
		return rec, fmt.Errorf("get memory: %w", err)
	}
	if deleted {
		return rec, goerr.Wrap(ErrDeleted, "get memory", goerr.V("id", id))
	}
	return rec, nil
}

// GetMany loads the live records among ids.
func (s *SQLiteStore) GetMany(ctx context.Context, ids []string) (map[string]types.MemoryRecord, error) {
	out := make(map[string]types.MemoryRecord, len(ids))
	for _, chunk := range chunks(ids) {
		q := `SELECT ` + recordColumns + ` FROM memories WHERE deleted_at IS NULL AND id IN (` + placeholders(len(chunk)) + `)`
		rows, err := s.db.QueryContext(ctx, q, toArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("get memories: %w", err)
		}
		for rows.Next() {
			rec, _, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan memory: %w", err)
			}
			out[rec.ID] = rec
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LiveUpdatedAt returns updated_at for the live records among ids.
func (s *SQLiteStore) LiveUpdatedAt(ctx context.Context, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(ids))
	for _, chunk := range chunks(ids) {
		q := `SELECT id, updated_at FROM memories WHERE deleted_at IS NULL AND id IN (` + placeholders(len(chunk)) + `)`
		rows, err := s.db.QueryContext(ctx, q, toArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("live lookup: %w", err)
		}
		for rows.Next() {
			var id, updated string
			if err := rows.Scan(&id, &updated); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan live row: %w", err)
			}
			ts, err := time.Parse(tsLayout, updated)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("parse updated_at: %w", err)
			}
			out[id] = ts
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// List returns live records in scope, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, scope types.Scope, limit int) ([]types.MemoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := scopeWhere(scope)
	q := `SELECT ` + recordColumns + ` FROM memories WHERE deleted_at IS NULL` + where +
		` ORDER BY updated_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	items := make([]types.MemoryRecord, 0, limit)
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

// Count returns the number of live records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memories WHERE deleted_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memories WHERE deleted_at IS NULL`).Scan(&st.Live); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memories WHERE deleted_at IS NOT NULL`).Scan(&st.Tombstoned); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM requests`).Scan(&st.Requests); err != nil {
		return st, err
	}
	return st, nil
}

// PurgeTombstones removes records tombstoned at or before cutoff.
func (s *SQLiteStore) PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE deleted_at IS NOT NULL AND deleted_at <= ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

// InsertRequestLog stores one request event for admin observability.
func (s *SQLiteStore) InsertRequestLog(ctx context.Context, rec RequestLog) error {
	ts := rec.CreatedAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	transport := strings.TrimSpace(rec.Transport)
	if transport == "" {
		transport = "mcp"
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO requests (
		transport, method, tool_name, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		transport,
		strings.TrimSpace(rec.Method),
		strings.TrimSpace(rec.ToolName),
		success,
		strings.TrimSpace(rec.ErrorText),
		rec.DurationMS,
		formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// RecentRequestLogs returns request events newest first.
func (s *SQLiteStore) RecentRequestLogs(ctx context.Context, limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, transport, method, tool_name, success, error_text, duration_ms, created_at
FROM requests
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	items := make([]RequestLog, 0, limit)
	for rows.Next() {
		var (
			row          RequestLog
			successAsInt int
			createdAt    string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Transport,
			&row.Method,
			&row.ToolName,
			&successAsInt,
			&row.ErrorText,
			&row.DurationMS,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		row.Success = successAsInt == 1
		if ts, err := time.Parse(tsLayout, createdAt); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

// RecentMemories returns compact rows newest first, tombstones included.
func (s *SQLiteStore) RecentMemories(ctx context.Context, limit int) ([]RecentMemory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, agent_id, app_id, content, deleted_at, updated_at
FROM memories
ORDER BY updated_at DESC, id ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()

	items := make([]RecentMemory, 0, limit)
	for rows.Next() {
		var (
			row       RecentMemory
			deletedAt sql.NullString
			updatedAt string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Scope.UserID,
			&row.Scope.AgentID,
			&row.Scope.AppID,
			&row.Content,
			&deletedAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan recent memory: %w", err)
		}
		row.Deleted = deletedAt.Valid
		if ts, err := time.Parse(tsLayout, updatedAt); err == nil {
			row.UpdatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const recordColumns = `id, content, embedding, user_id, agent_id, app_id, metadata_json, importance, created_at, updated_at, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (types.MemoryRecord, bool, error) {
	var (
		rec                  types.MemoryRecord
		embedding            []byte
		metadataJSON         string
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	if err := sc.Scan(
		&rec.ID,
		&rec.Content,
		&embedding,
		&rec.Scope.UserID,
		&rec.Scope.AgentID,
		&rec.Scope.AppID,
		&metadataJSON,
		&rec.Importance,
		&createdAt,
		&updatedAt,
		&deletedAt,
	); err != nil {
		return rec, false, err
	}
	rec.Embedding = decodeVector(embedding)
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil || rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	created, err := time.Parse(tsLayout, createdAt)
	if err != nil {
		return rec, false, err
	}
	updated, err := time.Parse(tsLayout, updatedAt)
	if err != nil {
		return rec, false, err
	}
	rec.CreatedAt = created
	rec.UpdatedAt = updated
	return rec, deletedAt.Valid, nil
}

func scopeWhere(scope types.Scope) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	if scope.UserID != "" {
		sb.WriteString(" AND user_id = ?")
		args = append(args, scope.UserID)
	}
	if scope.AgentID != "" {
		sb.WriteString(" AND agent_id = ?")
		args = append(args, scope.AgentID)
	}
	if scope.AppID != "" {
		sb.WriteString(" AND app_id = ?")
		args = append(args, scope.AppID)
	}
	return sb.String(), args
}

func marshalMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// encodeVector stores v as little-endian float32s.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func chunks(ids []string) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := min(len(ids), maxBatch)
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
