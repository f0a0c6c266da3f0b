package memory

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/internal/config"
	"github.com/xiy/memory-mesh/internal/embeddings"
	"github.com/xiy/memory-mesh/internal/orchestrator"
	"github.com/xiy/memory-mesh/pkg/types"
)

const (
	maxSearchLimit = 100
	maxGetAllLimit = 1000
)

// Service is the public facade shared by the MCP and HTTP transports.
// Failures are reported inside the result types, never as Go errors.
type Service struct {
	records  *RecordStore
	orch     *orchestrator.Manager
	catalog  Catalog
	embedder embeddings.Provider
	cfg      config.Config
	logger   *log.Logger
}

// NewService constructs the facade.
func NewService(records *RecordStore, orch *orchestrator.Manager, catalog Catalog, embedder embeddings.Provider, cfg config.Config, logger *log.Logger) *Service {
	return &Service{
		records:  records,
		orch:     orch,
		catalog:  catalog,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
	}
}

// AddMemory stores content, or the flattened messages when content is empty.
func (s *Service) AddMemory(ctx context.Context, in types.AddInput) types.AddResult {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rec, agg, err := s.records.Create(ctx, CreateInput{
		Content:    in.Text(),
		Scope:      in.Scope,
		Metadata:   in.Metadata,
		Importance: in.Importance,
	})
	res := types.AddResult{Warnings: agg.Warnings()}
	if err != nil {
		res.Error = s.fail("add_memory", err)
		return res
	}
	res.Success = true
	res.MemoryID = rec.ID
	s.logger.Debug("memory added", "id", rec.ID, "backends", len(agg.Succeeded), "warnings", len(res.Warnings))
	return res
}

// SearchMemory returns the ranked live memories closest to the query.
func (s *Service) SearchMemory(ctx context.Context, in types.SearchInput) types.SearchResult {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	limit := clampLimit(in.Limit, s.cfg.DefaultLimit, maxSearchLimit)
	hits, agg, err := s.records.Search(ctx, in.Query, in.Scope, limit)
	res := types.SearchResult{Results: []types.SearchHit{}, Warnings: agg.Warnings()}
	if err != nil {
		res.Error = s.fail("search_memory", err)
		return res
	}
	res.Success = true
	res.Results = hits
	return res
}

// UpdateMemory applies a patch to one live memory.
func (s *Service) UpdateMemory(ctx context.Context, in types.UpdateInput) types.UpdateResult {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	_, agg, err := s.records.Mutate(ctx, in.MemoryID, in.Data)
	res := types.UpdateResult{Warnings: agg.Warnings()}
	if err != nil {
		res.Error = s.fail("update_memory", err)
		return res
	}
	res.Success = true
	return res
}

// DeleteMemory removes one memory. Deleting twice succeeds.
func (s *Service) DeleteMemory(ctx context.Context, in types.DeleteInput) types.DeleteResult {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	agg, err := s.records.Remove(ctx, in.MemoryID)
	res := types.DeleteResult{Warnings: agg.Warnings()}
	if err != nil {
		res.Error = s.fail("delete_memory", err)
		return res
	}
	res.Success = true
	return res
}

// GetAllMemory enumerates live memories in scope.
func (s *Service) GetAllMemory(ctx context.Context, in types.GetAllInput) types.GetAllResult {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	limit := clampLimit(in.Limit, s.cfg.DefaultGetAllLimit, maxGetAllLimit)
	recs, agg, err := s.records.ReadAll(ctx, in.Scope, limit)
	res := types.GetAllResult{Memories: []types.MemoryRecord{}, Warnings: agg.Warnings()}
	if err != nil {
		res.Error = s.fail("get_all_memory", err)
		return res
	}
	res.Success = true
	res.Memories = recs
	res.Count = len(recs)
	return res
}

// Stats probes every backend and counts live catalog records.
func (s *Service) Stats(ctx context.Context) types.StatsResult {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	agg, _ := s.orch.Execute(ctx, orchestrator.OpHealth, orchestrator.Payload{})
	health := make(map[string]bool, len(agg.Order))
	for _, name := range agg.Order {
		health[name] = agg.PerBackend[name].Health.Available
	}
	res := types.StatsResult{Stats: types.Stats{BackendHealth: health, EmbeddingDim: s.embedder.Dimensions()}}

	total, err := s.catalog.Count(ctx)
	if err != nil {
		res.Error = s.fail("get_stats", errors.Join(ErrStorage, err))
		return res
	}
	res.Success = true
	res.Stats.TotalMemories = total
	return res
}

// PurgeTombstones drops tombstones past the configured retention.
func (s *Service) PurgeTombstones(ctx context.Context) (int64, error) {
	return s.records.Purge(ctx, time.Duration(s.cfg.TombstoneRetentionHours)*time.Hour)
}

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := s.cfg.TotalOperationTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (s *Service) fail(op string, err error) *types.ErrorInfo {
	info := &types.ErrorInfo{Kind: KindOf(err), Message: err.Error()}
	switch info.Kind {
	case types.KindInvalidInput, types.KindNotFound:
		s.logger.Debug("request rejected", "op", op, "kind", info.Kind, "error", err)
	default:
		s.logger.Error("operation failed", "op", op, "kind", info.Kind, "error", err)
	}
	return info
}

// KindOf maps an error onto the caller-visible taxonomy.
func KindOf(err error) types.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return types.KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return types.KindNotFound
	case errors.Is(err, embeddings.ErrEmbedding):
		return types.KindEmbedding
	case errors.Is(err, orchestrator.ErrAllBackendsUnavailable):
		return types.KindAllBackendsUnavailable
	case errors.Is(err, ErrStorage):
		return types.KindStorage
	case errors.Is(err, config.ErrConfiguration):
		return types.KindConfiguration
	}
	var be *backend.Error
	if errors.As(err, &be) {
		return be.Kind.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.KindBackendTimeout
	}
	return types.KindInternal
}

func clampLimit(limit, def, ceiling int) int {
	if limit <= 0 {
		limit = def
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > ceiling {
		limit = ceiling
	}
	return limit
}
