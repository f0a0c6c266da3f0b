// Package app assembles the runtime from configuration.
package app

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/internal/backend/cache"
	"github.com/xiy/memory-mesh/internal/backend/chromem"
	"github.com/xiy/memory-mesh/internal/backend/neo4j"
	"github.com/xiy/memory-mesh/internal/backend/qdrant"
	"github.com/xiy/memory-mesh/internal/config"
	"github.com/xiy/memory-mesh/internal/embeddings"
	"github.com/xiy/memory-mesh/internal/memory"
	"github.com/xiy/memory-mesh/internal/orchestrator"
	"github.com/xiy/memory-mesh/internal/rank"
	"github.com/xiy/memory-mesh/internal/store"
)

const reconnectBackoff = 5 * time.Second

// App holds every long-lived component.
type App struct {
	Config   config.Config
	Catalog  *store.SQLiteStore
	Embedder embeddings.Provider
	Adapters []backend.Adapter
	Orch     *orchestrator.Manager
	Service  *memory.Service
	Logger   *log.Logger
}

// Options adjusts Build for tests and the admin command.
type Options struct {
	// Embedder replaces the configured provider.
	Embedder embeddings.Provider
	// Adapters replaces the configured backends.
	Adapters []backend.Adapter
}

// Build opens the catalog and constructs every adapter. Network backends
// connect lazily, so an unreachable store degrades to warnings instead of
// failing startup.
func Build(ctx context.Context, cfg config.Config, logger *log.Logger, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, goerr.Wrap(err, "prepare data directories")
	}

	embedder := opts.Embedder
	if embedder == nil {
		var err error
		embedder, err = embeddings.New(cfg.Embedding, logger)
		if err != nil {
			return nil, err
		}
	}

	catalog, err := store.OpenSQLite(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	adapters := opts.Adapters
	if adapters == nil {
		adapters = make([]backend.Adapter, 0, len(cfg.Backends))
		for _, bc := range cfg.Backends {
			a, err := buildAdapter(ctx, bc, embedder.Dimensions(), cfg.PerBackendTimeout(), logger)
			if err != nil {
				closeAll(adapters)
				_ = catalog.Close()
				return nil, err
			}
			adapters = append(adapters, a)
		}
	}

	orch := orchestrator.New(adapters, cfg.PerBackendTimeout(), rank.New(cfg.Weights()), logger)
	records := memory.NewRecordStore(catalog, orch, embedder, logger)
	svc := memory.NewService(records, orch, catalog, embedder, cfg, logger)

	logger.Info("runtime ready",
		"db", cfg.DBPath,
		"embedder", embedder.Name(),
		"dimensions", embedder.Dimensions(),
		"backends", len(adapters),
	)
	return &App{
		Config:   cfg,
		Catalog:  catalog,
		Embedder: embedder,
		Adapters: adapters,
		Orch:     orch,
		Service:  svc,
		Logger:   logger,
	}, nil
}

// Close releases adapters and the catalog.
func (a *App) Close() error {
	err := closeAll(a.Adapters)
	return errors.Join(err, a.Catalog.Close())
}

func buildAdapter(ctx context.Context, bc config.BackendConfig, dim int, timeout time.Duration, logger *log.Logger) (backend.Adapter, error) {
	l := logger.With("backend", bc.Name, "kind", string(bc.Kind))
	switch bc.Kind {
	case config.KindCache:
		return cache.New(bc.Name, bc.Cache.MaxItems, l)
	case config.KindChromem:
		return chromem.New(bc.Name, chromem.Options{
			Path:       config.ExpandPath(bc.Chromem.Path),
			Collection: bc.Chromem.Collection,
			Compress:   bc.Chromem.Compress,
			Dimensions: dim,
		}, l)
	case config.KindQdrant:
		opts := qdrant.Options{
			Host:       bc.Qdrant.Host,
			Port:       bc.Qdrant.Port,
			APIKey:     bc.Qdrant.APIKey,
			UseTLS:     bc.Qdrant.UseTLS,
			Collection: bc.Qdrant.Collection,
			Dimensions: dim,
		}
		return connectLazily(ctx, bc.Name, timeout, l, func(ctx context.Context) (backend.Adapter, error) {
			return qdrant.New(ctx, bc.Name, opts, l)
		}), nil
	case config.KindNeo4j:
		opts := neo4j.Options{
			URI:        bc.Neo4j.URI,
			Username:   bc.Neo4j.Username,
			Password:   bc.Neo4j.Password,
			Database:   bc.Neo4j.Database,
			Dimensions: dim,
		}
		return connectLazily(ctx, bc.Name, timeout, l, func(ctx context.Context) (backend.Adapter, error) {
			return neo4j.New(ctx, bc.Name, opts, l)
		}), nil
	default:
		return nil, goerr.Wrap(config.ErrConfiguration, "unknown backend kind", goerr.V("kind", string(bc.Kind)))
	}
}

func connectLazily(ctx context.Context, name string, timeout time.Duration, logger *log.Logger, dial backend.DialFunc) *backend.Lazy {
	lazy := backend.NewLazy(name, reconnectBackoff, dial)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := lazy.Connect(ctx); err != nil {
		logger.Warn("backend unreachable at startup; will retry", "error", err)
	}
	return lazy
}

func closeAll(adapters []backend.Adapter) error {
	var errs []error
	for _, a := range adapters {
		if c, ok := a.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
