package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/memory-mesh/internal/app"
	"github.com/xiy/memory-mesh/internal/httpapi"
	"github.com/xiy/memory-mesh/internal/mcp"
	"github.com/xiy/memory-mesh/internal/sweep"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio and, when enabled, the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	cmd.Flags().String("http-addr", "", "enable the HTTP API on this address")
	cmd.Flags().Bool("no-stdio", false, "do not read MCP requests from stdin")
	_ = v.BindPFlag("http_addr", cmd.Flags().Lookup("http-addr"))
	_ = v.BindPFlag("no_stdio", cmd.Flags().Lookup("no-stdio"))
	return cmd
}

func runServe(parent context.Context, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	if addr := strings.TrimSpace(v.GetString("http_addr")); addr != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Addr = addr
	}
	stdio := !v.GetBool("no_stdio")
	if !stdio && !cfg.HTTP.Enabled {
		return errors.New("--no-stdio requires the HTTP API (http.enabled or --http-addr)")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(os.Stderr, cfg)
	rt, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweep.Run(ctx, logger, time.Duration(cfg.SweepIntervalSeconds)*time.Second, rt.Service)
		return nil
	})

	if cfg.HTTP.Enabled {
		api := httpapi.New(rt.Service, cfg.ServerName, logger, rt.Catalog)
		g.Go(func() error {
			return api.Listen(cfg.HTTP.Addr)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return api.Shutdown(shutdownCtx)
		})
	}

	stdioErr := make(chan error, 1)
	if stdio {
		server := mcp.NewServer(rt.Service, cfg.ServerName, logger, rt.Catalog)
		go func() {
			logger.Info("starting MCP stdio server", "db", cfg.DBPath)
			stdioErr <- server.Serve(ctx, os.Stdin, os.Stdout)
			// stdin closed: the client is gone, stop everything else.
			cancel()
		}()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	select {
	case err := <-stdioErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	default:
	}
	logger.Info("shutdown complete")
	return nil
}
