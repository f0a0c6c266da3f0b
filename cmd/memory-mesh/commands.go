package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xiy/memory-mesh/internal/admin"
	"github.com/xiy/memory-mesh/internal/app"
	"github.com/xiy/memory-mesh/internal/bootstrap"
)

func newAdminCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "admin",
		Short: "Open the terminal dashboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// The dashboard owns the terminal, so runtime logs are dropped.
			rt, err := app.Build(ctx, cfg, newLogger(io.Discard, cfg), app.Options{})
			if err != nil {
				return err
			}
			defer rt.Close()
			return admin.Run(ctx, cfg.ServerName, rt.Catalog, rt.Service)
		},
	}
}

func newCheckConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", v.GetString("config"))
			fmt.Fprintf(out, "  catalog:   %s\n", cfg.DBPath)
			fmt.Fprintf(out, "  embedding: %s/%s (%d dims)\n", cfg.Embedding.Name, cfg.Embedding.Model, cfg.Embedding.Dimensions)
			for _, b := range cfg.Backends {
				fmt.Fprintf(out, "  backend:   %-12s kind=%-8s weight=%.2f\n", b.Name, b.Kind, b.Weight)
			}
			if cfg.HTTP.Enabled {
				fmt.Fprintf(out, "  http:      %s\n", cfg.HTTP.Addr)
			}
			return nil
		},
	}
}

func newBootstrapCmd(v *viper.Viper) *cobra.Command {
	var opts bootstrap.Options
	cmd := &cobra.Command{
		Use:   "bootstrap-clis",
		Short: "Register this server with installed agent CLIs (codex, claude, gemini)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.ConfigPath = v.GetString("config")
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return bootstrap.Register(newLogger(cmd.ErrOrStderr(), cfg), opts, nil)
		},
	}
	cmd.Flags().StringVar(&opts.Scope, "scope", "user", "registration scope: user or project")
	cmd.Flags().StringVar(&opts.ServerName, "server-name", "memory-mesh", "name the server is registered under")
	cmd.Flags().StringVar(&opts.ServeCmd, "serve-command", "memory-mesh serve", "command clients use to launch the stdio server")
	cmd.Flags().StringSliceVar(&opts.Only, "only", nil, "restrict to these clients")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the commands without running them")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
