package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xiy/memory-mesh/internal/config"
)

var version = "0.2.0"

const defaultConfigPath = "config/memory-mesh.yaml"

// newRootCmd wires every subcommand to one viper instance. Flags win over
// MEMORY_MESH_* environment variables, which win over the config file.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MEMORY_MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "memory-mesh",
		Short:         "Multi-backend memory server for agents",
		Long:          longRoot,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", defaultConfigPath, "path to config file")
	root.PersistentFlags().String("log-level", "", "override log_level (debug, info, warn, error)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(
		newServeCmd(v),
		newAdminCmd(v),
		newCheckConfigCmd(v),
		newBootstrapCmd(v),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the file named by the config key and applies overrides.
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if lvl := strings.TrimSpace(v.GetString("log_level")); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.Config) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := log.NewWithOptions(w, log.Options{ReportTimestamp: true, Prefix: cfg.ServerName})
	logger.SetLevel(parseLevel(cfg.LogLevel))
	return logger
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "memory-mesh v"+version)
		},
	}
}

var longRoot = `
memory-mesh stores agent memories in several backends at once (vector stores,
a graph database, an in-process cache) and fuses their search results into a
single ranked list. It speaks MCP over stdio and, optionally, a JSON HTTP API.
`
