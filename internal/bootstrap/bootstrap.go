// Package bootstrap registers the stdio server with locally installed
// agent CLIs that speak MCP.
package bootstrap

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"
)

var lookPath = exec.LookPath

// ErrInvalidOptions is returned for options that cannot produce a plan.
var ErrInvalidOptions = goerr.New("invalid bootstrap options")

// Client describes how one agent CLI adds and removes MCP servers.
type Client struct {
	Name string
	// Scoped clients accept -s user|project.
	Scoped bool
	// Separator is placed between the server name and its command line.
	Separator bool
}

// Clients lists the supported agent CLIs in registration order.
var Clients = []Client{
	{Name: "codex", Separator: true},
	{Name: "claude", Scoped: true, Separator: true},
	{Name: "gemini", Scoped: true},
}

// Options control which clients are registered and how.
type Options struct {
	ConfigPath string
	Scope      string
	ServerName string
	ServeCmd   string
	// Only restricts registration to the named clients. Empty means all.
	Only   []string
	DryRun bool
}

// Command captures an executable command.
type Command struct {
	Name string
	Args []string
	// Cleanup commands may fail when nothing is registered yet.
	Cleanup bool
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes system commands.
type Runner interface {
	Run(name string, args ...string) error
}

// OSRunner executes commands via os/exec.
type OSRunner struct{}

func (OSRunner) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Register replaces any previous registration of ServerName in every
// selected client found on PATH and records the plan in an audit file.
func Register(logger *log.Logger, opts Options, runner Runner) error {
	if runner == nil {
		runner = OSRunner{}
	}
	cmds, err := Plan(opts)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return goerr.Wrap(ErrInvalidOptions, "no supported agent CLI found on PATH")
	}

	audit, err := openAudit()
	if err != nil {
		return err
	}
	defer audit.Close()
	fmt.Fprintf(audit, "# memory-mesh bootstrap %s dry_run=%t\n", time.Now().UTC().Format(time.RFC3339), opts.DryRun)

	for _, c := range cmds {
		fmt.Fprintln(audit, c.String())
		logger.Info("bootstrap command", "cmd", c.String(), "dry_run", opts.DryRun)
		if opts.DryRun {
			continue
		}
		if err := runner.Run(c.Name, c.Args...); err != nil {
			if c.Cleanup {
				logger.Debug("ignoring cleanup failure", "cmd", c.String(), "error", err)
				continue
			}
			return goerr.Wrap(err, "bootstrap command failed", goerr.V("cmd", c.String()))
		}
	}
	logger.Info("bootstrap complete", "audit_log", audit.Name(), "commands", len(cmds))
	return nil
}

// Plan returns the remove/add pairs for every selected client on PATH,
// in Clients order.
func Plan(opts Options) ([]Command, error) {
	opts = withDefaults(opts)
	if opts.Scope != "user" && opts.Scope != "project" {
		return nil, goerr.Wrap(ErrInvalidOptions, "scope must be user or project", goerr.V("scope", opts.Scope))
	}
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return nil, goerr.Wrap(ErrInvalidOptions, "config path is required")
	}
	serve := strings.Fields(opts.ServeCmd)
	serve = append(serve, "--config", opts.ConfigPath)

	selected := map[string]bool{}
	for _, name := range opts.Only {
		selected[strings.ToLower(strings.TrimSpace(name))] = true
	}
	for name := range selected {
		if !known(name) {
			return nil, goerr.Wrap(ErrInvalidOptions, "unknown client", goerr.V("client", name))
		}
	}

	var cmds []Command
	for _, c := range Clients {
		if len(selected) > 0 && !selected[c.Name] {
			continue
		}
		if _, err := lookPath(c.Name); err != nil {
			continue
		}
		base := []string{"mcp"}
		scope := []string{}
		if c.Scoped {
			scope = []string{"-s", opts.Scope}
		}
		remove := append(append(append([]string{}, base...), "remove"), scope...)
		remove = append(remove, opts.ServerName)
		add := append(append(append([]string{}, base...), "add"), scope...)
		add = append(add, opts.ServerName)
		if c.Separator {
			add = append(add, "--")
		}
		add = append(add, serve...)
		cmds = append(cmds,
			Command{Name: c.Name, Args: remove, Cleanup: true},
			Command{Name: c.Name, Args: add},
		)
	}
	return cmds, nil
}

func withDefaults(opts Options) Options {
	if opts.Scope == "" {
		opts.Scope = "user"
	}
	if strings.TrimSpace(opts.ServerName) == "" {
		opts.ServerName = "memory-mesh"
	}
	if strings.TrimSpace(opts.ServeCmd) == "" {
		opts.ServeCmd = "memory-mesh serve"
	}
	return opts
}

func known(name string) bool {
	for _, c := range Clients {
		if c.Name == name {
			return true
		}
	}
	return false
}

func openAudit() (*os.File, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, goerr.Wrap(err, "resolve home directory")
	}
	path := filepath.Join(home, ".memory-mesh", "bootstrap-last.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, goerr.Wrap(err, "create audit directory", goerr.V("path", path))
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, goerr.Wrap(err, "create audit log", goerr.V("path", path))
	}
	return f, nil
}
