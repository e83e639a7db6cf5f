// Skaldd is a persistent local agent daemon.
//
// It listens on a Unix socket for newline-delimited JSON commands,
// maintains durably-logged conversation sessions, selects relevant
// skills per message by embedding similarity, and drives a bounded
// model/tool loop against an LLM proxy. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	skaldd [flags]           Start the daemon
//	skaldd version           Print version and build information
//
// Flags:
//
//	-config <path>           Use an explicit config file
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/skald-agent/skald/internal/agent"
	"github.com/skald-agent/skald/internal/buildinfo"
	"github.com/skald-agent/skald/internal/config"
	"github.com/skald-agent/skald/internal/events"
	"github.com/skald-agent/skald/internal/llm"
	"github.com/skald-agent/skald/internal/proactive"
	"github.com/skald-agent/skald/internal/server"
	"github.com/skald-agent/skald/internal/session"
	"github.com/skald-agent/skald/internal/skills"
	"github.com/skald-agent/skald/internal/tools"
)

// main constructs the OS-level environment and delegates to run, which
// keeps os.Exit and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand (the flag package's global state gets
// in the way of driving run from tests) and starts the daemon.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			fmt.Fprintln(stdout, "Usage: skaldd [-config <path>] [version]")
			return nil
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := config.LoadOrCreate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	dataDir := config.ExpandPath(cfg.DataDir)
	logsDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(logsDir, "skaldd.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(stdout, logFile), &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	logger.Info("starting", "version", buildinfo.Version, "config", cfgPath)

	store := config.NewStore(cfg, cfgPath)

	// Skills: seed the example skill on first run, then batch-load the
	// catalog once.
	skillsDirs := make([]string, len(cfg.SkillsDirs))
	for i, dir := range cfg.SkillsDirs {
		skillsDirs[i] = config.ExpandPath(dir)
	}
	if len(skillsDirs) > 0 {
		if err := skills.EnsureDefaults(skillsDirs[0]); err != nil {
			logger.Warn("failed to seed default skills", "error", err)
		}
	}
	loaded := skills.Load(skillsDirs, logger)
	logger.Info("skills loaded", "count", len(loaded), "dirs", skillsDirs)

	cache, err := skills.OpenCache(filepath.Join(dataDir, "cache.db"))
	if err != nil {
		return err
	}
	defer cache.Close()
	catalog := skills.NewCatalog(loaded, cache)

	gateway := llm.NewGateway(cfg.ProxyURL, logger)
	selector := skills.NewSelector(catalog, gateway, logger)

	runner, err := tools.NewRunner(filepath.Join(dataDir, "tool_runs"), catalog, store, logger)
	if err != nil {
		return err
	}

	bus := events.New()
	mgr, err := session.NewManager(filepath.Join(dataDir, "sessions"), store, bus, logger)
	if err != nil {
		return err
	}

	orch := agent.New(gateway, runner, catalog, selector, store, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go proactive.New(mgr, store, logger).Run(ctx)

	socketPath := config.ExpandPath(cfg.SocketPath)
	srv := server.New(socketPath, mgr, orch, store, catalog, selector, logger)
	err = srv.Serve(ctx)

	os.Remove(socketPath)
	logger.Info("shutdown complete")
	return err
}
