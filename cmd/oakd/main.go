// Oakd is the per-project codebase intelligence daemon.
//
// It indexes the project into a local vector store, records agent
// activity delivered over hooks, and serves retrieval over HTTP and
// MCP. One daemon runs per project root; all state lives under
// <project>/.oak/ci.
//
// Usage:
//
//	# Start the daemon for the current project
//	oakd
//
//	# Start for an explicit project root
//	OAK_PROJECT_ROOT=/path/to/repo oakd
//
//	# Serve MCP over stdio, delegating to a running daemon
//	oakd mcp
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/oaklabs/oakd/internal/config"
	"github.com/oaklabs/oakd/internal/daemon"
	"github.com/oaklabs/oakd/internal/logging"
	"github.com/oaklabs/oakd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			return
		case "mcp":
			runSubcommand(runStdio)
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  oakd           Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  oakd mcp       Serve MCP on stdio (requires a running daemon)\n")
			fmt.Fprintf(os.Stderr, "  oakd version   Show version information\n")
			os.Exit(1)
		}
	}
	runSubcommand(run)
}

func printVersion() {
	fmt.Printf("oakd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// runSubcommand wraps fn with signal-driven cancellation.
func runSubcommand(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := fn(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "oakd: %v\n", err)
		os.Exit(1)
	}
}

// run starts the daemon and blocks until ctx is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The log directory doubles as the state directory; create it
	// before the logger opens its file sink.
	if err := os.MkdirAll(cfg.OakDir(), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.OakDir(), err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.LogFilePath(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting oakd",
		zap.String("version", version),
		zap.String("project_root", cfg.ProjectRoot))

	tel, err := telemetry.New(ctx, telemetry.FromEnv(version), logger)
	if err != nil {
		logger.Warn("telemetry disabled", zap.Error(err))
	}
	defer tel.Shutdown(context.Background())

	d, err := daemon.New(ctx, cfg, version, logger)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
