package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/oaklabs/oakd/internal/config"
	"github.com/oaklabs/oakd/internal/logging"
	"github.com/oaklabs/oakd/internal/mcp"
)

// runStdio serves MCP on stdin/stdout, delegating every tool call to
// the running daemon over HTTP. The daemon owns the SQLite store and
// the vector collections; opening them from a second process would
// race it, so stdio sessions stay thin proxies.
func runStdio(ctx context.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Stdout carries the MCP protocol, so the logger goes to stderr.
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: "console",
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	backend := mcp.NewDaemonBackend(daemonURL(cfg))
	if err := backend.Probe(ctx); err != nil {
		return err
	}

	srv, err := mcp.NewServer(backend, cfg.ProjectRoot, version, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "oakd mcp: delegating to daemon at %s\n", daemonURL(cfg))
	return srv.Run(ctx)
}

// daemonURL resolves the daemon address, preferring the port file the
// daemon wrote at startup over the configured port.
func daemonURL(cfg *config.Config) string {
	port := cfg.Daemon.Port
	if raw, err := os.ReadFile(cfg.PortFilePath()); err == nil {
		if p, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && p > 0 {
			port = p
		}
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
