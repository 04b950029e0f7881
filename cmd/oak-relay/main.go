// Oak-relay bridges remote agents to oakd daemons running behind NAT.
//
// Daemons dial out and register over websocket; agents call tools over
// plain HTTP. The relay holds no project state, it only forwards
// frames.
//
// Usage:
//
//	OAK_RELAY_TOKEN=s3cret OAK_AGENT_TOKEN=t0ken oak-relay -addr :8787
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/oaklabs/oakd/internal/logging"
	"github.com/oaklabs/oakd/internal/relay"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("oak-relay\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
		return
	}

	logger, err := logging.New(logging.Config{Format: "json"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "oak-relay: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv := relay.NewServer(relay.ServerConfig{
		RelayToken: os.Getenv("OAK_RELAY_TOKEN"),
		AgentToken: os.Getenv("OAK_AGENT_TOKEN"),
	}, logger)

	if err := srv.Start(*addr); err != nil {
		logger.Fatal("relay server failed", zap.Error(err))
	}
}
