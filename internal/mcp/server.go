// Package mcp exposes the daemon's retrieval and memory surface as MCP
// tools. The same tool set serves two transports: streamable HTTP
// mounted at /mcp inside the daemon, and a stdio server that proxies to
// a running daemon over its HTTP API.
package mcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/retrieval"
	"go.uber.org/zap"
)

// Backend is what the tools need from the daemon. The in-process server
// binds it to the stores directly; the stdio server binds it to the
// daemon's HTTP API.
type Backend interface {
	Search(ctx context.Context, query, searchType string, limit int) ([]retrieval.Result, error)
	Remember(ctx context.Context, obs activity.Observation) (*activity.Observation, error)
	Plans(ctx context.Context, sessionID string, limit int) ([]activity.PromptBatch, error)
	Memories(ctx context.Context, f activity.ObservationFilter) ([]activity.Observation, error)
}

// Server registers the oak_* tools on an MCP server.
type Server struct {
	mcp         *mcp.Server
	backend     Backend
	projectRoot string
	logger      *zap.Logger
}

// NewServer builds the tool server. projectRoot bounds oak_fetch reads.
func NewServer(backend Backend, projectRoot, version string, logger *zap.Logger) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    "oakd",
			Version: version,
		}, nil),
		backend:     backend,
		projectRoot: projectRoot,
		logger:      logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server on stdio")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp run: %w", err)
	}
	return nil
}

// HTTPHandler returns the streamable HTTP transport, mounted by the
// daemon at /mcp.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}
