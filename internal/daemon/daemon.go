// Package daemon assembles the components into the long-running oakd
// process: stores, provider, indexer, watcher, HTTP surface, background
// processor and the optional cloud relay.
package daemon

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/background"
	"github.com/oaklabs/oakd/internal/chunker"
	"github.com/oaklabs/oakd/internal/config"
	"github.com/oaklabs/oakd/internal/embeddings"
	"github.com/oaklabs/oakd/internal/extraction"
	"github.com/oaklabs/oakd/internal/hooks"
	httpapi "github.com/oaklabs/oakd/internal/http"
	"github.com/oaklabs/oakd/internal/ignore"
	"github.com/oaklabs/oakd/internal/indexer"
	"github.com/oaklabs/oakd/internal/mcp"
	"github.com/oaklabs/oakd/internal/relay"
	"github.com/oaklabs/oakd/internal/retrieval"
	"github.com/oaklabs/oakd/internal/vectorstore"
	"github.com/oaklabs/oakd/internal/watcher"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// status is the process-wide daemon state behind /api/health.
type status struct {
	v atomic.Value
}

func newStatus() *status {
	s := &status{}
	s.v.Store(httpapi.StatusStarting)
	return s
}

func (s *status) Status() httpapi.Status { return s.v.Load().(httpapi.Status) }
func (s *status) set(st httpapi.Status)  { s.v.Store(st) }

// Daemon owns every component of one project's intelligence service.
type Daemon struct {
	cfg     *config.Config
	logger  *zap.Logger
	version string

	store     *activity.Store
	vectors   *vectorstore.Store
	provider  embeddings.Provider
	engine    *retrieval.Engine
	indexer   *indexer.Indexer
	watcher   *watcher.Watcher
	processor *background.Processor
	server    *httpapi.Server
	mcpServer *mcp.Server
	relay     *relay.Client
	status    *status
}

// New builds a daemon, constructing the embedding provider from config.
func New(ctx context.Context, cfg *config.Config, version string, logger *zap.Logger) (*Daemon, error) {
	provider, err := embeddings.NewProvider(ctx, cfg.Embedding, logger)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	return build(cfg, provider, version, logger)
}

// build wires components around an already-constructed provider.
func build(cfg *config.Config, provider embeddings.Provider, version string, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := activity.Open(cfg.ActivitiesDBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("activity store: %w", err)
	}

	vectors, err := vectorstore.New(cfg.VectorDir(), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("vector store: %w", err)
	}

	policy, err := ignore.NewPolicy(cfg.ProjectRoot,
		cfg.Indexing.ExcludePatterns, cfg.Indexing.IncludeManagedPaths)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("exclusion policy: %w", err)
	}

	engine := retrieval.NewEngine(provider, vectors, cfg.Retrieval, logger)
	injector := hooks.NewInjector(engine, store, logger)
	ix := indexer.New(cfg.ProjectRoot, policy, chunker.NewTreeSitterChunker(),
		provider, vectors, store, cfg.Indexing, logger)
	w := watcher.New(cfg.ProjectRoot, policy, watcher.Config{}, logger)

	summarizer, err := extraction.NewSummarizer(cfg.Summarization, logger)
	if err != nil {
		logger.Warn("summarizer unavailable, falling back to heuristics", zap.Error(err))
		summarizer = nil
	}
	extractor := extraction.NewExtractor(summarizer, logger)

	processor := background.New(store, vectors, provider, extractor, cfg, logger)

	mcpServer, err := mcp.NewServer(mcp.NewLocalBackend(engine, store),
		cfg.ProjectRoot, version, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("mcp server: %w", err)
	}

	st := newStatus()
	server, err := httpapi.NewServer(httpapi.Deps{
		Config:     cfg,
		Store:      store,
		Vectors:    vectors,
		Engine:     engine,
		Injector:   injector,
		Indexer:    ix,
		Extractor:  extractor,
		Status:     st,
		MCPHandler: mcpServer.HTTPHandler(),
		Version:    version,
	}, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("http server: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		store:     store,
		vectors:   vectors,
		provider:  provider,
		engine:    engine,
		indexer:   ix,
		watcher:   w,
		processor: processor,
		server:    server,
		mcpServer: mcpServer,
		status:    st,
	}

	if cfg.Relay.URL != "" {
		client, err := relay.NewClient(relay.ClientConfig{
			URL:          cfg.Relay.URL,
			RelayToken:   cfg.Relay.RelayToken.Value(),
			DeploymentID: relay.DeploymentID(cfg.ProjectRoot),
		}, mcpServer, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("relay client: %w", err)
		}
		d.relay = client
	}

	return d, nil
}

// Port reports the bound HTTP port, 0 before the listener is up.
func (d *Daemon) Port() int { return d.server.Port() }

// Run serves until ctx is cancelled, then shuts down within the
// configured grace period.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.writePIDFile(); err != nil {
		return err
	}
	defer d.removeRunFiles()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if err := d.awaitListener(gctx); err != nil {
		d.server.Shutdown(context.Background())
		if werr := g.Wait(); werr != nil {
			return werr
		}
		return err
	}
	if err := d.writePortFile(); err != nil {
		d.server.Shutdown(context.Background())
		return err
	}
	d.logger.Info("daemon up",
		zap.Int("port", d.Port()),
		zap.String("project_root", d.cfg.ProjectRoot),
		zap.String("version", d.version))

	if err := d.watcher.Start(gctx); err != nil {
		d.logger.Warn("watcher failed to start, file changes will not be indexed", zap.Error(err))
	} else {
		g.Go(func() error { d.pumpEvents(gctx); return nil })
	}

	d.processor.Start(gctx)

	if d.relay != nil {
		g.Go(func() error {
			d.relay.Run(gctx)
			return nil
		})
	}

	// The initial index runs in the background; hooks and search are
	// served while it fills the code collection.
	g.Go(func() error { d.initialIndex(gctx); return nil })

	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// awaitListener waits for the HTTP listener to bind.
func (d *Daemon) awaitListener(ctx context.Context) error {
	deadline := time.Now().Add(5 * time.Second)
	for d.server.Port() == 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("http listener did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// initialIndex brings the code collection up to date with the tree.
func (d *Daemon) initialIndex(ctx context.Context) {
	d.status.set(httpapi.StatusIndexing)
	res, err := d.indexer.FullIndex(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("initial index failed", zap.Error(err))
			d.status.set(httpapi.StatusError)
		}
		return
	}
	d.status.set(httpapi.StatusReady)
	d.logger.Info("initial index complete",
		zap.Int("files_indexed", res.FilesIndexed),
		zap.Int("files_skipped", res.FilesSkipped),
		zap.Int("files_failed", res.FilesFailed),
		zap.Int("chunks", res.ChunksIndexed))
}

// pumpEvents feeds watcher events into the indexer.
func (d *Daemon) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if err := d.indexer.HandleEvent(ctx, ev); err != nil && ctx.Err() == nil {
				d.logger.Warn("handling file event failed",
					zap.String("path", ev.Path), zap.Error(err))
			}
		}
	}
}

// shutdown stops components in dependency order.
func (d *Daemon) shutdown() error {
	d.logger.Info("daemon shutting down")
	grace := d.cfg.Daemon.ShutdownTimeout.Duration()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	d.watcher.Close()
	d.processor.Stop()

	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("closing activity store failed", zap.Error(err))
	}
	if d.provider != nil {
		d.provider.Close()
	}
	return nil
}

func (d *Daemon) writePIDFile() error {
	if err := os.MkdirAll(d.cfg.OakDir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(d.cfg.PIDFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (d *Daemon) writePortFile() error {
	return os.WriteFile(d.cfg.PortFilePath(), []byte(strconv.Itoa(d.Port())), 0o644)
}

func (d *Daemon) removeRunFiles() {
	os.Remove(d.cfg.PIDFilePath())
	os.Remove(d.cfg.PortFilePath())
}
