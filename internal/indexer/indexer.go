// Package indexer keeps the code collection in sync with the project
// tree. A full run walks everything under the root; incremental runs
// consume watcher events. Both paths share the same per-file pipeline:
// hash, chunk, embed, replace.
package indexer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/chunker"
	"github.com/oaklabs/oakd/internal/config"
	"github.com/oaklabs/oakd/internal/embeddings"
	"github.com/oaklabs/oakd/internal/ignore"
	"github.com/oaklabs/oakd/internal/vectorstore"
	"github.com/oaklabs/oakd/internal/watcher"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("oakd.indexer")

// Progress is one tick of an index run, published to subscribers.
type Progress struct {
	Processed   int    `json:"processed"`
	Total       int    `json:"total"`
	CurrentFile string `json:"current_file,omitempty"`
	Done        bool   `json:"done"`
}

// Result summarizes a full run.
type Result struct {
	FilesIndexed  int `json:"files_indexed"`
	FilesSkipped  int `json:"files_skipped"`
	FilesFailed   int `json:"files_failed"`
	ChunksIndexed int `json:"chunks_indexed"`
}

// Indexer drives the chunk/embed/store pipeline.
type Indexer struct {
	root     string
	policy   *ignore.Policy
	chunks   chunker.Chunker
	provider embeddings.Provider
	vectors  *vectorstore.Store
	store    *activity.Store
	cfg      config.IndexingConfig
	logger   *zap.Logger

	// fileMu serializes concurrent work on the same path.
	fileMuMu sync.Mutex
	fileMu   map[string]*sync.Mutex

	subMu sync.Mutex
	subs  map[chan Progress]struct{}
}

// New builds an indexer over the given stores.
func New(root string, policy *ignore.Policy, ch chunker.Chunker, provider embeddings.Provider, vectors *vectorstore.Store, store *activity.Store, cfg config.IndexingConfig, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		root:     root,
		policy:   policy,
		chunks:   ch,
		provider: provider,
		vectors:  vectors,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		fileMu:   map[string]*sync.Mutex{},
		subs:     map[chan Progress]struct{}{},
	}
}

// Subscribe registers a progress listener. The returned cancel func
// must be called when done; slow listeners miss ticks rather than
// blocking the run.
func (ix *Indexer) Subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, 64)
	ix.subMu.Lock()
	ix.subs[ch] = struct{}{}
	ix.subMu.Unlock()
	return ch, func() {
		ix.subMu.Lock()
		delete(ix.subs, ch)
		ix.subMu.Unlock()
	}
}

func (ix *Indexer) publish(p Progress) {
	ix.subMu.Lock()
	defer ix.subMu.Unlock()
	for ch := range ix.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// FullIndex walks the project and brings every candidate file up to
// date. Per-file failures are recorded and skipped; only a context
// cancellation aborts the run.
func (ix *Indexer) FullIndex(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "indexer.FullIndex")
	defer span.End()

	candidates, err := ix.enumerate()
	if err != nil {
		return Result{}, fmt.Errorf("enumerating project files: %w", err)
	}

	hashes, err := ix.store.IndexedHashes(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for i, rel := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		ix.publish(Progress{Processed: i, Total: len(candidates), CurrentFile: rel})

		outcome, chunks, err := ix.indexFile(ctx, rel, hashes[rel])
		switch {
		case err != nil:
			res.FilesFailed++
			ix.logger.Warn("indexing failed",
				zap.String("file", rel), zap.Error(err))
		case outcome == outcomeSkipped:
			res.FilesSkipped++
		default:
			res.FilesIndexed++
			res.ChunksIndexed += chunks
		}
	}

	// Files that vanished since the last run.
	current := map[string]bool{}
	for _, rel := range candidates {
		current[rel] = true
	}
	for rel := range hashes {
		if !current[rel] {
			if err := ix.RemoveFile(ctx, rel); err != nil {
				ix.logger.Warn("pruning deleted file failed",
					zap.String("file", rel), zap.Error(err))
			}
		}
	}

	ix.publish(Progress{Processed: len(candidates), Total: len(candidates), Done: true})
	span.SetAttributes(
		attribute.Int("files_indexed", res.FilesIndexed),
		attribute.Int("files_failed", res.FilesFailed),
	)
	ix.logger.Info("full index complete",
		zap.Int("indexed", res.FilesIndexed),
		zap.Int("skipped", res.FilesSkipped),
		zap.Int("failed", res.FilesFailed),
		zap.Int("chunks", res.ChunksIndexed),
	)
	return res, nil
}

// Rebuild drops the code collection and the indexed-file records, then
// reindexes from scratch. Used when the user forces a full reindex or
// after an embedding dimension change.
func (ix *Indexer) Rebuild(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "indexer.Rebuild")
	defer span.End()

	if err := ix.vectors.Reset(ctx, vectorstore.CollectionCode); err != nil {
		return Result{}, fmt.Errorf("resetting code collection: %w", err)
	}
	files, err := ix.store.ListIndexedFiles(ctx)
	if err != nil {
		return Result{}, err
	}
	for _, f := range files {
		if err := ix.store.DeleteIndexedFile(ctx, f.Filepath); err != nil {
			return Result{}, err
		}
	}
	return ix.FullIndex(ctx)
}

// HandleEvent applies one watcher event. Rename is delete old + index
// new.
func (ix *Indexer) HandleEvent(ctx context.Context, ev watcher.Event) error {
	ctx, span := tracer.Start(ctx, "indexer.HandleEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("op", string(ev.Op)),
		attribute.String("path", ev.Path),
	)

	switch ev.Op {
	case watcher.Deleted:
		return ix.RemoveFile(ctx, ev.Path)
	case watcher.Renamed:
		if ev.OldPath != "" {
			if err := ix.RemoveFile(ctx, ev.OldPath); err != nil {
				return err
			}
		}
		return ix.IndexFile(ctx, ev.Path)
	default:
		return ix.IndexFile(ctx, ev.Path)
	}
}

// IndexFile indexes one file unconditionally of watcher state, still
// honoring the content-hash skip. Failures are recorded on the file
// row and returned.
func (ix *Indexer) IndexFile(ctx context.Context, rel string) error {
	prior := ""
	if f, err := ix.store.GetIndexedFile(ctx, rel); err == nil {
		prior = f.ContentHash
	}
	_, _, err := ix.indexFile(ctx, rel, prior)
	return err
}

type outcome int

const (
	outcomeIndexed outcome = iota
	outcomeSkipped
)

func (ix *Indexer) indexFile(ctx context.Context, rel, priorHash string) (outcome, int, error) {
	mu := ix.lockFor(rel)
	mu.Lock()
	defer mu.Unlock()

	abs := filepath.Join(ix.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with a delete.
			return outcomeSkipped, 0, ix.RemoveFile(ctx, rel)
		}
		return outcomeSkipped, 0, ix.fail(ctx, rel, err)
	}

	if info.Size() > ix.cfg.MaxFileSize {
		return outcomeSkipped, 0, nil
	}
	if info.Size() == 0 && ix.cfg.SkipEmptyFiles() {
		return outcomeSkipped, 0, nil
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return outcomeSkipped, 0, ix.fail(ctx, rel, err)
	}
	if isBinary(content) {
		return outcomeSkipped, 0, nil
	}

	hash := chunker.HashBytes(content)
	if hash == priorHash {
		return outcomeSkipped, 0, nil
	}

	chunks, err := ix.chunks.ChunkFile(rel, content)
	if err != nil {
		return outcomeSkipped, 0, ix.fail(ctx, rel, err)
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vecs, err := ix.provider.EmbedDocuments(ctx, texts)
		if err != nil {
			return outcomeSkipped, 0, ix.fail(ctx, rel, err)
		}

		docs := make([]vectorstore.Document, len(chunks))
		for i, c := range chunks {
			docs[i] = vectorstore.Document{
				ID:        chunkID(rel, c),
				Content:   c.Content,
				Embedding: vecs[i],
				Metadata:  chunkMetadata(rel, hash, c),
			}
		}

		// Replace wholesale so stale chunks never linger.
		if err := ix.vectors.DeleteWhere(ctx, vectorstore.CollectionCode, map[string]string{"filepath": rel}); err != nil {
			return outcomeSkipped, 0, ix.fail(ctx, rel, err)
		}
		if err := ix.vectors.Add(ctx, vectorstore.CollectionCode, docs); err != nil {
			return outcomeSkipped, 0, ix.fail(ctx, rel, err)
		}
	} else {
		if err := ix.vectors.DeleteWhere(ctx, vectorstore.CollectionCode, map[string]string{"filepath": rel}); err != nil {
			return outcomeSkipped, 0, ix.fail(ctx, rel, err)
		}
	}

	if err := ix.store.UpsertIndexedFile(ctx, rel, hash, info.ModTime(), len(chunks)); err != nil {
		return outcomeSkipped, 0, err
	}
	return outcomeIndexed, len(chunks), nil
}

// RemoveFile drops a file's chunks and its index row.
func (ix *Indexer) RemoveFile(ctx context.Context, rel string) error {
	mu := ix.lockFor(rel)
	mu.Lock()
	defer mu.Unlock()

	if err := ix.vectors.DeleteWhere(ctx, vectorstore.CollectionCode, map[string]string{"filepath": rel}); err != nil {
		return err
	}
	return ix.store.DeleteIndexedFile(ctx, rel)
}

// fail records the error on the file row before returning it.
func (ix *Indexer) fail(ctx context.Context, rel string, err error) error {
	if serr := ix.store.SetFileError(ctx, rel, err.Error()); serr != nil {
		ix.logger.Warn("recording file error failed",
			zap.String("file", rel), zap.Error(serr))
	}
	return err
}

func (ix *Indexer) lockFor(rel string) *sync.Mutex {
	ix.fileMuMu.Lock()
	defer ix.fileMuMu.Unlock()
	mu, ok := ix.fileMu[rel]
	if !ok {
		mu = &sync.Mutex{}
		ix.fileMu[rel] = mu
	}
	return mu
}

// enumerate lists candidate files relative to the root, in walk order.
func (ix *Indexer) enumerate() ([]string, error) {
	var out []string
	err := filepath.WalkDir(ix.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(ix.root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && ix.policy.ExcludedDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if ix.policy.Include(rel) {
			out = append(out, rel)
		}
		return nil
	})
	return out, err
}

func chunkID(rel string, c chunker.Chunk) string {
	return rel + ":" + strconv.Itoa(c.StartLine) + "-" + strconv.Itoa(c.EndLine)
}

func chunkMetadata(rel, hash string, c chunker.Chunk) map[string]string {
	md := map[string]string{
		"filepath":     rel,
		"start_line":   strconv.Itoa(c.StartLine),
		"end_line":     strconv.Itoa(c.EndLine),
		"content_hash": hash,
	}
	if c.Symbol != "" {
		md["symbol"] = c.Symbol
	}
	return md
}

// isBinary treats a NUL byte in the first 8KB as binary.
func isBinary(content []byte) bool {
	probe := content
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
