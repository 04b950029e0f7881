// Package vectorstore provides the embedded vector index for code chunks,
// memories and plans.
//
// Three logical collections exist: "code", "memory" and "plan". Each maps a
// document id to (embedding, metadata, content) with cosine
// nearest-neighbour search. Persistence is handled by chromem-go under
// <project>/.oak/ci/vector/.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("oakd.vectorstore")

// Collection names. A collection's dimension is fixed on first write;
// switching embedding models requires Reset.
const (
	CollectionCode   = "code"
	CollectionMemory = "memory"
	CollectionPlan   = "plan"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDimensionMismatch is returned when a write or query embedding
	// does not match the collection's fixed dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")
)

// Document is one entry in a collection. The embedding is computed by the
// caller; the store never calls an embedding provider.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// SearchResult is one similarity hit, score in [0,1].
type SearchResult struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]string
}

// Stats summarizes a collection.
type Stats struct {
	Name      string `json:"name"`
	Count     int    `json:"count"`
	Dimension int    `json:"dimension"`
	// SizeBytes approximates in-memory footprint (vectors only).
	SizeBytes int64 `json:"size_bytes"`
}

// Store is the embedded chromem-backed vector store.
type Store struct {
	db     *chromem.DB
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	dims map[string]int // collection -> fixed dimension
}

// New opens (or creates) the vector store at dir.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating vector directory: %w", err)
	}

	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	s := &Store{
		db:     db,
		dir:    dir,
		logger: logger,
		dims:   map[string]int{},
	}
	if err := s.loadDims(); err != nil {
		return nil, err
	}

	logger.Info("vector store opened",
		zap.String("dir", dir),
		zap.Int("collections", len(s.dims)),
	)
	return s, nil
}

// noEmbed is installed as the chromem embedding func. All embeddings are
// supplied by callers, so reaching it is a programming error.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errors.New("vectorstore: embedding must be supplied by caller")
}

// Add upserts documents into a collection; an existing id is replaced.
// The first write fixes the collection dimension.
func (s *Store) Add(ctx context.Context, collection string, docs []Document) error {
	ctx, span := tracer.Start(ctx, "vectorstore.Add")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("documents", len(docs)),
	)

	if len(docs) == 0 {
		return ErrEmptyDocuments
	}
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("%w: document without id", ErrEmptyDocuments)
		}
		if len(d.Embedding) == 0 {
			return fmt.Errorf("%w: document %s has no embedding", ErrEmptyDocuments, d.ID)
		}
	}

	if err := s.checkDimension(collection, len(docs[0].Embedding)); err != nil {
		span.RecordError(err)
		return err
	}

	col, err := s.db.GetOrCreateCollection(collection, nil, noEmbed)
	if err != nil {
		return fmt.Errorf("getting collection %s: %w", collection, err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		chromemDocs[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: d.Embedding,
		}
	}
	if err := col.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		return fmt.Errorf("adding documents to %s: %w", collection, err)
	}

	s.logger.Debug("added documents",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Delete removes documents by id. Missing ids are ignored.
func (s *Store) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col := s.db.GetCollection(collection, noEmbed)
	if col == nil {
		return ErrCollectionNotFound
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting from %s: %w", collection, err)
	}
	return nil
}

// DeleteWhere removes every document whose metadata matches all filter
// entries.
func (s *Store) DeleteWhere(ctx context.Context, collection string, filter map[string]string) error {
	ctx, span := tracer.Start(ctx, "vectorstore.DeleteWhere")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if len(filter) == 0 {
		return errors.New("refusing to delete with empty filter")
	}
	col := s.db.GetCollection(collection, noEmbed)
	if col == nil {
		// Nothing indexed yet; nothing to delete.
		return nil
	}
	if err := col.Delete(ctx, filter, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting from %s: %w", collection, err)
	}
	return nil
}

// Search returns up to k documents nearest to queryEmbedding, highest
// similarity first. filter restricts by exact metadata match; results below
// minScore are dropped.
func (s *Store) Search(ctx context.Context, collection string, queryEmbedding []float32, k int, filter map[string]string, minScore float32) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if err := s.checkQueryDimension(collection, len(queryEmbedding)); err != nil {
		span.RecordError(err)
		return nil, err
	}

	col := s.db.GetCollection(collection, noEmbed)
	if col == nil {
		return []SearchResult{}, nil
	}

	// chromem requires nResults <= document count.
	count := col.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, queryEmbedding, k, filter, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Similarity < minScore {
			continue
		}
		out = append(out, SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		})
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// Stats returns collection statistics.
func (s *Store) Stats(ctx context.Context, collection string) (Stats, error) {
	_, span := tracer.Start(ctx, "vectorstore.Stats")
	defer span.End()

	s.mu.Lock()
	dim := s.dims[collection]
	s.mu.Unlock()

	st := Stats{Name: collection, Dimension: dim}
	if col := s.db.GetCollection(collection, noEmbed); col != nil {
		st.Count = col.Count()
		st.SizeBytes = int64(st.Count) * int64(dim) * 4
	}
	return st, nil
}

// Reset drops a collection and clears its fixed dimension. Required when
// the embedding model (and thus the dimension) changes.
func (s *Store) Reset(ctx context.Context, collection string) error {
	_, span := tracer.Start(ctx, "vectorstore.Reset")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("resetting %s: %w", collection, err)
	}

	s.mu.Lock()
	delete(s.dims, collection)
	err := s.saveDimsLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Info("collection reset", zap.String("collection", collection))
	return nil
}

// Dimension returns the fixed dimension for a collection, 0 if unset.
func (s *Store) Dimension(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims[collection]
}

// checkDimension fixes the collection dimension on first write and rejects
// mismatched writes afterwards.
func (s *Store) checkDimension(collection string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fixed, ok := s.dims[collection]
	if !ok || fixed == 0 {
		s.dims[collection] = dim
		return s.saveDimsLocked()
	}
	if fixed != dim {
		return fmt.Errorf("%w: collection %s holds %d-dim vectors, got %d (reset required)",
			ErrDimensionMismatch, collection, fixed, dim)
	}
	return nil
}

// checkQueryDimension rejects queries whose embedding does not match the
// collection. An unset dimension (empty collection) accepts any query.
func (s *Store) checkQueryDimension(collection string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fixed, ok := s.dims[collection]
	if !ok || fixed == 0 || fixed == dim {
		return nil
	}
	return fmt.Errorf("%w: collection %s holds %d-dim vectors, query has %d (reset required)",
		ErrDimensionMismatch, collection, fixed, dim)
}

// dimsFile persists the per-collection dimensions alongside the chromem
// data, so mismatches are detected across restarts.
func (s *Store) dimsFile() string { return filepath.Join(s.dir, "dimensions.json") }

func (s *Store) loadDims() error {
	data, err := os.ReadFile(s.dimsFile())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading dimensions file: %w", err)
	}
	if err := json.Unmarshal(data, &s.dims); err != nil {
		return fmt.Errorf("parsing dimensions file: %w", err)
	}
	return nil
}

func (s *Store) saveDimsLocked() error {
	data, err := json.Marshal(s.dims)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.dimsFile(), data, 0o644); err != nil {
		return fmt.Errorf("writing dimensions file: %w", err)
	}
	return nil
}

// Close releases the store. chromem persists writes as they happen, so this
// is bookkeeping only.
func (s *Store) Close() error {
	s.logger.Debug("vector store closed")
	return nil
}
