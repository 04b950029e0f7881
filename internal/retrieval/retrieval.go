// Package retrieval is the unified query interface over the vector
// collections. It embeds the query once, fans out to the requested
// collections, merges by score and buckets results into confidence
// tiers.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oaklabs/oakd/internal/config"
	"github.com/oaklabs/oakd/internal/embeddings"
	"github.com/oaklabs/oakd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("oakd.retrieval")

// SearchType selects which collections a query touches.
type SearchType string

const (
	SearchCode   SearchType = "code"
	SearchMemory SearchType = "memory"
	SearchPlan   SearchType = "plan"
	SearchAll    SearchType = "all"
)

// Tier buckets cosine similarity by the configured thresholds.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// rank orders tiers for FilterByConfidence.
func (t Tier) rank() int {
	switch t {
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	default:
		return 0
	}
}

// ErrUnknownSearchType is returned for a search type outside the enum.
var ErrUnknownSearchType = errors.New("unknown search type")

// Query is one retrieval request.
type Query struct {
	Text    string
	Type    SearchType
	Limit   int
	Filters map[string]string
}

// Result is one ranked hit with its source collection and tier.
type Result struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Content    string            `json:"content"`
	Score      float32           `json:"score"`
	Tier       Tier              `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Engine runs retrieval against the vector store using a single
// embedding provider.
type Engine struct {
	provider embeddings.Provider
	store    *vectorstore.Store
	cfg      config.RetrievalConfig
	logger   *zap.Logger
}

// NewEngine builds a retrieval engine.
func NewEngine(provider embeddings.Provider, store *vectorstore.Store, cfg config.RetrievalConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{provider: provider, store: store, cfg: cfg, logger: logger}
}

const defaultLimit = 10

// Search embeds q.Text once and queries the requested collections,
// merged best-first. Archived memories never surface. A dimension
// mismatch between the provider and a collection propagates as
// vectorstore.ErrDimensionMismatch.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("search_type", string(q.Type)),
		attribute.Int("limit", q.Limit),
	)

	if q.Text == "" {
		return []Result{}, nil
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}

	collections, err := collectionsFor(q.Type)
	if err != nil {
		return nil, err
	}

	embedding, err := e.provider.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var merged []Result
	for _, col := range collections {
		hits, err := e.store.Search(ctx, col, embedding, q.Limit, q.Filters, 0)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		for _, h := range hits {
			if h.Metadata["archived"] == "true" {
				continue
			}
			merged = append(merged, Result{
				ID:         h.ID,
				Collection: col,
				Content:    h.Content,
				Score:      h.Score,
				Tier:       e.TierFor(h.Score),
				Metadata:   h.Metadata,
			})
		}
	}

	sortResults(merged)
	if len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}

	e.logger.Debug("search complete",
		zap.String("search_type", string(q.Type)),
		zap.Int("results", len(merged)),
	)
	return merged, nil
}

// TierFor maps similarity to a confidence tier.
func (e *Engine) TierFor(score float32) Tier {
	switch {
	case score >= float32(e.cfg.HighConfidenceThreshold):
		return TierHigh
	case score >= float32(e.cfg.MediumConfidenceThreshold):
		return TierMedium
	default:
		return TierLow
	}
}

// FilterByConfidence keeps results at or above min.
func FilterByConfidence(results []Result, min Tier) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Tier.rank() >= min.rank() {
			out = append(out, r)
		}
	}
	return out
}

func collectionsFor(t SearchType) ([]string, error) {
	switch t {
	case SearchCode:
		return []string{vectorstore.CollectionCode}, nil
	case SearchMemory:
		return []string{vectorstore.CollectionMemory}, nil
	case SearchPlan:
		return []string{vectorstore.CollectionPlan}, nil
	case SearchAll, "":
		return []string{
			vectorstore.CollectionCode,
			vectorstore.CollectionMemory,
			vectorstore.CollectionPlan,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSearchType, t)
	}
}

// sortResults orders by score descending, then created_at descending
// for equal scores.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return createdAt(results[i]).After(createdAt(results[j]))
	})
}

func createdAt(r Result) time.Time {
	ts, err := time.Parse(time.RFC3339, r.Metadata["created_at"])
	if err != nil {
		return time.Time{}
	}
	return ts
}
