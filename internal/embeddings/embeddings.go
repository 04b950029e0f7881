// Package embeddings provides text embedding via pluggable providers.
//
// Providers: ollama, openai (any OpenAI-compatible endpoint), lmstudio
// (OpenAI-compatible wire format) and fastembed (local ONNX, cgo builds
// only). Providers batch internally to their context budget and surface one
// error per failed batch.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/oaklabs/oakd/internal/config"
	"go.uber.org/zap"
)

// Sentinel errors for embedding operations.
var (
	// ErrProviderUnreachable indicates the provider endpoint did not answer.
	ErrProviderUnreachable = errors.New("embedding provider unreachable")

	// ErrDimensionMismatch indicates the provider returned vectors of an
	// unexpected dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrBatchTooLarge indicates a batch exceeded the provider's context budget.
	ErrBatchTooLarge = errors.New("embedding batch too large")

	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid embedding configuration")
)

// defaultBatchSize bounds how many texts go to the provider per request.
const defaultBatchSize = 32

// Provider is the text-to-vector contract.
type Provider interface {
	// EmbedDocuments generates embeddings for multiple texts, batching
	// internally. One vector per input, in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension, discovering it from the
	// provider if not configured.
	Dimension() int

	// ContextWindow returns the provider's input token budget.
	ContextWindow() int

	// Name returns the provider variant tag for observability.
	Name() string

	// Close releases resources held by the provider.
	Close() error
}

// NewProvider creates an embedding provider from configuration.
//
// When cfg.Dimensions is zero, the dimension is discovered by embedding a
// probe string at construction time; a provider that cannot be reached at
// startup is reported as ErrProviderUnreachable.
func NewProvider(ctx context.Context, cfg config.ProviderConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "ollama":
		p, err = newOllamaProvider(cfg, logger)
	case "openai", "lmstudio":
		// LM Studio speaks the OpenAI embeddings wire format.
		p, err = newOpenAIProvider(cfg, logger)
	case "fastembed":
		p, err = newFastEmbedProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Dimensions == 0 {
		if err := discoverDimension(ctx, p); err != nil {
			p.Close()
			return nil, err
		}
	}

	logger.Info("embedding provider ready",
		zap.String("provider", p.Name()),
		zap.String("model", cfg.Model),
		zap.Int("dimensions", p.Dimension()),
	)
	return p, nil
}

// dimensionSetter is implemented by providers whose dimension is discovered
// rather than configured.
type dimensionSetter interface {
	setDimension(int)
}

// discoverDimension probes the provider with a short embed call and records
// the returned vector length.
func discoverDimension(ctx context.Context, p Provider) error {
	setter, ok := p.(dimensionSetter)
	if !ok || p.Dimension() > 0 {
		return nil
	}
	vec, err := p.EmbedQuery(ctx, "dimension probe")
	if err != nil {
		return fmt.Errorf("discovering dimension: %w", err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: provider returned empty vector", ErrDimensionMismatch)
	}
	setter.setDimension(len(vec))
	return nil
}

// batches splits texts into provider-sized groups preserving order.
func batches(texts []string, size int) [][]string {
	if size <= 0 {
		size = defaultBatchSize
	}
	var out [][]string
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		out = append(out, texts[start:end])
	}
	return out
}
