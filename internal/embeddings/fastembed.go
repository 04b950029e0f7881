//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
	"github.com/oaklabs/oakd/internal/config"
	"go.uber.org/zap"
)

// fastEmbedModels maps friendly model names to fastembed constants.
var fastEmbedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

// fastEmbedDimensions maps fastembed models to their output dimension.
var fastEmbedDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGEBaseENV15:  768,
	fastembed.AllMiniLML6V2: 384,
}

// fastEmbedProvider runs a local ONNX embedding model in-process.
type fastEmbedProvider struct {
	model     *fastembed.FlagEmbedding
	dimension int
	window    int
	mu        sync.Mutex
}

func newFastEmbedProvider(cfg config.ProviderConfig, logger *zap.Logger) (*fastEmbedProvider, error) {
	model, ok := fastEmbedModels[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported fastembed model %q", ErrInvalidConfig, cfg.Model)
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		// Zero-value configs that bypassed config.Load; anchor to the
		// state dir layout rather than the working directory.
		cacheDir = filepath.Join(config.OakDirName, "models")
	}

	showProgress := false
	opts := &fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            512,
		ShowDownloadProgress: &showProgress,
	}

	flagEmbed, err := fastembed.NewFlagEmbedding(opts)
	if err != nil {
		return nil, fmt.Errorf("initializing fastembed: %w", err)
	}

	window := cfg.ContextTokens
	if window == 0 {
		window = 512
	}
	return &fastEmbedProvider{
		model:     flagEmbed,
		dimension: fastEmbedDimensions[model],
		window:    window,
	}, nil
}

func (p *fastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	vecs, err := p.model.PassageEmbed(texts, defaultBatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	return vecs, nil
}

func (p *fastEmbedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	vec, err := p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	return vec, nil
}

func (p *fastEmbedProvider) Dimension() int     { return p.dimension }
func (p *fastEmbedProvider) ContextWindow() int { return p.window }
func (p *fastEmbedProvider) Name() string       { return "fastembed" }

func (p *fastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return p.model.Destroy()
	}
	return nil
}
