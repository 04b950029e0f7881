package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oaklabs/oakd/internal/config"
	"go.uber.org/zap"
)

// embedCallTimeout is the per-call deadline for provider requests.
const embedCallTimeout = 30 * time.Second

// ollamaProvider calls the native Ollama /api/embed endpoint.
type ollamaProvider struct {
	baseURL   string
	model     string
	dimension int
	window    int
	batchSize int
	client    *http.Client
	logger    *zap.Logger
}

func newOllamaProvider(cfg config.ProviderConfig, logger *zap.Logger) (*ollamaProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return &ollamaProvider{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		dimension: cfg.Dimensions,
		window:    cfg.ContextTokens,
		batchSize: defaultBatchSize,
		client:    &http.Client{Timeout: embedCallTimeout},
		logger:    logger,
	}, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *ollamaProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	out := make([][]float32, 0, len(texts))
	for _, batch := range batches(texts, p.batchSize) {
		vecs, err := p.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *ollamaProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := p.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *ollamaProvider) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: batch})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return nil, fmt.Errorf("%w: %d texts", ErrBatchTooLarge, len(batch))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderUnreachable, resp.StatusCode, respBody)
	}

	var decoded ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(decoded.Embeddings) != len(batch) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrDimensionMismatch, len(decoded.Embeddings), len(batch))
	}
	if p.dimension > 0 && len(decoded.Embeddings) > 0 && len(decoded.Embeddings[0]) != p.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(decoded.Embeddings[0]), p.dimension)
	}
	return decoded.Embeddings, nil
}

func (p *ollamaProvider) Dimension() int     { return p.dimension }
func (p *ollamaProvider) ContextWindow() int { return p.window }
func (p *ollamaProvider) Name() string       { return "ollama" }
func (p *ollamaProvider) Close() error       { return nil }

func (p *ollamaProvider) setDimension(d int) { p.dimension = d }
