package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/oaklabs/oakd/internal/config"
	"go.uber.org/zap"
)

// openaiProvider calls any OpenAI-compatible /v1/embeddings endpoint.
// LM Studio serves the same wire format, so the lmstudio variant reuses it.
type openaiProvider struct {
	baseURL   string
	model     string
	apiKey    string
	variant   string
	dimension int
	window    int
	batchSize int
	client    *http.Client
	logger    *zap.Logger
}

func newOpenAIProvider(cfg config.ProviderConfig, logger *zap.Logger) (*openaiProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return &openaiProvider{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		model:     cfg.Model,
		apiKey:    cfg.APIKey.Value(),
		variant:   cfg.Provider,
		dimension: cfg.Dimensions,
		window:    cfg.ContextTokens,
		batchSize: defaultBatchSize,
		client:    &http.Client{Timeout: embedCallTimeout},
		logger:    logger,
	}, nil
}

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *openaiProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
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

func (p *openaiProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := p.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *openaiProvider) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	body, err := json.Marshal(openaiEmbedRequest{Model: p.model, Input: batch})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

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

	var decoded openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrDimensionMismatch, len(decoded.Data), len(batch))
	}

	// The API may return entries out of order; index is authoritative.
	sort.Slice(decoded.Data, func(i, j int) bool { return decoded.Data[i].Index < decoded.Data[j].Index })

	vecs := make([][]float32, len(decoded.Data))
	for i, d := range decoded.Data {
		if p.dimension > 0 && len(d.Embedding) != p.dimension {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(d.Embedding), p.dimension)
		}
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func (p *openaiProvider) Dimension() int     { return p.dimension }
func (p *openaiProvider) ContextWindow() int { return p.window }
func (p *openaiProvider) Name() string       { return p.variant }
func (p *openaiProvider) Close() error       { return nil }

func (p *openaiProvider) setDimension(d int) { p.dimension = d }
