// Package extraction turns raw session activity into durable knowledge:
// observations distilled from completed prompt batches and titles plus
// summaries for ended sessions. A summarization provider does the heavy
// lifting; every path has a heuristic fallback so the daemon degrades
// instead of stalling when no model is reachable.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oaklabs/oakd/internal/config"
	"go.uber.org/zap"
)

// Summarization calls get a longer leash than embeddings.
const completeCallTimeout = 60 * time.Second

// Sentinel errors for summarization providers.
var (
	ErrProviderUnreachable = errors.New("summarization provider unreachable")
	ErrUnknownProvider     = errors.New("unknown summarization provider")
	ErrEmptyPrompt         = errors.New("empty prompt")
)

// Summarizer is the completion capability used for observation
// extraction and session summaries.
type Summarizer interface {
	// Complete returns the model's completion for a single prompt.
	Complete(ctx context.Context, prompt string) (string, error)
	// ContextWindow is the provider's token budget.
	ContextWindow() int
	// Name tags the provider variant for logs.
	Name() string
}

// NewSummarizer builds a summarizer from provider config.
func NewSummarizer(cfg config.ProviderConfig, logger *zap.Logger) (Summarizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "ollama":
		return &ollamaSummarizer{cfg: cfg, client: &http.Client{}, logger: logger}, nil
	case "openai", "lmstudio":
		return &openaiSummarizer{cfg: cfg, client: &http.Client{}, logger: logger}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

type ollamaSummarizer struct {
	cfg    config.ProviderConfig
	client *http.Client
	logger *zap.Logger
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

func (o *ollamaSummarizer) Complete(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	ctx, cancel := context.WithTimeout(ctx, completeCallTimeout)
	defer cancel()

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  o.cfg.Model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(o.cfg.BaseURL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama generate: status %d: %s", resp.StatusCode, b)
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding generate response: %w", err)
	}
	return strings.TrimSpace(out.Response), nil
}

func (o *ollamaSummarizer) ContextWindow() int { return o.cfg.ContextTokens }
func (o *ollamaSummarizer) Name() string       { return "ollama/" + o.cfg.Model }

type openaiSummarizer struct {
	cfg    config.ProviderConfig
	client *http.Client
	logger *zap.Logger
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *openaiSummarizer) Complete(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	ctx, cancel := context.WithTimeout(ctx, completeCallTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:    o.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(o.cfg.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey.IsSet() {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey.Value())
	}

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat completions: status %d: %s", resp.StatusCode, b)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("chat completions: no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (o *openaiSummarizer) ContextWindow() int { return o.cfg.ContextTokens }
func (o *openaiSummarizer) Name() string       { return o.cfg.Provider + "/" + o.cfg.Model }

var (
	_ Summarizer = (*ollamaSummarizer)(nil)
	_ Summarizer = (*openaiSummarizer)(nil)
)
