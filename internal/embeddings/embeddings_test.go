package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oaklabs/oakd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeOllama answers /api/embed with fixed-dimension vectors.
func fakeOllama(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		vecs := make([][]float32, len(req.Input))
		for i := range vecs {
			vecs[i] = make([]float32, dim)
			vecs[i][0] = float32(i + 1)
		}
		require.NoError(t, json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: vecs}))
	}))
}

func TestOllamaEmbedDocuments(t *testing.T) {
	srv := fakeOllama(t, 8)
	defer srv.Close()

	p, err := NewProvider(context.Background(), config.ProviderConfig{
		Provider: "ollama",
		BaseURL:  srv.URL,
		Model:    "nomic-embed-text",
	}, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	// Dimension discovered by probe.
	assert.Equal(t, 8, p.Dimension())

	vecs, err := p.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Len(t, vecs[0], 8)
}

func TestOllamaUnreachable(t *testing.T) {
	p, err := newOllamaProvider(config.ProviderConfig{
		Provider: "ollama",
		BaseURL:  "http://127.0.0.1:1", // nothing listens here
		Model:    "nomic-embed-text",
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = p.EmbedQuery(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrProviderUnreachable)
}

func TestOpenAIEmbedOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)

		var req openaiEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Answer in reverse order; the client must re-sort by index.
		var resp openaiEmbedResponse
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(i), 0, 0, 0}})
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	p, err := newOpenAIProvider(config.ProviderConfig{
		Provider:   "openai",
		BaseURL:    srv.URL,
		Model:      "text-embedding-3-small",
		Dimensions: 4,
	}, zap.NewNop())
	require.NoError(t, err)

	vecs, err := p.EmbedDocuments(context.Background(), []string{"x", "y", "z"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(0), vecs[0][0])
	assert.Equal(t, float32(2), vecs[2][0])
}

func TestDimensionMismatchSurfaces(t *testing.T) {
	srv := fakeOllama(t, 16)
	defer srv.Close()

	p, err := newOllamaProvider(config.ProviderConfig{
		Provider:   "ollama",
		BaseURL:    srv.URL,
		Model:      "nomic-embed-text",
		Dimensions: 384,
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = p.EmbedQuery(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestEmptyInputRejected(t *testing.T) {
	p, err := newOllamaProvider(config.ProviderConfig{
		Provider: "ollama", BaseURL: "http://localhost:11434", Model: "m",
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestBatches(t *testing.T) {
	texts := []string{"a", "b", "c", "d", "e"}
	got := batches(texts, 2)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b"}, got[0])
	assert.Equal(t, []string{"e"}, got[2])
}
