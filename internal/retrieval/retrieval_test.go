package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/oaklabs/oakd/internal/config"
	"github.com/oaklabs/oakd/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fixedProvider embeds every text to the same unit vector, so scores
// are controlled entirely by what the store holds.
type fixedProvider struct {
	vec []float32
}

func (p *fixedProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = p.vec
	}
	return out, nil
}
func (p *fixedProvider) EmbedQuery(context.Context, string) ([]float32, error) { return p.vec, nil }
func (p *fixedProvider) Dimension() int                                        { return len(p.vec) }
func (p *fixedProvider) ContextWindow() int                                    { return 8192 }
func (p *fixedProvider) Name() string                                          { return "fixed" }
func (p *fixedProvider) Close() error                                          { return nil }

func axis(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

func newEngine(t *testing.T) (*Engine, *vectorstore.Store) {
	t.Helper()
	store, err := vectorstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	cfg := config.RetrievalConfig{
		HighConfidenceThreshold:   0.75,
		MediumConfidenceThreshold: 0.55,
	}
	return NewEngine(&fixedProvider{vec: axis(4, 0)}, store, cfg, zap.NewNop()), store
}

func TestSearchTiersAndOrdering(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, vectorstore.CollectionCode, []vectorstore.Document{
		{ID: "exact", Content: "exact", Embedding: axis(4, 0)},
		{ID: "ortho", Content: "ortho", Embedding: axis(4, 1)},
	}))

	results, err := e.Search(ctx, Query{Text: "anything", Type: SearchCode, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "exact", results[0].ID)
	assert.Equal(t, TierHigh, results[0].Tier)
	assert.Equal(t, TierLow, results[1].Tier)
}

func TestSearchAllMergesCollections(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, vectorstore.CollectionCode, []vectorstore.Document{
		{ID: "c", Content: "code", Embedding: axis(4, 0)},
	}))
	require.NoError(t, store.Add(ctx, vectorstore.CollectionMemory, []vectorstore.Document{
		{ID: "m", Content: "memory", Embedding: axis(4, 0)},
	}))

	results, err := e.Search(ctx, Query{Text: "q", Type: SearchAll, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)

	cols := map[string]bool{}
	for _, r := range results {
		cols[r.Collection] = true
	}
	assert.True(t, cols[vectorstore.CollectionCode])
	assert.True(t, cols[vectorstore.CollectionMemory])
}

func TestArchivedMemoriesHidden(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, vectorstore.CollectionMemory, []vectorstore.Document{
		{ID: "live", Content: "live", Embedding: axis(4, 0), Metadata: map[string]string{"archived": "false"}},
		{ID: "gone", Content: "gone", Embedding: axis(4, 0), Metadata: map[string]string{"archived": "true"}},
	}))

	results, err := e.Search(ctx, Query{Text: "q", Type: SearchMemory, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "live", results[0].ID)
}

func TestEqualScoreTieBreaksOnCreatedAt(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	newer := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, store.Add(ctx, vectorstore.CollectionMemory, []vectorstore.Document{
		{ID: "old", Content: "x", Embedding: axis(4, 0), Metadata: map[string]string{"created_at": older}},
		{ID: "new", Content: "x", Embedding: axis(4, 0), Metadata: map[string]string{"created_at": newer}},
	}))

	results, err := e.Search(ctx, Query{Text: "q", Type: SearchMemory, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "new", results[0].ID)
}

func TestDimensionMismatchPropagates(t *testing.T) {
	e, store := newEngine(t)
	ctx := context.Background()

	// Collection fixed at 8 dims; provider emits 4.
	require.NoError(t, store.Add(ctx, vectorstore.CollectionCode, []vectorstore.Document{
		{ID: "a", Content: "x", Embedding: axis(8, 0)},
	}))

	_, err := e.Search(ctx, Query{Text: "q", Type: SearchCode, Limit: 5})
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestUnknownSearchType(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Search(context.Background(), Query{Text: "q", Type: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownSearchType)
}

func TestFilterByConfidence(t *testing.T) {
	results := []Result{
		{ID: "h", Tier: TierHigh},
		{ID: "m", Tier: TierMedium},
		{ID: "l", Tier: TierLow},
	}

	high := FilterByConfidence(results, TierHigh)
	require.Len(t, high, 1)
	assert.Equal(t, "h", high[0].ID)

	medium := FilterByConfidence(results, TierMedium)
	assert.Len(t, medium, 2)

	assert.Len(t, FilterByConfidence(results, TierLow), 3)
}

func TestBuildRichQuery(t *testing.T) {
	tests := []struct {
		name               string
		filePath, out, prompt string
		want               string
	}{
		{
			name:   "strips read echo and line markers",
			filePath: "internal/server.go",
			out:    "Read 12- func main() {",
			prompt: "fix the handler",
			want:   "internal/server.go func main() { fix the handler",
		},
		{
			name:   "strips json braces",
			out:    `{"command":"ls"}`,
			prompt: "[context] run it",
			want:   `"command":"ls"} context] run it`,
		},
		{
			name: "empty inputs",
			want: "",
		},
		{
			name:     "path only",
			filePath: "a.py",
			want:     "a.py",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildRichQuery(tt.filePath, tt.out, tt.prompt))
		})
	}
}

func TestBuildRichQueryDeterministic(t *testing.T) {
	a := BuildRichQuery("f.go", "Read 1- x", "p")
	b := BuildRichQuery("f.go", "Read 1- x", "p")
	assert.Equal(t, a, b)
}
