package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubBackend struct {
	results    []retrieval.Result
	plans      []activity.PromptBatch
	memories   []activity.Observation
	remembered *activity.Observation
	err        error
}

func (b *stubBackend) Search(context.Context, string, string, int) ([]retrieval.Result, error) {
	return b.results, b.err
}

func (b *stubBackend) Remember(_ context.Context, obs activity.Observation) (*activity.Observation, error) {
	if b.err != nil {
		return nil, b.err
	}
	obs.ID = 7
	obs.CreatedAt = time.Now().UTC()
	b.remembered = &obs
	return &obs, nil
}

func (b *stubBackend) Plans(context.Context, string, int) ([]activity.PromptBatch, error) {
	return b.plans, b.err
}

func (b *stubBackend) Memories(context.Context, activity.ObservationFilter) ([]activity.Observation, error) {
	return b.memories, b.err
}

func newTestServer(t *testing.T, backend Backend, root string) *Server {
	t.Helper()
	s, err := NewServer(backend, root, "test", zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestSearchToolMapsResults(t *testing.T) {
	backend := &stubBackend{results: []retrieval.Result{
		{
			ID:         "main.go:1-10",
			Collection: "code",
			Content:    "func main() {}",
			Score:      0.91,
			Tier:       retrieval.TierHigh,
			Metadata:   map[string]string{"filepath": "main.go", "start_line": "1", "end_line": "10"},
		},
		{ID: "obs-3", Collection: "memory", Content: "uses sqlite", Score: 0.6, Tier: retrieval.TierMedium},
	}}
	s := newTestServer(t, backend, t.TempDir())

	res, out, err := s.oakSearch(context.Background(), nil, searchInput{Query: "main entry"})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "high", out.Results[0].Confidence)
	assert.Equal(t, "code", out.Results[0].Collection)

	require.Len(t, res.Content, 1)
	text := res.Content[0].(*sdk.TextContent).Text
	assert.Contains(t, text, "main.go (L1-10)")
	assert.Contains(t, text, "[memory 0.60]")
}

func TestSearchToolRequiresQuery(t *testing.T) {
	s := newTestServer(t, &stubBackend{}, t.TempDir())
	_, _, err := s.oakSearch(context.Background(), nil, searchInput{Query: "  "})
	assert.Error(t, err)
}

func TestFetchToolLineRange(t *testing.T) {
	root := t.TempDir()
	content := "one\ntwo\nthree\nfour\nfive"
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "x.go"), []byte(content), 0o644))
	s := newTestServer(t, &stubBackend{}, root)

	_, out, err := s.oakFetch(context.Background(), nil, fetchInput{Path: "pkg/x.go", Start: 2, End: 4})
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\nfour", out.Content)
	assert.Equal(t, 2, out.StartLine)
	assert.Equal(t, 4, out.EndLine)

	// No range returns the whole file.
	_, out, err = s.oakFetch(context.Background(), nil, fetchInput{Path: "pkg/x.go"})
	require.NoError(t, err)
	assert.Equal(t, content, out.Content)
	assert.Equal(t, 5, out.EndLine)
}

func TestFetchToolRejectsEscapes(t *testing.T) {
	s := newTestServer(t, &stubBackend{}, t.TempDir())

	_, _, err := s.oakFetch(context.Background(), nil, fetchInput{Path: "../../etc/passwd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes project root")

	_, _, err = s.oakFetch(context.Background(), nil, fetchInput{Path: "missing.go"})
	assert.Error(t, err)
}

func TestRememberToolTagsManual(t *testing.T) {
	backend := &stubBackend{}
	s := newTestServer(t, backend, t.TempDir())

	_, out, err := s.oakRemember(context.Background(), nil, rememberInput{
		Observation: "migrations are embedded",
		Type:        "decision",
		Tags:        []string{"migrations"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), out.ID)

	var tags []string
	require.NoError(t, json.Unmarshal([]byte(backend.remembered.Tags), &tags))
	assert.ElementsMatch(t, []string{"migrations", "manual"}, tags)

	// An explicit manual tag is not duplicated.
	_, _, err = s.oakRemember(context.Background(), nil, rememberInput{
		Observation: "x", Tags: []string{"manual"},
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(backend.remembered.Tags), &tags))
	assert.Equal(t, []string{"manual"}, tags)
}

func TestPlansToolMapsBatches(t *testing.T) {
	fp := "plans/refactor.md"
	plan := "1. do it"
	backend := &stubBackend{plans: []activity.PromptBatch{{
		ID: 3, SessionID: "sess-1", UserPrompt: "plan the refactor",
		StartedAt: time.Now(), PlanFilePath: &fp, PlanContent: &plan,
	}}}
	s := newTestServer(t, backend, t.TempDir())

	_, out, err := s.oakPlans(context.Background(), nil, plansInput{})
	require.NoError(t, err)
	require.Len(t, out.Plans, 1)
	assert.Equal(t, int64(3), out.Plans[0].BatchID)
	assert.Equal(t, fp, out.Plans[0].FilePath)
	assert.Equal(t, plan, out.Plans[0].Content)
}

func TestMemoriesToolValidatesSince(t *testing.T) {
	s := newTestServer(t, &stubBackend{}, t.TempDir())
	_, _, err := s.oakMemories(context.Background(), nil, memoriesInput{Since: "notadate"})
	assert.Error(t, err)
}

func TestDaemonBackendRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ready","version":"test"}`)
	})
	mux.HandleFunc("GET /api/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "auth flow", r.URL.Query().Get("q"))
		fmt.Fprint(w, `{"results":[{"id":"a.go:1-4","collection":"code","content":"x","score":0.8,"confidence":"high"}]}`)
	})
	mux.HandleFunc("POST /api/search/memories", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "remember me", body["observation"])
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"memory":{"id":12,"type":"discovery","observation":"remember me","tags":"[]"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewDaemonBackend(srv.URL)
	ctx := context.Background()

	require.NoError(t, b.Probe(ctx))

	results, err := b.Search(ctx, "auth flow", "", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, retrieval.TierHigh, results[0].Tier)

	saved, err := b.Remember(ctx, activity.Observation{Observation: "remember me", Tags: "[]"})
	require.NoError(t, err)
	assert.Equal(t, int64(12), saved.ID)
}

func TestDaemonBackendSurfacesAPIErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/search", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":{"code":"dimension_mismatch","message":"collection dimension differs"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewDaemonBackend(srv.URL)
	_, err := b.Search(context.Background(), "q", "", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension_mismatch")
	assert.Contains(t, err.Error(), "collection dimension differs")
}

func TestProbeFailsWhenDaemonDown(t *testing.T) {
	b := NewDaemonBackend("http://127.0.0.1:1")
	err := b.Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oak start")
}
