package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/chunker"
	"github.com/oaklabs/oakd/internal/config"
	"github.com/oaklabs/oakd/internal/hooks"
	"github.com/oaklabs/oakd/internal/ignore"
	"github.com/oaklabs/oakd/internal/indexer"
	"github.com/oaklabs/oakd/internal/retrieval"
	"github.com/oaklabs/oakd/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedProvider struct{ vec []float32 }

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

type fixture struct {
	srv     *Server
	store   *activity.Store
	vectors *vectorstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := activity.Open(filepath.Join(t.TempDir(), "activities.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	vectors, err := vectorstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	cfg := &config.Config{ProjectRoot: t.TempDir()}
	cfg.Retrieval.HighConfidenceThreshold = 0.75
	cfg.Retrieval.MediumConfidenceThreshold = 0.55

	engine := retrieval.NewEngine(&fixedProvider{vec: []float32{1, 0, 0, 0}}, vectors,
		cfg.Retrieval, zap.NewNop())
	injector := hooks.NewInjector(engine, store, zap.NewNop())

	srv, err := NewServer(Deps{
		Config:   cfg,
		Store:    store,
		Vectors:  vectors,
		Engine:   engine,
		Injector: injector,
		Version:  "test",
	}, zap.NewNop())
	require.NoError(t, err)

	return &fixture{srv: srv, store: store, vectors: vectors}
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set(echoHeaderContentType, "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestSessionStartAndPrompt(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/api/oak/ci/session-start", map[string]any{
		"agent": "claude", "session_id": "s1", "hook_event_name": "SessionStart",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	rec = f.post(t, "/api/oak/ci/prompt-submit", map[string]any{
		"session_id": "s1", "prompt": "add dark mode",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := f.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, activity.SessionActive, sess.Status)
	assert.Equal(t, 1, sess.PromptCount)
}

func TestPromptInjectsHighConfidenceChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.vectors.Add(ctx, vectorstore.CollectionCode, []vectorstore.Document{{
		ID: "theme.go:1-5", Content: "var palette = dark()",
		Embedding: []float32{1, 0, 0, 0},
		Metadata:  map[string]string{"filepath": "theme.go", "start_line": "1", "end_line": "5"},
	}}))

	f.post(t, "/api/oak/ci/session-start", map[string]any{"session_id": "s1", "agent": "claude"})
	rec := f.post(t, "/api/oak/ci/prompt-submit", map[string]any{
		"session_id": "s1", "prompt": "add dark mode",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp hooks.Response
	decode(t, rec, &resp)
	assert.Contains(t, resp.AdditionalContext, "**theme.go** (L1-5)")
	assert.Contains(t, resp.AdditionalContext, "var palette = dark()")
}

func TestToolFailureRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.post(t, "/api/oak/ci/session-start", map[string]any{"session_id": "s1", "agent": "claude"})
	f.post(t, "/api/oak/ci/prompt-submit", map[string]any{"session_id": "s1", "prompt": "x"})

	rec := f.post(t, "/api/oak/ci/post-tool-use-failure", map[string]any{
		"session_id": "s1", "tool_name": "Read", "tool_use_id": "tu-9",
		"tool_input": map[string]string{"file_path": "/x"}, "error_message": "ENOENT",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, f.store.Flush(ctx))

	batch, err := f.store.CurrentBatch(ctx, "s1")
	require.NoError(t, err)
	acts, err := f.store.ListActivities(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.False(t, acts[0].Success)
	assert.Equal(t, "ENOENT", acts[0].ErrorMessage)
	assert.Equal(t, "/x", acts[0].FilePath)
}

func TestDuplicateToolUseDeduped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.post(t, "/api/oak/ci/session-start", map[string]any{"session_id": "s1", "agent": "claude"})
	f.post(t, "/api/oak/ci/prompt-submit", map[string]any{"session_id": "s1", "prompt": "x"})

	payload := map[string]any{
		"session_id": "s1", "tool_name": "Bash", "tool_use_id": "tu-1",
		"tool_input": map[string]string{"command": "ls"},
	}
	f.post(t, "/api/oak/ci/post-tool-use", payload)
	f.post(t, "/api/oak/ci/post-tool-use", payload)
	require.NoError(t, f.store.Flush(ctx))

	batch, err := f.store.CurrentBatch(ctx, "s1")
	require.NoError(t, err)
	acts, err := f.store.ListActivities(ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, acts, 1)
}

func TestToolUseBeforePromptOpensImplicitBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.post(t, "/api/oak/ci/post-tool-use", map[string]any{
		"session_id": "orphan", "tool_name": "Bash",
		"tool_input": map[string]string{"command": "ls"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, f.store.Flush(ctx))

	batch, err := f.store.CurrentBatch(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, activity.SourceAgentNotification, batch.SourceType)
}

func TestHookNeverFailsOutward(t *testing.T) {
	f := newFixture(t)

	// Ending a session that does not exist is an internal error; the
	// agent still gets 200 {}.
	rec := f.post(t, "/api/oak/ci/session-end", map[string]any{"session_id": "ghost"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestSubagentStopStoresTranscriptPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.post(t, "/api/oak/ci/session-start", map[string]any{"session_id": "s1", "agent": "claude"})
	f.post(t, "/api/oak/ci/prompt-submit", map[string]any{"session_id": "s1", "prompt": "x"})
	f.post(t, "/api/oak/ci/subagent-stop", map[string]any{
		"session_id": "s1", "agent_type": "explorer", "agent_id": "a1",
		"agent_transcript_path": "/tmp/tr.json",
	})
	require.NoError(t, f.store.Flush(ctx))

	batch, err := f.store.CurrentBatch(ctx, "s1")
	require.NoError(t, err)
	acts, err := f.store.ListActivities(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, "subagent_stop", acts[0].ToolName)
	assert.Contains(t, acts[0].ToolInput, "/tmp/tr.json")
}

func TestSessionCRUD(t *testing.T) {
	f := newFixture(t)

	f.post(t, "/api/oak/ci/session-start", map[string]any{"session_id": "s1", "agent": "claude"})

	rec := f.get(t, "/api/activity/sessions?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []activity.Session `json:"sessions"`
		Total    int                `json:"total"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Total)

	rec = f.get(t, "/api/activity/sessions/s1")
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodDelete, "/api/activity/sessions/s1", nil)
	del := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(del, req)
	require.Equal(t, http.StatusNoContent, del.Code)

	rec = f.get(t, "/api/activity/sessions/s1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnifiedSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.vectors.Add(ctx, vectorstore.CollectionCode, []vectorstore.Document{{
		ID: "a.go:1-3", Content: "func A() {}", Embedding: []float32{1, 0, 0, 0},
		Metadata: map[string]string{"filepath": "a.go"},
	}}))

	rec := f.get(t, "/api/search?q=anything&search_type=code&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []retrieval.Result `json:"results"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Results, 1)
	assert.Equal(t, retrieval.TierHigh, body.Results[0].Tier)

	rec = f.get(t, "/api/search?q=x&search_type=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.get(t, "/api/search")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemoriesAPI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o1, err := f.store.AddObservation(ctx, activity.Observation{
		Type: activity.ObsGotcha, Observation: "careful", Tags: `["infra"]`,
	})
	require.NoError(t, err)
	_, err = f.store.AddObservation(ctx, activity.Observation{
		Type: activity.ObsDecision, Observation: "chose sqlite",
	})
	require.NoError(t, err)

	rec := f.get(t, "/api/search/memories?type=gotcha")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Memories []activity.Observation `json:"memories"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Memories, 1)
	assert.Equal(t, "careful", body.Memories[0].Observation)

	rec = f.post(t, "/api/search/memories/bulk", bulkMemoryRequest{
		Action: "archive", IDs: []int64{o1.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	archived := true
	obs, err := f.store.ListObservations(ctx, activity.ObservationFilter{Archived: &archived})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, o1.ID, obs[0].ID)
}

func TestBackupRoundTripOverHTTP(t *testing.T) {
	f := newFixture(t)

	f.post(t, "/api/oak/ci/session-start", map[string]any{"session_id": "s1", "agent": "claude"})
	f.post(t, "/api/oak/ci/prompt-submit", map[string]any{"session_id": "s1", "prompt": "hello"})

	rec := f.post(t, "/api/backup/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dump := rec.Body.String()
	assert.True(t, strings.Contains(dump, "INSERT INTO sessions"))

	other := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/backup/import", strings.NewReader(dump))
	imp := httptest.NewRecorder()
	other.srv.Handler().ServeHTTP(imp, req)
	require.Equal(t, http.StatusOK, imp.Code)

	sess, err := other.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.PromptCount)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/api/health")

	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "oakd_http_requests_total")
}

func TestGetConfigRedactsSecrets(t *testing.T) {
	f := newFixture(t)
	f.srv.deps.Config.Relay.RelayToken = config.Secret("super-secret")

	rec := f.get(t, "/api/config")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret")
	assert.Contains(t, rec.Body.String(), "[REDACTED]")
}

func TestIndexEndpoint(t *testing.T) {
	f := newFixture(t)

	// Without an indexer wired the endpoint reports unavailability.
	rec := f.post(t, "/api/index", map[string]any{})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"),
		[]byte("package main\n\nfunc main() {}\n"), 0o644))
	policy, err := ignore.NewPolicy(root, nil, nil)
	require.NoError(t, err)
	f.srv.deps.Indexer = indexer.New(root, policy, chunker.NewTreeSitterChunker(),
		&fixedProvider{vec: []float32{1, 0, 0, 0}}, f.vectors, f.store,
		config.IndexingConfig{MaxFileSize: 1 << 20}, zap.NewNop())

	rec = f.post(t, "/api/index", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	var res struct {
		Full         bool `json:"full"`
		FilesIndexed int  `json:"files_indexed"`
		FilesSkipped int  `json:"files_skipped"`
	}
	decode(t, rec, &res)
	assert.False(t, res.Full)
	assert.Equal(t, 1, res.FilesIndexed)

	// Incremental run skips unchanged files, a full run does not.
	rec = f.post(t, "/api/index", map[string]any{"full": false})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.Equal(t, 1, res.FilesSkipped)

	rec = f.post(t, "/api/index", map[string]any{"full": true})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.True(t, res.Full)
	assert.Equal(t, 1, res.FilesIndexed)
	assert.Zero(t, res.FilesSkipped)
}

func TestDeletePlanClearsEmbeddedFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.StartSession(ctx, "s1", "claude", "/p")
	require.NoError(t, err)
	b, err := f.store.BeginPromptBatch(ctx, "s1", "plan the migration", activity.SourcePlan)
	require.NoError(t, err)
	require.NoError(t, f.store.AttachPlan(ctx, b.ID, "plans/migration.md", "# Plan"))

	require.NoError(t, f.vectors.Add(ctx, vectorstore.CollectionPlan, []vectorstore.Document{{
		ID: planDocID(b.ID), Content: "# Plan", Embedding: []float32{1, 0, 0, 0},
		Metadata: map[string]string{"session_id": "s1"},
	}}))
	require.NoError(t, f.store.MarkPlanEmbedded(ctx, b.ID))

	req := httptest.NewRequest(http.MethodDelete,
		fmt.Sprintf("/api/activity/plans/%d", b.ID), nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The vector is gone, the batch row survives with the flag cleared,
	// and the batch is queued for re-embedding.
	st, err := f.vectors.Stats(ctx, vectorstore.CollectionPlan)
	require.NoError(t, err)
	assert.Zero(t, st.Count)

	got, err := f.store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.PlanEmbedded)

	pending, err := f.store.BatchesNeedingPlanEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	// Unknown batches are a 404, not a silent no-op.
	req = httptest.NewRequest(http.MethodDelete, "/api/activity/plans/9999", nil)
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
