package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// cannedSummarizer returns a fixed completion or error.
type cannedSummarizer struct {
	out string
	err error
}

func (c *cannedSummarizer) Complete(context.Context, string) (string, error) { return c.out, c.err }
func (c *cannedSummarizer) ContextWindow() int                               { return 8192 }
func (c *cannedSummarizer) Name() string                                     { return "canned" }

func batch() *activity.PromptBatch {
	return &activity.PromptBatch{ID: 7, SessionID: "s1", UserPrompt: "add retry logic"}
}

func TestExtractObservationsParsesModelOutput(t *testing.T) {
	s := &cannedSummarizer{out: `Here you go:
[{"type":"gotcha","observation":"the client retries on 4xx too","tags":["http"],"importance":"high"},
 {"type":"nonsense","observation":"typed obs","importance":"urgent"}]`}
	e := NewExtractor(s, zap.NewNop())

	obs, err := e.ExtractObservations(context.Background(), batch(), []activity.Activity{{ToolName: "Edit"}})
	require.NoError(t, err)
	require.Len(t, obs, 2)

	assert.Equal(t, activity.ObsGotcha, obs[0].Type)
	assert.Equal(t, activity.ImportanceHigh, obs[0].Importance)
	assert.Equal(t, `["http"]`, obs[0].Tags)
	require.NotNil(t, obs[0].SessionID)
	assert.Equal(t, "s1", *obs[0].SessionID)

	// Unknown enum values normalize.
	assert.Equal(t, activity.ObsDiscovery, obs[1].Type)
	assert.Equal(t, activity.ImportanceMedium, obs[1].Importance)
	assert.Equal(t, "[]", obs[1].Tags)
}

func TestExtractObservationsHeuristicFallback(t *testing.T) {
	e := NewExtractor(&cannedSummarizer{err: errors.New("down")}, zap.NewNop())

	acts := []activity.Activity{
		{ToolName: "Edit", FilePath: "a.go", Success: false},
		{ToolName: "Edit", FilePath: "a.go", Success: false},
		{ToolName: "Read", FilePath: "b.go", Success: true},
	}
	obs, err := e.ExtractObservations(context.Background(), batch(), acts)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, activity.ObsGotcha, obs[0].Type)
	assert.Equal(t, "a.go", obs[0].FilePath)
}

func TestExtractObservationsEmptyActivities(t *testing.T) {
	e := NewExtractor(nil, zap.NewNop())
	obs, err := e.ExtractObservations(context.Background(), batch(), nil)
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestSessionTitleFallback(t *testing.T) {
	e := NewExtractor(nil, zap.NewNop())
	assert.Equal(t, "Fix the flaky test", e.SessionTitle(context.Background(), "fix the flaky test"))
	assert.Equal(t, "Untitled session", e.SessionTitle(context.Background(), "  "))
}

func TestSessionSummaryHeuristic(t *testing.T) {
	e := NewExtractor(nil, zap.NewNop())
	sess := &activity.Session{PromptCount: 2}
	acts := []activity.Activity{
		{ToolName: "Read", FilePath: "a.go", Success: true},
		{ToolName: "Edit", FilePath: "a.go", Success: true},
		{ToolName: "Bash", Success: false},
	}
	got := e.SessionSummary(context.Background(), sess, acts)
	assert.Contains(t, got, "2 prompts")
	assert.Contains(t, got, "1 edits")
	assert.Contains(t, got, "1 failures")
}

func TestOllamaSummarizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "  a title  "})
	}))
	defer srv.Close()

	s, err := NewSummarizer(config.ProviderConfig{
		Provider: "ollama", BaseURL: srv.URL, Model: "llama3.2",
	}, zap.NewNop())
	require.NoError(t, err)

	out, err := s.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "a title", out)
}

func TestOpenAISummarizerUnreachable(t *testing.T) {
	s, err := NewSummarizer(config.ProviderConfig{
		Provider: "openai", BaseURL: "http://127.0.0.1:1", Model: "gpt-4o-mini",
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Complete(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrProviderUnreachable)
}

func TestUnknownSummarizerProvider(t *testing.T) {
	_, err := NewSummarizer(config.ProviderConfig{Provider: "bogus"}, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
