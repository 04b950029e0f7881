package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/retrieval"
)

// DaemonBackend proxies tool calls to a running daemon's HTTP API. The
// stdio MCP process uses it so the SQLite store stays single-process.
type DaemonBackend struct {
	baseURL string
	client  *http.Client
}

var _ Backend = (*DaemonBackend)(nil)

// NewDaemonBackend targets a daemon at baseURL (e.g. http://127.0.0.1:7171).
func NewDaemonBackend(baseURL string) *DaemonBackend {
	return &DaemonBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Probe checks /api/health and returns an error describing how to start
// the daemon when it is unreachable.
func (b *DaemonBackend) Probe(ctx context.Context) error {
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := b.get(ctx, "/api/health", nil, &health); err != nil {
		return fmt.Errorf("daemon unreachable at %s (start it with `oak start`): %w", b.baseURL, err)
	}
	return nil
}

func (b *DaemonBackend) Search(ctx context.Context, query, searchType string, limit int) ([]retrieval.Result, error) {
	params := url.Values{"q": {query}, "limit": {strconv.Itoa(limit)}}
	if searchType != "" {
		params.Set("search_type", searchType)
	}
	var resp struct {
		Results []retrieval.Result `json:"results"`
	}
	if err := b.get(ctx, "/api/search", params, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (b *DaemonBackend) Remember(ctx context.Context, obs activity.Observation) (*activity.Observation, error) {
	var tags []string
	if err := json.Unmarshal([]byte(obs.Tags), &tags); err != nil {
		tags = nil
	}
	body := map[string]any{
		"observation": obs.Observation,
		"type":        obs.Type,
		"context":     obs.Context,
		"tags":        tags,
		"importance":  obs.Importance,
	}
	var resp struct {
		Memory *activity.Observation `json:"memory"`
	}
	if err := b.post(ctx, "/api/search/memories", body, &resp); err != nil {
		return nil, err
	}
	return resp.Memory, nil
}

func (b *DaemonBackend) Plans(ctx context.Context, sessionID string, limit int) ([]activity.PromptBatch, error) {
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if sessionID != "" {
		params.Set("session_id", sessionID)
	}
	var resp struct {
		Plans []activity.PromptBatch `json:"plans"`
	}
	if err := b.get(ctx, "/api/activity/plans", params, &resp); err != nil {
		return nil, err
	}
	return resp.Plans, nil
}

func (b *DaemonBackend) Memories(ctx context.Context, f activity.ObservationFilter) ([]activity.Observation, error) {
	params := url.Values{}
	if f.Type != "" {
		params.Set("type", f.Type)
	}
	if f.Tag != "" {
		params.Set("tag", f.Tag)
	}
	if f.Archived != nil {
		params.Set("archived", strconv.FormatBool(*f.Archived))
	}
	if !f.Since.IsZero() {
		params.Set("start_date", f.Since.Format("2006-01-02"))
	}
	if f.Limit > 0 {
		params.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp struct {
		Memories []activity.Observation `json:"memories"`
	}
	if err := b.get(ctx, "/api/search/memories", params, &resp); err != nil {
		return nil, err
	}
	return resp.Memories, nil
}

func (b *DaemonBackend) get(ctx context.Context, path string, params url.Values, out any) error {
	u := b.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return b.do(req, out)
}

func (b *DaemonBackend) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, out)
}

func (b *DaemonBackend) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var body struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
			return fmt.Errorf("daemon: %s (%s)", body.Error.Message, body.Error.Code)
		}
		return fmt.Errorf("daemon: %s %s returned %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
