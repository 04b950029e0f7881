package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oaklabs/oakd/internal/activity"
)

const (
	defaultSearchLimit = 10
	maxFetchBytes      = 512 * 1024
)

type searchInput struct {
	Query      string `json:"query" jsonschema:"required,Natural-language or code query"`
	SearchType string `json:"search_type,omitempty" jsonschema:"Collection to search: code, memory, plan or all (default all)"`
	Limit      int    `json:"limit,omitempty" jsonschema:"Maximum results (default 10)"`
}

type searchHit struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Content    string            `json:"content"`
	Score      float32           `json:"score"`
	Confidence string            `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type searchOutput struct {
	Results []searchHit `json:"results"`
	Count   int         `json:"count"`
}

func (s *Server) oakSearch(ctx context.Context, _ *mcp.CallToolRequest, args searchInput) (*mcp.CallToolResult, searchOutput, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, searchOutput{}, fmt.Errorf("query is required")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	results, err := s.backend.Search(ctx, args.Query, args.SearchType, limit)
	if err != nil {
		return nil, searchOutput{}, err
	}

	out := searchOutput{Results: make([]searchHit, 0, len(results)), Count: len(results)}
	var text strings.Builder
	fmt.Fprintf(&text, "%d result(s) for %q\n", len(results), args.Query)
	for _, r := range results {
		out.Results = append(out.Results, searchHit{
			ID:         r.ID,
			Collection: r.Collection,
			Content:    r.Content,
			Score:      r.Score,
			Confidence: string(r.Tier),
			Metadata:   r.Metadata,
		})
		label := r.ID
		if fp := r.Metadata["filepath"]; fp != "" {
			label = fmt.Sprintf("%s (L%s-%s)", fp, r.Metadata["start_line"], r.Metadata["end_line"])
		}
		fmt.Fprintf(&text, "- [%s %.2f] %s\n", r.Collection, r.Score, label)
	}
	return textResult(text.String()), out, nil
}

type fetchInput struct {
	Path  string `json:"path" jsonschema:"required,File path relative to the project root"`
	Start int    `json:"start,omitempty" jsonschema:"First line to return, 1-based (default 1)"`
	End   int    `json:"end,omitempty" jsonschema:"Last line to return, inclusive (default end of file)"`
}

type fetchOutput struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Content   string `json:"content"`
}

// oakFetch reads straight from disk so the caller always sees the
// current file, not the last indexed chunk.
func (s *Server) oakFetch(_ context.Context, _ *mcp.CallToolRequest, args fetchInput) (*mcp.CallToolResult, fetchOutput, error) {
	if args.Path == "" {
		return nil, fetchOutput{}, fmt.Errorf("path is required")
	}

	abs := filepath.Join(s.projectRoot, filepath.FromSlash(args.Path))
	rel, err := filepath.Rel(s.projectRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fetchOutput{}, fmt.Errorf("path escapes project root: %s", args.Path)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fetchOutput{}, fmt.Errorf("reading %s: %w", args.Path, err)
	}
	if info.Size() > maxFetchBytes {
		return nil, fetchOutput{}, fmt.Errorf("%s is %d bytes, over the %d byte fetch limit", args.Path, info.Size(), maxFetchBytes)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fetchOutput{}, fmt.Errorf("reading %s: %w", args.Path, err)
	}

	lines := strings.Split(string(content), "\n")
	start, end := args.Start, args.End
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return nil, fetchOutput{}, fmt.Errorf("start %d is past end %d", start, end)
	}

	out := fetchOutput{
		Path:      args.Path,
		StartLine: start,
		EndLine:   end,
		Content:   strings.Join(lines[start-1:end], "\n"),
	}
	return textResult(out.Content), out, nil
}

type rememberInput struct {
	Observation string   `json:"observation" jsonschema:"required,The fact worth remembering across sessions"`
	Type        string   `json:"type,omitempty" jsonschema:"discovery, gotcha, decision, bug_fix or trade_off (default discovery)"`
	Tags        []string `json:"tags,omitempty" jsonschema:"Free-form tags for later filtering"`
	Context     string   `json:"context,omitempty" jsonschema:"Where or why this was learned"`
	Importance  string   `json:"importance,omitempty" jsonschema:"low, medium or high (default medium)"`
}

type rememberOutput struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) oakRemember(ctx context.Context, _ *mcp.CallToolRequest, args rememberInput) (*mcp.CallToolResult, rememberOutput, error) {
	if strings.TrimSpace(args.Observation) == "" {
		return nil, rememberOutput{}, fmt.Errorf("observation is required")
	}

	// Manual memories always carry the manual tag so they can be told
	// apart from extracted ones.
	tags := args.Tags
	if !containsTag(tags, "manual") {
		tags = append(tags, "manual")
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return nil, rememberOutput{}, err
	}

	saved, err := s.backend.Remember(ctx, activity.Observation{
		Type:        args.Type,
		Observation: args.Observation,
		Context:     args.Context,
		Tags:        string(encoded),
		Importance:  args.Importance,
	})
	if err != nil {
		return nil, rememberOutput{}, err
	}

	out := rememberOutput{
		ID:        saved.ID,
		Type:      saved.Type,
		CreatedAt: saved.CreatedAt.UTC().Format(time.RFC3339),
	}
	return textResult(fmt.Sprintf("Remembered as %s #%d", saved.Type, saved.ID)), out, nil
}

type plansInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Restrict to one session"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum plans (default 10)"`
}

type planEntry struct {
	BatchID   int64  `json:"batch_id"`
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	FilePath  string `json:"file_path,omitempty"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type plansOutput struct {
	Plans []planEntry `json:"plans"`
	Count int         `json:"count"`
}

func (s *Server) oakPlans(ctx context.Context, _ *mcp.CallToolRequest, args plansInput) (*mcp.CallToolResult, plansOutput, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	batches, err := s.backend.Plans(ctx, args.SessionID, limit)
	if err != nil {
		return nil, plansOutput{}, err
	}

	out := plansOutput{Plans: make([]planEntry, 0, len(batches)), Count: len(batches)}
	for _, b := range batches {
		entry := planEntry{
			BatchID:   b.ID,
			SessionID: b.SessionID,
			Prompt:    b.UserPrompt,
			CreatedAt: b.StartedAt.UTC().Format(time.RFC3339),
		}
		if b.PlanFilePath != nil {
			entry.FilePath = *b.PlanFilePath
		}
		if b.PlanContent != nil {
			entry.Content = *b.PlanContent
		}
		out.Plans = append(out.Plans, entry)
	}
	return textResult(fmt.Sprintf("%d plan(s)", out.Count)), out, nil
}

type memoriesInput struct {
	Type     string `json:"type,omitempty" jsonschema:"Observation type filter"`
	Tag      string `json:"tag,omitempty" jsonschema:"Tag filter"`
	Archived *bool  `json:"archived,omitempty" jsonschema:"Filter by archived state"`
	Since    string `json:"since,omitempty" jsonschema:"Only memories created on or after this date (YYYY-MM-DD)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum memories (default 10)"`
}

type memoriesOutput struct {
	Memories []activity.Observation `json:"memories"`
	Count    int                    `json:"count"`
}

func (s *Server) oakMemories(ctx context.Context, _ *mcp.CallToolRequest, args memoriesInput) (*mcp.CallToolResult, memoriesOutput, error) {
	f := activity.ObservationFilter{
		Type:     args.Type,
		Tag:      args.Tag,
		Archived: args.Archived,
		Limit:    args.Limit,
	}
	if f.Limit <= 0 {
		f.Limit = defaultSearchLimit
	}
	if args.Since != "" {
		ts, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return nil, memoriesOutput{}, fmt.Errorf("since must be YYYY-MM-DD")
		}
		f.Since = ts
	}

	obs, err := s.backend.Memories(ctx, f)
	if err != nil {
		return nil, memoriesOutput{}, err
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%d memories\n", len(obs))
	for _, o := range obs {
		fmt.Fprintf(&text, "- [%s] %s\n", o.Type, o.Observation)
	}
	return textResult(text.String()), memoriesOutput{Memories: obs, Count: len(obs)}, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "oak_search",
		Description: "Semantic search over the project's indexed code, extracted memories and recorded plans. Returns ranked snippets with confidence tiers.",
	}, s.oakSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "oak_fetch",
		Description: "Fetch file content from the project by path, optionally restricted to a line range. Use after oak_search to read the full context around a hit.",
	}, s.oakFetch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "oak_remember",
		Description: "Store a durable observation about the project (discovery, gotcha, decision, bug fix or trade-off). It becomes searchable in future sessions.",
	}, s.oakRemember)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "oak_plans",
		Description: "List recorded implementation plans, newest first, optionally filtered to one session.",
	}, s.oakPlans)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "oak_memories",
		Description: "Browse stored memories with filters on type, tag, archived state and creation date.",
	}, s.oakMemories)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
