package hooks

import (
	"context"
	"fmt"
	"strings"

	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/retrieval"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("oakd.hooks")

// Injection limits.
const (
	topKChunks        = 5
	topKMemories      = 5
	priorSummaries    = 3
	maxLinesPerChunk  = 40
	maxPromptQueryLen = 500
)

// Response is the hook contract shape: context to prepend to the
// agent's next turn, or empty.
type Response struct {
	AdditionalContext string `json:"additional_context,omitempty"`
}

// Injector synthesizes the additional_context returned by hook
// endpoints.
type Injector struct {
	engine *retrieval.Engine
	store  *activity.Store
	logger *zap.Logger
}

// NewInjector builds an injector.
func NewInjector(engine *retrieval.Engine, store *activity.Store, logger *zap.Logger) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{engine: engine, store: store, logger: logger}
}

// PromptContext builds the context block for a freshly submitted
// prompt: high-confidence code chunks, high-confidence memories and
// recent session summaries. Empty result means nothing relevant.
func (in *Injector) PromptContext(ctx context.Context, prompt string) string {
	ctx, span := tracer.Start(ctx, "hooks.PromptContext")
	defer span.End()

	query := clipRunes(prompt, maxPromptQueryLen)

	var sections []string
	if s := in.codeSection(ctx, query); s != "" {
		sections = append(sections, s)
	}
	if s := in.memorySection(ctx, query); s != "" {
		sections = append(sections, s)
	}
	if s := in.summarySection(ctx); s != "" {
		sections = append(sections, s)
	}
	return strings.Join(sections, "\n\n")
}

// ToolContext builds the memory block injected after a file tool runs.
func (in *Injector) ToolContext(ctx context.Context, filePath, toolOutputHead, promptHead string) string {
	ctx, span := tracer.Start(ctx, "hooks.ToolContext")
	defer span.End()

	query := retrieval.BuildRichQuery(filePath, toolOutputHead, promptHead)
	if query == "" {
		return ""
	}
	return in.memorySection(ctx, query)
}

func (in *Injector) codeSection(ctx context.Context, query string) string {
	results, err := in.engine.Search(ctx, retrieval.Query{
		Text: query, Type: retrieval.SearchCode, Limit: topKChunks,
	})
	if err != nil {
		in.logger.Debug("code retrieval failed", zap.Error(err))
		return ""
	}
	results = retrieval.FilterByConfidence(results, retrieval.TierHigh)
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Relevant code\n")
	for _, r := range results {
		header := fmt.Sprintf("**%s** (L%s-%s)",
			r.Metadata["filepath"], r.Metadata["start_line"], r.Metadata["end_line"])
		if sym := r.Metadata["symbol"]; sym != "" {
			header += " - " + sym
		}
		fmt.Fprintf(&b, "\n%s\n```\n%s\n```\n", header, truncateLines(r.Content, maxLinesPerChunk))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (in *Injector) memorySection(ctx context.Context, query string) string {
	results, err := in.engine.Search(ctx, retrieval.Query{
		Text: query, Type: retrieval.SearchMemory, Limit: topKMemories,
	})
	if err != nil {
		in.logger.Debug("memory retrieval failed", zap.Error(err))
		return ""
	}
	results = retrieval.FilterByConfidence(results, retrieval.TierHigh)
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Project memories\n")
	for _, r := range results {
		kind := r.Metadata["type"]
		if kind == "" {
			kind = "note"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", kind, strings.TrimSpace(r.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (in *Injector) summarySection(ctx context.Context) string {
	sessions, err := in.store.ListSessions(ctx, priorSummaries*3)
	if err != nil {
		in.logger.Debug("listing sessions failed", zap.Error(err))
		return ""
	}

	var lines []string
	for _, s := range sessions {
		if s.Status != activity.SessionCompleted || s.Summary == nil || *s.Summary == "" {
			continue
		}
		title := ""
		if s.Title != nil {
			title = *s.Title + ": "
		}
		lines = append(lines, "- "+title+*s.Summary)
		if len(lines) == priorSummaries {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Previous sessions\n" + strings.Join(lines, "\n")
}

// clipRunes caps s at n runes without splitting a UTF-8 sequence.
func clipRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func truncateLines(s string, max int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s
	}
	return strings.Join(lines[:max], "\n") + "\n// ..."
}
