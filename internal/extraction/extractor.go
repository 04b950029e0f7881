package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/oaklabs/oakd/internal/activity"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("oakd.extraction")

// Extractor distills observations and session summaries from recorded
// activity.
type Extractor struct {
	summarizer Summarizer
	logger     *zap.Logger
}

// NewExtractor builds an extractor. summarizer may be nil, in which
// case every path uses its heuristic fallback.
func NewExtractor(summarizer Summarizer, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{summarizer: summarizer, logger: logger}
}

const extractPrompt = `You review a coding agent's work on one task and extract durable project knowledge.

Task prompt:
%s

Tool activity (tool, file, outcome):
%s

Return a JSON array (possibly empty) of observations worth remembering across sessions. Each element:
{"type":"discovery|gotcha|decision|bug_fix|trade_off","observation":"...","context":"...","tags":["..."],"importance":"low|medium|high"}

Only include non-obvious, reusable knowledge. Respond with JSON only.`

// ExtractObservations asks the model for observations about one
// completed batch. On provider failure a cheap heuristic produces at
// most one observation, so failed batches still leave a trace.
func (e *Extractor) ExtractObservations(ctx context.Context, batch *activity.PromptBatch, acts []activity.Activity) ([]activity.Observation, error) {
	ctx, span := tracer.Start(ctx, "extraction.ExtractObservations")
	defer span.End()

	if len(acts) == 0 {
		return nil, nil
	}

	if e.summarizer != nil {
		raw, err := e.summarizer.Complete(ctx, fmt.Sprintf(extractPrompt,
			head(batch.UserPrompt, 1000), renderActivities(acts, 40)))
		if err == nil {
			obs, perr := parseObservations(raw)
			if perr == nil {
				return attach(obs, batch), nil
			}
			e.logger.Warn("unparseable extraction output", zap.Error(perr))
		} else {
			e.logger.Warn("extraction completion failed", zap.Error(err))
		}
	}

	return attach(heuristicObservations(batch, acts), batch), nil
}

// SessionTitle produces a short title for an ended session. Fallback:
// the head of the first prompt.
func (e *Extractor) SessionTitle(ctx context.Context, firstPrompt string) string {
	firstPrompt = strings.TrimSpace(firstPrompt)
	if firstPrompt == "" {
		return "Untitled session"
	}
	if e.summarizer != nil {
		title, err := e.summarizer.Complete(ctx, fmt.Sprintf(
			"Write a terse title (max 8 words, no quotes) for a coding session that started with:\n%s\nTitle:",
			head(firstPrompt, 500)))
		if err == nil && title != "" {
			return head(strings.Trim(title, `"'`), 80)
		}
	}
	return titleCase(head(firstPrompt, 60))
}

// SessionSummary produces a few sentences describing what a session
// did. Fallback: a counting summary from the activity log.
func (e *Extractor) SessionSummary(ctx context.Context, sess *activity.Session, acts []activity.Activity) string {
	if e.summarizer != nil {
		summary, err := e.summarizer.Complete(ctx, fmt.Sprintf(
			"Summarize this coding session in 2-3 sentences for a future engineer.\nActivity:\n%s\nSummary:",
			renderActivities(acts, 60)))
		if err == nil && summary != "" {
			return summary
		}
	}
	return heuristicSummary(sess, acts)
}

func attach(obs []activity.Observation, batch *activity.PromptBatch) []activity.Observation {
	for i := range obs {
		sid := batch.SessionID
		bid := batch.ID
		obs[i].SessionID = &sid
		obs[i].PromptBatchID = &bid
	}
	return obs
}

// parseObservations reads the model's JSON, tolerating prose around the
// array.
func parseObservations(raw string) ([]activity.Observation, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in output")
	}

	var parsed []struct {
		Type        string   `json:"type"`
		Observation string   `json:"observation"`
		Context     string   `json:"context"`
		Tags        []string `json:"tags"`
		Importance  string   `json:"importance"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, err
	}

	out := make([]activity.Observation, 0, len(parsed))
	for _, p := range parsed {
		if strings.TrimSpace(p.Observation) == "" {
			continue
		}
		tags, err := json.Marshal(p.Tags)
		if err != nil || p.Tags == nil {
			tags = []byte("[]")
		}
		out = append(out, activity.Observation{
			Type:        normalizeType(p.Type),
			Observation: p.Observation,
			Context:     p.Context,
			Tags:        string(tags),
			Importance:  normalizeImportance(p.Importance),
		})
	}
	return out, nil
}

func normalizeType(t string) string {
	switch t {
	case activity.ObsDiscovery, activity.ObsGotcha, activity.ObsDecision,
		activity.ObsBugFix, activity.ObsTradeOff:
		return t
	default:
		return activity.ObsDiscovery
	}
}

func normalizeImportance(imp string) string {
	switch imp {
	case activity.ImportanceLow, activity.ImportanceMedium, activity.ImportanceHigh:
		return imp
	default:
		return activity.ImportanceMedium
	}
}

// heuristicObservations records failure clusters when no model is
// available: repeated failures against one file are worth remembering.
func heuristicObservations(batch *activity.PromptBatch, acts []activity.Activity) []activity.Observation {
	failures := map[string]int{}
	for _, a := range acts {
		if !a.Success && a.FilePath != "" {
			failures[a.FilePath]++
		}
	}
	var out []activity.Observation
	for fp, n := range failures {
		if n < 2 {
			continue
		}
		out = append(out, activity.Observation{
			Type: activity.ObsGotcha,
			Observation: fmt.Sprintf("%d consecutive tool failures against %s while working on: %s",
				n, fp, head(batch.UserPrompt, 120)),
			Tags:       `["auto","failure"]`,
			Importance: activity.ImportanceLow,
			FilePath:   fp,
		})
	}
	return out
}

func heuristicSummary(sess *activity.Session, acts []activity.Activity) string {
	files := map[string]bool{}
	edits, reads, failures := 0, 0, 0
	for _, a := range acts {
		if a.FilePath != "" {
			files[a.FilePath] = true
		}
		switch a.ToolName {
		case "Edit", "Write", "MultiEdit", "NotebookEdit":
			edits++
		case "Read", "Grep", "Glob":
			reads++
		}
		if !a.Success {
			failures++
		}
	}
	return fmt.Sprintf("%d prompts, %d tool calls (%d edits, %d reads, %d failures) across %d files.",
		sess.PromptCount, len(acts), edits, reads, failures, len(files))
}

// renderActivities formats activities for a prompt, capped at limit
// rows.
func renderActivities(acts []activity.Activity, limit int) string {
	if len(acts) > limit {
		acts = acts[len(acts)-limit:]
	}
	var b strings.Builder
	for _, a := range acts {
		outcome := "ok"
		if !a.Success {
			outcome = "FAILED"
			if a.ErrorMessage != "" {
				outcome += ": " + head(a.ErrorMessage, 80)
			}
		}
		fmt.Fprintf(&b, "- %s %s (%s)\n", a.ToolName, a.FilePath, outcome)
	}
	return b.String()
}

func head(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return strings.TrimSpace(s[:n])
}

func titleCase(s string) string {
	r := []rune(s)
	if len(r) > 0 {
		r[0] = unicode.ToUpper(r[0])
	}
	return string(r)
}
