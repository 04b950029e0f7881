package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/hooks"
	"go.uber.org/zap"
)

// Hook endpoints are best-effort: the agent must never block on us, so
// every failure collapses to an empty 200 response. The correlation id
// in the log line is the request id echo already assigned.

func (s *Server) hookError(c echo.Context, event, session string, err error) error {
	s.logger.Error("hook ingestion failed",
		zap.String("event", event),
		zap.String("session_id", session),
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		zap.Error(err),
	)
	s.metrics.HookFailure(event)
	return c.JSON(http.StatusOK, hooks.Response{})
}

func bindPayload(c echo.Context) (*hooks.Payload, error) {
	var p hooks.Payload
	if err := c.Bind(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Server) handleSessionStart(c echo.Context) error {
	p, err := bindPayload(c)
	if err != nil {
		return s.hookError(c, hooks.EventSessionStart, "", err)
	}
	ctx := c.Request().Context()

	if _, err := s.deps.Store.StartSession(ctx, p.Session(), p.Agent, s.deps.Config.ProjectRoot); err != nil {
		return s.hookError(c, hooks.EventSessionStart, p.Session(), err)
	}
	return c.JSON(http.StatusOK, hooks.Response{})
}

func (s *Server) handleSessionEnd(c echo.Context) error {
	p, err := bindPayload(c)
	if err != nil {
		return s.hookError(c, hooks.EventSessionEnd, "", err)
	}
	ctx := c.Request().Context()

	// Title and summary are filled in later by the background sweep.
	if err := s.deps.Store.EndSession(ctx, p.Session(), "", ""); err != nil {
		return s.hookError(c, hooks.EventSessionEnd, p.Session(), err)
	}
	return c.JSON(http.StatusOK, hooks.Response{})
}

func (s *Server) handlePromptSubmit(c echo.Context) error {
	p, err := bindPayload(c)
	if err != nil {
		return s.hookError(c, hooks.EventUserPromptSubmit, "", err)
	}
	ctx := c.Request().Context()

	// A prompt for an unknown or deleted session recreates it.
	if err := s.deps.Store.EnsureSession(ctx, p.Session(), p.Agent, s.deps.Config.ProjectRoot); err != nil {
		return s.hookError(c, hooks.EventUserPromptSubmit, p.Session(), err)
	}

	batch, err := s.deps.Store.BeginPromptBatch(ctx, p.Session(), p.Prompt, p.Source)
	if err != nil {
		return s.hookError(c, hooks.EventUserPromptSubmit, p.Session(), err)
	}

	if p.PlanContent != "" {
		if err := s.deps.Store.AttachPlan(ctx, batch.ID, p.PlanFilePath, p.PlanContent); err != nil {
			s.logger.Warn("attaching plan failed",
				zap.Int64("batch_id", batch.ID), zap.Error(err))
		}
	}

	resp := hooks.Response{}
	if s.deps.Injector != nil {
		resp.AdditionalContext = s.deps.Injector.PromptContext(ctx, p.Prompt)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePostToolUse(c echo.Context) error {
	return s.recordToolUse(c, true)
}

func (s *Server) handlePostToolUseFailure(c echo.Context) error {
	return s.recordToolUse(c, false)
}

func (s *Server) recordToolUse(c echo.Context, success bool) error {
	event := hooks.EventPostToolUse
	if !success {
		event = hooks.EventPostToolUseFailure
	}

	p, err := bindPayload(c)
	if err != nil {
		return s.hookError(c, event, "", err)
	}
	ctx := c.Request().Context()

	batch, err := s.currentBatch(c, p)
	if err != nil {
		return s.hookError(c, event, p.Session(), err)
	}

	s.deps.Store.RecordActivity(activity.Activity{
		SessionID:         p.Session(),
		PromptBatchID:     batch.ID,
		ToolUseID:         p.ToolUseID,
		ToolName:          p.ToolName,
		ToolInput:         p.ToolInputJSON(),
		ToolOutputSummary: head(p.ToolResponse, 500),
		FilePath:          p.FilePath(),
		Success:           success,
		ErrorMessage:      p.ErrorMessage,
	})

	resp := hooks.Response{}
	if s.deps.Injector != nil && hooks.FileTool(p.ToolName) && p.FilePath() != "" {
		resp.AdditionalContext = s.deps.Injector.ToolContext(ctx,
			p.FilePath(), p.ToolResponse, batch.UserPrompt)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubagentStart(c echo.Context) error {
	return s.recordSubagent(c, hooks.EventSubagentStart, "subagent_start")
}

func (s *Server) handleSubagentStop(c echo.Context) error {
	return s.recordSubagent(c, hooks.EventSubagentStop, "subagent_stop")
}

func (s *Server) recordSubagent(c echo.Context, event, tool string) error {
	p, err := bindPayload(c)
	if err != nil {
		return s.hookError(c, event, "", err)
	}

	batch, err := s.currentBatch(c, p)
	if err != nil {
		return s.hookError(c, event, p.Session(), err)
	}

	input := map[string]string{
		"agent_type": p.AgentType,
		"agent_id":   p.AgentID,
	}
	// The transcript path is stored as-is; its contents are not parsed
	// into sub-activities.
	if tool == "subagent_stop" && p.AgentTranscriptPath != "" {
		input["agent_transcript_path"] = p.AgentTranscriptPath
	}

	s.deps.Store.RecordActivity(activity.Activity{
		SessionID:     p.Session(),
		PromptBatchID: batch.ID,
		ToolUseID:     p.ToolUseID,
		ToolName:      tool,
		ToolInput:     mustJSON(input),
		Success:       true,
	})
	return c.JSON(http.StatusOK, hooks.Response{})
}

// currentBatch resolves the open batch for a hook, creating session and
// batch when hooks arrive out of order.
func (s *Server) currentBatch(c echo.Context, p *hooks.Payload) (*activity.PromptBatch, error) {
	ctx := c.Request().Context()

	if err := s.deps.Store.EnsureSession(ctx, p.Session(), p.Agent, s.deps.Config.ProjectRoot); err != nil {
		return nil, err
	}
	batch, err := s.deps.Store.CurrentBatch(ctx, p.Session())
	if err == nil {
		return batch, nil
	}
	// Tool use before any prompt: open an implicit batch.
	return s.deps.Store.BeginPromptBatch(ctx, p.Session(), "", activity.SourceAgentNotification)
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
