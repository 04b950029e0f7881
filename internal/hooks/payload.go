// Package hooks ingests agent lifecycle notifications: session start
// and end, prompt submission, tool use and subagent events. It owns the
// payload shapes, the prompt-batch classifier and the context-injection
// synthesis returned to the agent.
package hooks

import (
	"encoding/json"
	"strings"
)

// Hook event names as sent by the agent.
const (
	EventSessionStart       = "SessionStart"
	EventSessionEnd         = "SessionEnd"
	EventUserPromptSubmit   = "UserPromptSubmit"
	EventPostToolUse        = "PostToolUse"
	EventPostToolUseFailure = "PostToolUseFailure"
	EventSubagentStart      = "SubagentStart"
	EventSubagentStop       = "SubagentStop"
)

// Payload is the superset of hook request bodies. Unknown fields are
// ignored; each endpoint reads the fields its hook kind defines.
type Payload struct {
	Agent          string `json:"agent"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	HookEventName  string `json:"hook_event_name"`

	// UserPromptSubmit
	Prompt string `json:"prompt"`
	Source string `json:"source"` // user | agent_notification | plan

	// PostToolUse / PostToolUseFailure
	ToolUseID    string          `json:"tool_use_id"`
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input"`
	ToolResponse string          `json:"tool_response"`
	ErrorMessage string          `json:"error_message"`

	// SubagentStart / SubagentStop
	AgentType           string `json:"agent_type"`
	AgentID             string `json:"agent_id"`
	AgentTranscriptPath string `json:"agent_transcript_path"`

	// Plan payloads ride on prompt-submit.
	PlanFilePath string `json:"plan_file_path"`
	PlanContent  string `json:"plan_content"`
}

// Session resolves the session key; some agents send conversation_id.
func (p *Payload) Session() string {
	if p.SessionID != "" {
		return p.SessionID
	}
	return p.ConversationID
}

// toolInput holds the commonly needed tool_input fields.
type toolInput struct {
	FilePath string `json:"file_path"`
	Path     string `json:"path"`
	Command  string `json:"command"`
}

// FilePath extracts the file path from tool_input, if any.
func (p *Payload) FilePath() string {
	if len(p.ToolInput) == 0 {
		return ""
	}
	var in toolInput
	if err := json.Unmarshal(p.ToolInput, &in); err != nil {
		return ""
	}
	if in.FilePath != "" {
		return in.FilePath
	}
	return in.Path
}

// ToolInputJSON renders tool_input for storage, defaulting to "{}".
func (p *Payload) ToolInputJSON() string {
	s := strings.TrimSpace(string(p.ToolInput))
	if s == "" {
		return "{}"
	}
	return s
}

// FileTool reports whether a tool name reads or writes a file and
// should trigger memory injection.
func FileTool(name string) bool {
	switch name {
	case "Read", "Edit", "Write":
		return true
	default:
		return false
	}
}
