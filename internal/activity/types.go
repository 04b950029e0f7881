package activity

import "time"

// Session status values.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// Prompt batch source types.
const (
	SourceUser              = "user"
	SourceAgentNotification = "agent_notification"
	SourcePlan              = "plan"
)

// Observation types.
const (
	ObsDiscovery      = "discovery"
	ObsGotcha         = "gotcha"
	ObsDecision       = "decision"
	ObsBugFix         = "bug_fix"
	ObsTradeOff       = "trade_off"
	ObsSessionSummary = "session_summary"
	ObsPlan           = "plan"
)

// Importance levels.
const (
	ImportanceLow    = "low"
	ImportanceMedium = "medium"
	ImportanceHigh   = "high"
)

// Session is one agent session against the project.
type Session struct {
	ID             string     `db:"id" json:"id"`
	Agent          string     `db:"agent" json:"agent"`
	ProjectRoot    string     `db:"project_root" json:"project_root"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	EndedAt        *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	LastActivityAt time.Time  `db:"last_activity_at" json:"last_activity_at"`
	Status         string     `db:"status" json:"status"`
	PromptCount    int        `db:"prompt_count" json:"prompt_count"`
	ToolCount      int        `db:"tool_count" json:"tool_count"`
	Title          *string    `db:"title" json:"title,omitempty"`
	Summary        *string    `db:"summary" json:"summary,omitempty"`
	// CurrentPromptBatchID tracks the open batch, nil between prompts.
	CurrentPromptBatchID *int64 `db:"current_prompt_batch_id" json:"current_prompt_batch_id,omitempty"`
}

// PromptBatch groups the activities triggered by one user prompt.
type PromptBatch struct {
	ID             int64      `db:"id" json:"id"`
	SessionID      string     `db:"session_id" json:"session_id"`
	PromptNumber   int        `db:"prompt_number" json:"prompt_number"`
	UserPrompt     string     `db:"user_prompt" json:"user_prompt"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	EndedAt        *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	Status         string     `db:"status" json:"status"`
	ActivityCount  int        `db:"activity_count" json:"activity_count"`
	Classification *string    `db:"classification" json:"classification,omitempty"`
	SourceType     string     `db:"source_type" json:"source_type"`
	PlanFilePath   *string    `db:"plan_file_path" json:"plan_file_path,omitempty"`
	PlanContent    *string    `db:"plan_content" json:"plan_content,omitempty"`
	PlanEmbedded   bool       `db:"plan_embedded" json:"plan_embedded"`
}

// Activity is one recorded tool invocation.
type Activity struct {
	ID                int64     `db:"id" json:"id"`
	SessionID         string    `db:"session_id" json:"session_id"`
	PromptBatchID     int64     `db:"prompt_batch_id" json:"prompt_batch_id"`
	ToolUseID         string    `db:"tool_use_id" json:"tool_use_id,omitempty"`
	ToolName          string    `db:"tool_name" json:"tool_name"`
	ToolInput         string    `db:"tool_input" json:"tool_input"`
	ToolOutputSummary string    `db:"tool_output_summary" json:"tool_output_summary,omitempty"`
	FilePath          string    `db:"file_path" json:"file_path,omitempty"`
	Success           bool      `db:"success" json:"success"`
	ErrorMessage      string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Observation is a durable piece of project knowledge, extracted from a
// session or remembered explicitly.
type Observation struct {
	ID            int64     `db:"id" json:"id"`
	SessionID     *string   `db:"session_id" json:"session_id,omitempty"`
	PromptBatchID *int64    `db:"prompt_batch_id" json:"prompt_batch_id,omitempty"`
	Type          string    `db:"type" json:"type"`
	Observation   string    `db:"observation" json:"observation"`
	Context       string    `db:"context" json:"context,omitempty"`
	Tags          string    `db:"tags" json:"tags"` // JSON array
	Importance    string    `db:"importance" json:"importance"`
	FilePath      string    `db:"file_path" json:"file_path,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	Embedded      bool      `db:"embedded" json:"embedded"`
	Archived      bool      `db:"archived" json:"archived"`
}

// IndexedFile records what the indexer last saw for a file.
type IndexedFile struct {
	Filepath      string     `db:"filepath" json:"filepath"`
	ContentHash   string     `db:"content_hash" json:"content_hash"`
	Mtime         *time.Time `db:"mtime" json:"mtime,omitempty"`
	ChunkCount    int        `db:"chunk_count" json:"chunk_count"`
	LastIndexedAt *time.Time `db:"last_indexed_at" json:"last_indexed_at,omitempty"`
	LastError     *string    `db:"last_error" json:"last_error,omitempty"`
}

// Stats aggregates store contents for the status endpoint.
type Stats struct {
	Sessions       int `db:"-" json:"sessions"`
	ActiveSessions int `db:"-" json:"active_sessions"`
	PromptBatches  int `db:"-" json:"prompt_batches"`
	Activities     int `db:"-" json:"activities"`
	Observations   int `db:"-" json:"observations"`
	IndexedFiles   int `db:"-" json:"indexed_files"`
	IndexedChunks  int `db:"-" json:"indexed_chunks"`
}
