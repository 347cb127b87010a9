// Package session defines the enhanced message log, file-snapshot tracker
// and session metadata that make up the durable substrate described by
// the session store (resume, undo, sidechain, compaction).
package session

import (
	"time"
)

// Kind enumerates the message kinds carried in the enhanced log. Metadata
// kinds (Summary, CustomTitle, FileHistorySnapshot) are skipped when
// materializing the LLM conversation but retained in the log.
type Kind string

const (
	KindUser                Kind = "user"
	KindAssistant           Kind = "assistant"
	KindToolResult          Kind = "tool_result"
	KindSystem              Kind = "system"
	KindSummary             Kind = "summary"
	KindCustomTitle         Kind = "custom_title"
	KindFileHistorySnapshot Kind = "file_history_snapshot"
)

// IsMetadata reports whether this kind is skipped when materializing the
// LLM-facing conversation.
func (k Kind) IsMetadata() bool {
	switch k {
	case KindSummary, KindCustomTitle, KindFileHistorySnapshot:
		return true
	}
	return false
}

// ToolCall is one tool invocation requested by an assistant message.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	CallID          string                 `json:"call_id"`
	ToolName        string                 `json:"tool_name"`
	Success         bool                   `json:"success"`
	Output          string                 `json:"output,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ExitCode        *int                   `json:"exit_code,omitempty"`
	ExecutionTimeMS int64                  `json:"execution_time_ms"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Message is the single append-only log entry type. Every durable entity
// carries a UUID; messages additionally carry ParentUUID, forming a chain —
// sidechains start a new chain rooted at a message in another session.
type Message struct {
	UUID            string       `json:"uuid"`
	ParentUUID      string       `json:"parent_uuid,omitempty"`
	Kind            Kind         `json:"kind"`
	Content         string       `json:"content,omitempty"`
	Thinking        string       `json:"thinking,omitempty"`
	ToolCalls       []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults     []ToolResult `json:"tool_results,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
	IsSidechain     bool         `json:"is_sidechain"`
	Provider        string       `json:"provider,omitempty"`
	Model           string       `json:"model,omitempty"`
	WorkingDir      string       `json:"working_directory,omitempty"`
	SubagentID      string       `json:"subagent_id,omitempty"`
}

// FileState describes whether a snapshotted path existed.
type FileState string

const (
	FileStateExists FileState = "exists"
	FileStateAbsent FileState = "absent"
)

// FileSnapshot is the pre-edit state of one file, keyed by the message UUID
// that caused (or will cause) the edit it protects.
type FileSnapshot struct {
	MessageUUID string    `json:"message_uuid"`
	Path        string    `json:"path"`
	State       FileState `json:"state"`
	Content     []byte    `json:"content,omitempty"`      // inlined when <= size cap
	ContentRef  string    `json:"content_ref,omitempty"`   // content-store key when too large
	Size        int64     `json:"size,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Permissions *uint32   `json:"permissions,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// State is the lifecycle state of a session.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Metadata describes a session's identity and lifecycle.
type Metadata struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	WorkingDirectory string    `json:"workingDirectory"`
	GitBranch        string    `json:"gitBranch,omitempty"`
	Model            string    `json:"model,omitempty"`
	MessageCount     int       `json:"messageCount"`
	State            State     `json:"state"`
	IsSidechain      bool      `json:"isSidechain"`
	ParentSessionID  string    `json:"parentSessionId,omitempty"`
	CustomTitle      string    `json:"customTitle,omitempty"`
	FirstPrompt      string    `json:"firstPrompt,omitempty"`
	Summary          string    `json:"summary,omitempty"`
}

// FirstPromptPreview truncates s to the 100-char cap the spec places on
// Metadata.FirstPrompt.
func FirstPromptPreview(s string) string {
	r := []rune(s)
	if len(r) <= 100 {
		return s
	}
	return string(r[:100])
}
