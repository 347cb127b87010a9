// Package checkpoint implements on-demand full-tree snapshot and restore,
// distinct from (and orthogonal to) the message-level undo substrate in
// package session. Grounded on the original sage checkpoints/manager/core.rs
// semantics, adapted to the teacher's storage/service split.
package checkpoint

import (
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/session"
)

// Type distinguishes user-requested checkpoints from ones the loop takes
// automatically (e.g. as a restore backup).
type Type string

const (
	TypeManual Type = "manual"
	TypeAuto   Type = "auto"
)

// ToolExecutionRecord is a compact summary of one tool call attached to a
// checkpoint's tool_history, not the full ToolResult payload.
type ToolExecutionRecord struct {
	ToolName  string    `json:"tool_name"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationSnapshot optionally freezes the message log's state alongside
// the file tree, so a restore can offer to roll back the conversation too.
type ConversationSnapshot struct {
	Messages []session.Message `json:"messages"`
}

// Checkpoint is a full snapshot of a tracked file set at a point in time.
type Checkpoint struct {
	ID           string                 `json:"id"`
	CreatedAt    time.Time              `json:"created_at"`
	Type         Type                   `json:"type"`
	Label        string                 `json:"label"`
	Files        []session.FileSnapshot `json:"files"`
	Conversation *ConversationSnapshot  `json:"conversation,omitempty"`
	ToolHistory  []ToolExecutionRecord  `json:"tool_history,omitempty"`
}

// ShortID returns the first 8 characters of the ID, the form surfaced to
// users and accepted by FindByShortID as a prefix.
func (c Checkpoint) ShortID() string {
	if len(c.ID) <= 8 {
		return c.ID
	}
	return c.ID[:8]
}

// Summary is the lightweight listing form returned by List, avoiding a full
// file-snapshot load for every checkpoint.
type Summary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Type      Type      `json:"type"`
	Label     string    `json:"label"`
	FileCount int       `json:"file_count"`
}

// RestoreOptions controls a Restore call.
type RestoreOptions struct {
	DryRun              bool
	CreateBackup        bool
	RestoreFiles        bool
	RestoreConversation bool
	FileFilter          []string // restrict restore to these paths; empty = all
}

// RestoreResult reports the outcome of a Restore call. Every file is
// attempted independently: one file's failure doesn't abort the batch.
type RestoreResult struct {
	CheckpointID         string            `json:"checkpoint_id"`
	RestoredFiles        []string          `json:"restored_files"`
	FailedFiles          map[string]string `json:"failed_files"` // path -> error
	ConversationRestored bool              `json:"conversation_restored"`
	BackupCheckpointID   string            `json:"backup_checkpoint_id,omitempty"`
	WasDryRun            bool              `json:"was_dry_run"`
}

// RestoredCount and FailedCount mirror the original's convenience accessors.
func (r RestoreResult) RestoredCount() int { return len(r.RestoredFiles) }
func (r RestoreResult) FailedCount() int   { return len(r.FailedFiles) }

// RestorePreview describes what a restore would do to one file without
// applying it.
type RestorePreview struct {
	Path           string `json:"path"`
	WillChange     bool   `json:"will_change"`
	CurrentExists  bool   `json:"current_exists"`
	SnapshotExists bool   `json:"snapshot_exists"`
}
