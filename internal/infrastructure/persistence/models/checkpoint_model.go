package models

import "time"

// CheckpointRow persists checkpoint metadata. File content lives in the
// content-addressed blob directory alongside the checkpoint store; this row
// only indexes it.
type CheckpointRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	CreatedAt   time.Time
	Type        string `gorm:"size:16"`
	Label       string
	FilesJSON   string `gorm:"type:text"`  // JSON-encoded []session.FileSnapshot
	ToolHistory string `gorm:"type:text"`  // JSON-encoded []tool.Result summaries
	HasConvo    bool
	ConvoJSON   string `gorm:"type:text"` // JSON-encoded ConversationSnapshot, if any
}

// TableName pins the table name.
func (CheckpointRow) TableName() string { return "checkpoints" }
