package models

import "time"

// SessionIndexRow mirrors session.Metadata in a queryable table so
// ListSessions doesn't require scanning every directory under the base
// path. It is a derived, rebuildable cache: deleting it and replaying the
// JSONL session directories reproduces it exactly.
type SessionIndexRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	CreatedAt        time.Time
	UpdatedAt        time.Time `gorm:"index"`
	WorkingDirectory string
	GitBranch        string
	Model            string
	MessageCount     int
	State            string `gorm:"size:16;index"`
	IsSidechain      bool
	ParentSessionID  string `gorm:"size:64;index"`
	CustomTitle      string
	FirstPrompt      string
	Summary          string `gorm:"type:text"`
}

// TableName pins the table name independent of Go naming conventions.
func (SessionIndexRow) TableName() string { return "session_index" }
