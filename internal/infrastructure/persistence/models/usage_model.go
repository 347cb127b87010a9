package models

import "time"

// UsageAggregateRow persists accumulated token usage and cost so totals
// survive process restarts, per session and, via the reserved session id
// "*", globally.
type UsageAggregateRow struct {
	SessionID           string `gorm:"primaryKey;size:64"`
	Provider            string `gorm:"primaryKey;size:64"`
	Model               string `gorm:"primaryKey;size:128"`
	PromptTokens        int64
	CompletionTokens    int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	CostUSD             float64
	UpdatedAt           time.Time
}

// TableName pins the table name.
func (UsageAggregateRow) TableName() string { return "usage_aggregates" }

// GlobalSessionID is the reserved session key for the cross-session total.
const GlobalSessionID = "*"
