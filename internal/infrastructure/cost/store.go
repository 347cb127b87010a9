// Package cost persists cost.Aggregate rows via gorm, grounded on the
// teacher's gorm repository pattern (infrastructure/persistence).
package cost

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	domaincost "github.com/ngoclaw/ngoclaw/gateway/internal/domain/cost"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/persistence/models"
)

// GormStore implements domaincost.Store against gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the usage_aggregates table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&models.UsageAggregateRow{}); err != nil {
		return nil, fmt.Errorf("cost store: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Load(ctx context.Context, sessionID, provider, model string) (domaincost.Aggregate, error) {
	var row models.UsageAggregateRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ? AND provider = ? AND model = ?", sessionID, provider, model).Error
	if err == gorm.ErrRecordNotFound {
		return domaincost.Aggregate{SessionID: sessionID, Provider: provider, Model: model}, nil
	}
	if err != nil {
		return domaincost.Aggregate{}, err
	}
	return domaincost.Aggregate{
		SessionID:           row.SessionID,
		Provider:            row.Provider,
		Model:               row.Model,
		PromptTokens:        row.PromptTokens,
		CompletionTokens:    row.CompletionTokens,
		CacheCreationTokens: row.CacheCreationTokens,
		CacheReadTokens:     row.CacheReadTokens,
		CostUSD:             row.CostUSD,
	}, nil
}

func (s *GormStore) Save(ctx context.Context, agg domaincost.Aggregate) error {
	row := models.UsageAggregateRow{
		SessionID:           agg.SessionID,
		Provider:            agg.Provider,
		Model:               agg.Model,
		PromptTokens:        agg.PromptTokens,
		CompletionTokens:    agg.CompletionTokens,
		CacheCreationTokens: agg.CacheCreationTokens,
		CacheReadTokens:     agg.CacheReadTokens,
		CostUSD:             agg.CostUSD,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}
