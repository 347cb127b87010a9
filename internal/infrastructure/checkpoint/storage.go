// Package checkpoint persists checkpoints as a gorm-indexed row (for fast
// listing) plus a JSON blob of the full Checkpoint (including file
// snapshots), grounded on the teacher's gorm repository pattern
// (infrastructure/persistence) adapted to the checkpoint domain.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	domaincheckpoint "github.com/ngoclaw/ngoclaw/gateway/internal/domain/checkpoint"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/persistence/models"
)

// GormStorage implements domaincheckpoint.Storage against gorm.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage migrates the checkpoints table and returns a storage port.
func NewGormStorage(db *gorm.DB) (*GormStorage, error) {
	if err := db.AutoMigrate(&models.CheckpointRow{}); err != nil {
		return nil, fmt.Errorf("checkpoint storage: migrate: %w", err)
	}
	return &GormStorage{db: db}, nil
}

func (s *GormStorage) Save(ctx context.Context, cp *domaincheckpoint.Checkpoint) error {
	filesJSON, err := json.Marshal(cp.Files)
	if err != nil {
		return err
	}
	toolJSON, err := json.Marshal(cp.ToolHistory)
	if err != nil {
		return err
	}
	row := models.CheckpointRow{
		ID:          cp.ID,
		CreatedAt:   cp.CreatedAt,
		Type:        string(cp.Type),
		Label:       cp.Label,
		FilesJSON:   string(filesJSON),
		ToolHistory: string(toolJSON),
	}
	if cp.Conversation != nil {
		convoJSON, err := json.Marshal(cp.Conversation)
		if err != nil {
			return err
		}
		row.HasConvo = true
		row.ConvoJSON = string(convoJSON)
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *GormStorage) Load(ctx context.Context, id string) (*domaincheckpoint.Checkpoint, error) {
	var row models.CheckpointRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToCheckpoint(row)
}

func (s *GormStorage) List(ctx context.Context) ([]domaincheckpoint.Summary, error) {
	var rows []models.CheckpointRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domaincheckpoint.Summary, 0, len(rows))
	for _, r := range rows {
		var files []interface{}
		_ = json.Unmarshal([]byte(r.FilesJSON), &files)
		out = append(out, domaincheckpoint.Summary{
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
			Type:      domaincheckpoint.Type(r.Type),
			Label:     r.Label,
			FileCount: len(files),
		})
	}
	return out, nil
}

func (s *GormStorage) Latest(ctx context.Context) (*domaincheckpoint.Checkpoint, error) {
	var row models.CheckpointRow
	err := s.db.WithContext(ctx).Order("created_at DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rowToCheckpoint(row)
}

func (s *GormStorage) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.CheckpointRow{}, "id = ?", id).Error
}

func rowToCheckpoint(row models.CheckpointRow) (*domaincheckpoint.Checkpoint, error) {
	cp := &domaincheckpoint.Checkpoint{
		ID:        row.ID,
		CreatedAt: row.CreatedAt,
		Type:      domaincheckpoint.Type(row.Type),
		Label:     row.Label,
	}
	if err := json.Unmarshal([]byte(row.FilesJSON), &cp.Files); err != nil {
		return nil, fmt.Errorf("checkpoint storage: decode files: %w", err)
	}
	if row.ToolHistory != "" {
		if err := json.Unmarshal([]byte(row.ToolHistory), &cp.ToolHistory); err != nil {
			return nil, fmt.Errorf("checkpoint storage: decode tool history: %w", err)
		}
	}
	if row.HasConvo {
		var convo domaincheckpoint.ConversationSnapshot
		if err := json.Unmarshal([]byte(row.ConvoJSON), &convo); err != nil {
			return nil, fmt.Errorf("checkpoint storage: decode conversation: %w", err)
		}
		cp.Conversation = &convo
	}
	return cp, nil
}
