package session

import (
	"fmt"

	"gorm.io/gorm"

	domainsession "github.com/ngoclaw/ngoclaw/gateway/internal/domain/session"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/persistence/models"
)

// Index is a gorm-backed cache over session.Metadata, grounded on the
// teacher's NewDBConnection/autoMigrate pattern. It exists purely to make
// ListSessions fast; the JSONL directories under the base path remain the
// source of truth and the index can always be rebuilt from them.
type Index struct {
	db *gorm.DB
}

// NewIndex wraps an already-connected gorm handle and migrates the
// session_index table.
func NewIndex(db *gorm.DB) (*Index, error) {
	if err := db.AutoMigrate(&models.SessionIndexRow{}); err != nil {
		return nil, fmt.Errorf("session index: migrate: %w", err)
	}
	return &Index{db: db}, nil
}

// Upsert writes or refreshes one session's index row.
func (idx *Index) Upsert(meta *domainsession.Metadata) error {
	row := toRow(meta)
	return idx.db.Save(&row).Error
}

// Delete removes a session's index row.
func (idx *Index) Delete(id string) error {
	return idx.db.Delete(&models.SessionIndexRow{}, "id = ?", id).Error
}

// List returns every indexed session, most recently updated first.
func (idx *Index) List() ([]*domainsession.Metadata, error) {
	var rows []models.SessionIndexRow
	if err := idx.db.Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domainsession.Metadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func toRow(meta *domainsession.Metadata) models.SessionIndexRow {
	return models.SessionIndexRow{
		ID:               meta.ID,
		CreatedAt:        meta.CreatedAt,
		UpdatedAt:        meta.UpdatedAt,
		WorkingDirectory: meta.WorkingDirectory,
		GitBranch:        meta.GitBranch,
		Model:            meta.Model,
		MessageCount:     meta.MessageCount,
		State:            string(meta.State),
		IsSidechain:      meta.IsSidechain,
		ParentSessionID:  meta.ParentSessionID,
		CustomTitle:      meta.CustomTitle,
		FirstPrompt:      meta.FirstPrompt,
		Summary:          meta.Summary,
	}
}

func fromRow(r models.SessionIndexRow) *domainsession.Metadata {
	return &domainsession.Metadata{
		ID:               r.ID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		WorkingDirectory: r.WorkingDirectory,
		GitBranch:        r.GitBranch,
		Model:            r.Model,
		MessageCount:     r.MessageCount,
		State:            domainsession.State(r.State),
		IsSidechain:      r.IsSidechain,
		ParentSessionID:  r.ParentSessionID,
		CustomTitle:      r.CustomTitle,
		FirstPrompt:      r.FirstPrompt,
		Summary:          r.Summary,
	}
}
