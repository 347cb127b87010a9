package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/session"
)

// FileWalker enumerates the tracked-file set under a project root, applying
// the exclude list. The infrastructure layer supplies a real filesystem
// walker; tests can fake it.
type FileWalker interface {
	Walk(ctx context.Context, root string, excludes []string) ([]string, error)
}

// Manager implements create/list/get/delete/restore over a Storage port,
// grounded on sage's CheckpointManager (checkpoints/manager/core.rs).
type Manager struct {
	storage     Storage
	walker      FileWalker
	contentStore session.ContentStore
	projectRoot string
	excludes    []string
	logger      *zap.Logger
}

// NewManager wires a checkpoint manager against a project root.
func NewManager(storage Storage, walker FileWalker, store session.ContentStore, projectRoot string, excludes []string, logger *zap.Logger) *Manager {
	return &Manager{
		storage:      storage,
		walker:       walker,
		contentStore: store,
		projectRoot:  projectRoot,
		excludes:     excludes,
		logger:       logger,
	}
}

// Create walks the tracked-file set, snapshots each file and persists a new
// checkpoint.
func (m *Manager) Create(ctx context.Context, label string, typ Type) (*Checkpoint, error) {
	paths, err := m.walker.Walk(ctx, m.projectRoot, m.excludes)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: walk project root: %w", err)
	}

	tracker := session.NewTracker(m.projectRoot, m.contentStore, m.excludes...)
	id := uuid.NewString()
	files := make([]session.FileSnapshot, 0, len(paths))
	for _, p := range paths {
		snap, err := tracker.Snapshot(p, id)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: snapshot %s: %w", p, err)
		}
		if snap.Path == "" {
			continue // excluded
		}
		files = append(files, snap)
	}

	cp := &Checkpoint{
		ID:    id,
		Type:  typ,
		Label: label,
		Files: files,
	}
	if err := m.storage.Save(ctx, cp); err != nil {
		return nil, err
	}
	if m.logger != nil {
		m.logger.Info("checkpoint created", zap.String("id", cp.ShortID()), zap.Int("files", len(files)))
	}
	return cp, nil
}

// List returns checkpoint summaries.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	return m.storage.List(ctx)
}

// Get loads one checkpoint by full ID.
func (m *Manager) Get(ctx context.Context, id string) (*Checkpoint, error) {
	return m.storage.Load(ctx, id)
}

// Latest returns the most recently created checkpoint, if any.
func (m *Manager) Latest(ctx context.Context) (*Checkpoint, error) {
	return m.storage.Latest(ctx)
}

// Delete removes one checkpoint.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.storage.Delete(ctx, id)
}

// ClearAll deletes every checkpoint and returns the count removed.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	summaries, err := m.storage.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range summaries {
		if err := m.storage.Delete(ctx, s.ID); err != nil {
			return 0, err
		}
	}
	if m.logger != nil {
		m.logger.Info("cleared all checkpoints", zap.Int("count", len(summaries)))
	}
	return len(summaries), nil
}

// FindByShortID finds a checkpoint whose ID starts with prefix.
func (m *Manager) FindByShortID(ctx context.Context, prefix string) (*Checkpoint, error) {
	summaries, err := m.storage.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range summaries {
		if strings.HasPrefix(s.ID, prefix) {
			return m.storage.Load(ctx, s.ID)
		}
	}
	return nil, nil
}

// AddConversationSnapshot attaches a conversation snapshot to an existing
// checkpoint.
func (m *Manager) AddConversationSnapshot(ctx context.Context, id string, snap ConversationSnapshot) error {
	cp, err := m.loadOrError(ctx, id)
	if err != nil {
		return err
	}
	cp.Conversation = &snap
	return m.storage.Save(ctx, cp)
}

// AddToolRecord appends a tool execution record to an existing checkpoint.
func (m *Manager) AddToolRecord(ctx context.Context, id string, record ToolExecutionRecord) error {
	cp, err := m.loadOrError(ctx, id)
	if err != nil {
		return err
	}
	cp.ToolHistory = append(cp.ToolHistory, record)
	return m.storage.Save(ctx, cp)
}

// PreviewRestore reports what Restore would do to each tracked file without
// writing anything.
func (m *Manager) PreviewRestore(ctx context.Context, id string) ([]RestorePreview, error) {
	cp, err := m.loadOrError(ctx, id)
	if err != nil {
		return nil, err
	}
	previews := make([]RestorePreview, 0, len(cp.Files))
	for _, snap := range cp.Files {
		exists, willChange := session.PreviewFileSnapshot(m.projectRoot, snap)
		previews = append(previews, RestorePreview{
			Path:           snap.Path,
			WillChange:     willChange,
			CurrentExists:  exists,
			SnapshotExists: snap.State == session.FileStateExists,
		})
	}
	return previews, nil
}

// Restore applies a checkpoint's file set back to the project root. Every
// file is restored independently: one failure is recorded and the batch
// continues. When options.CreateBackup is set (and this isn't a dry run), a
// fresh auto checkpoint of the current tree is taken first.
func (m *Manager) Restore(ctx context.Context, id string, options RestoreOptions) (RestoreResult, error) {
	cp, err := m.loadOrError(ctx, id)
	if err != nil {
		return RestoreResult{}, err
	}

	result := RestoreResult{
		CheckpointID: id,
		FailedFiles:  make(map[string]string),
		WasDryRun:    options.DryRun,
	}

	if options.CreateBackup && !options.DryRun {
		backup, err := m.Create(ctx, fmt.Sprintf("backup before restore to %s", cp.ShortID()), TypeAuto)
		if err != nil {
			return RestoreResult{}, fmt.Errorf("checkpoint: create backup: %w", err)
		}
		result.BackupCheckpointID = backup.ID
	}

	if options.RestoreFiles {
		m.restoreFiles(cp, options, &result)
	}

	if options.RestoreConversation && cp.Conversation != nil {
		result.ConversationRestored = true
	}

	if m.logger != nil {
		m.logger.Info("checkpoint restore complete",
			zap.String("id", cp.ShortID()),
			zap.Int("restored", result.RestoredCount()),
			zap.Int("failed", result.FailedCount()))
	}
	return result, nil
}

func (m *Manager) restoreFiles(cp *Checkpoint, options RestoreOptions, result *RestoreResult) {
	filter := toSet(options.FileFilter)
	for _, snap := range cp.Files {
		if len(filter) > 0 && !filter[snap.Path] {
			continue
		}
		if options.DryRun {
			result.RestoredFiles = append(result.RestoredFiles, snap.Path)
			continue
		}
		if err := session.ApplyFileSnapshot(m.projectRoot, m.contentStore, snap); err != nil {
			result.FailedFiles[snap.Path] = err.Error()
			continue
		}
		result.RestoredFiles = append(result.RestoredFiles, snap.Path)
	}
}

func (m *Manager) loadOrError(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := m.storage.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("checkpoint: %s not found", id)
	}
	return cp, nil
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}
