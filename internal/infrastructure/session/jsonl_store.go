// Package session implements the on-disk session-store contract:
//
//	sessions/<id>/metadata.json
//	sessions/<id>/messages.jsonl
//	sessions/<id>/snapshots.jsonl
//
// against the local filesystem, with a gorm-backed index (see Index) that
// makes ListSessions efficient. Grounded on the teacher's
// infrastructure/persistence package (gorm repositories over a typed model)
// adapted from a relational message store to an append-only JSONL log,
// since the spec's on-disk contract (§6) requires newline-delimited JSON.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	domainsession "github.com/ngoclaw/ngoclaw/gateway/internal/domain/session"
	"go.uber.org/zap"
)

// FileStore implements domainsession.Store against a base directory.
type FileStore struct {
	baseDir string
	index   *Index
	logger  *zap.Logger

	mu        sync.Mutex            // serializes directory creation
	writeLock map[string]*sync.Mutex // per-session single-writer discipline
	writeMu   sync.Mutex
}

// NewFileStore creates a session store rooted at baseDir/sessions.
func NewFileStore(baseDir string, index *Index, logger *zap.Logger) *FileStore {
	return &FileStore{
		baseDir:   filepath.Join(baseDir, "sessions"),
		index:     index,
		logger:    logger,
		writeLock: make(map[string]*sync.Mutex),
	}
}

func (s *FileStore) dir(id string) string { return filepath.Join(s.baseDir, id) }

func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	m, ok := s.writeLock[id]
	if !ok {
		m = &sync.Mutex{}
		s.writeLock[id] = m
	}
	return m
}

// Create initializes a brand new session directory and metadata.json.
func (s *FileStore) Create(ctx context.Context, id, workingDir string) (*domainsession.Metadata, error) {
	return s.create(ctx, id, workingDir, false, "")
}

// CreateSidechain initializes a branch rooted at parentID.
func (s *FileStore) CreateSidechain(ctx context.Context, id, parentID, workingDir string) (*domainsession.Metadata, error) {
	return s.create(ctx, id, workingDir, true, parentID)
}

func (s *FileStore) create(ctx context.Context, id, workingDir string, sidechain bool, parentID string) (*domainsession.Metadata, error) {
	if err := os.MkdirAll(s.dir(id), 0o755); err != nil {
		return nil, fmt.Errorf("session store: create dir: %w", err)
	}
	now := nowFunc()
	meta := &domainsession.Metadata{
		ID:               id,
		CreatedAt:        now,
		UpdatedAt:        now,
		WorkingDirectory: workingDir,
		State:            domainsession.StateActive,
		IsSidechain:      sidechain,
		ParentSessionID:  parentID,
	}
	if err := s.SaveMetadata(ctx, meta); err != nil {
		return nil, err
	}
	// Touch the jsonl files so readers see an empty-but-present log.
	for _, name := range []string{"messages.jsonl", "snapshots.jsonl"} {
		p := filepath.Join(s.dir(id), name)
		if _, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			// leave it open-and-close; we don't hold the fd between calls
		} else {
			return nil, fmt.Errorf("session store: touch %s: %w", name, err)
		}
	}
	return meta, nil
}

// AppendMessage appends one EnhancedMessage line to messages.jsonl, then
// updates metadata.json's message_count/updated_at and the gorm index.
func (s *FileStore) AppendMessage(ctx context.Context, sessionID string, msg domainsession.Message) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := appendJSONLine(filepath.Join(s.dir(sessionID), "messages.jsonl"), msg); err != nil {
		return err
	}

	meta, err := s.loadMetadataLocked(sessionID)
	if err != nil {
		return err
	}
	meta.UpdatedAt = msg.Timestamp
	if !msg.Kind.IsMetadata() {
		meta.MessageCount++
	}
	return s.saveMetadataLocked(meta)
}

// AppendSnapshot appends one FileHistorySnapshot line to snapshots.jsonl.
func (s *FileStore) AppendSnapshot(ctx context.Context, sessionID string, snap domainsession.FileSnapshot) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return appendJSONLine(filepath.Join(s.dir(sessionID), "snapshots.jsonl"), snap)
}

// LoadMessages reads every well-formed line of messages.jsonl. Partial or
// garbled lines (including a truncated trailing line from a crash) are
// skipped with a warning, never fatal.
func (s *FileStore) LoadMessages(ctx context.Context, sessionID string) ([]domainsession.Message, error) {
	var out []domainsession.Message
	err := readJSONLines(filepath.Join(s.dir(sessionID), "messages.jsonl"), s.logger, func(line []byte) error {
		var m domainsession.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// LoadSnapshots reads every well-formed line of snapshots.jsonl.
func (s *FileStore) LoadSnapshots(ctx context.Context, sessionID string) ([]domainsession.FileSnapshot, error) {
	var out []domainsession.FileSnapshot
	err := readJSONLines(filepath.Join(s.dir(sessionID), "snapshots.jsonl"), s.logger, func(line []byte) error {
		var snap domainsession.FileSnapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			return err
		}
		out = append(out, snap)
		return nil
	})
	return out, err
}

// GetMessageChain follows ParentUUID backwards from uuid, crossing into the
// parent session's log when this session is a sidechain.
func (s *FileStore) GetMessageChain(ctx context.Context, sessionID, uuid string) ([]domainsession.Message, error) {
	msgs, err := s.LoadMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	log := domainsession.NewLog()
	for _, m := range msgs {
		_ = log.Append(m)
	}

	meta, err := s.LoadMetadata(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var parentLookup func(string) (domainsession.Message, bool)
	if meta.IsSidechain && meta.ParentSessionID != "" {
		parentMsgs, err := s.LoadMessages(ctx, meta.ParentSessionID)
		if err == nil {
			parentLog := domainsession.NewLog()
			for _, m := range parentMsgs {
				_ = parentLog.Append(m)
			}
			parentLookup = func(u string) (domainsession.Message, bool) { return parentLog.Lookup(u) }
		}
	}

	return log.GetChainFrom(uuid, parentLookup), nil
}

// LoadMetadata reads metadata.json.
func (s *FileStore) LoadMetadata(ctx context.Context, sessionID string) (*domainsession.Metadata, error) {
	return s.loadMetadataLocked(sessionID)
}

func (s *FileStore) loadMetadataLocked(sessionID string) (*domainsession.Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(sessionID), "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("session store: load metadata: %w", err)
	}
	var meta domainsession.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("session store: parse metadata: %w", err)
	}
	return &meta, nil
}

// SaveMetadata writes metadata.json and refreshes the gorm index.
func (s *FileStore) SaveMetadata(ctx context.Context, meta *domainsession.Metadata) error {
	return s.saveMetadataLocked(meta)
}

func (s *FileStore) saveMetadataLocked(meta *domainsession.Metadata) error {
	if err := os.MkdirAll(s.dir(meta.ID), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir(meta.ID), "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("session store: save metadata: %w", err)
	}
	if s.index != nil {
		if err := s.index.Upsert(meta); err != nil && s.logger != nil {
			s.logger.Warn("session index upsert failed", zap.Error(err))
		}
	}
	return nil
}

// ListSessions prefers the gorm index; if it is unavailable or empty it
// falls back to scanning the base directory and rebuilding the index.
func (s *FileStore) ListSessions(ctx context.Context) ([]*domainsession.Metadata, error) {
	if s.index != nil {
		if rows, err := s.index.List(); err == nil && len(rows) > 0 {
			return rows, nil
		}
	}
	return s.rebuildFromDisk(ctx)
}

func (s *FileStore) rebuildFromDisk(ctx context.Context) ([]*domainsession.Metadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*domainsession.Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.LoadMetadata(ctx, e.Name())
		if err != nil {
			continue
		}
		out = append(out, meta)
		if s.index != nil {
			_ = s.index.Upsert(meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// DeleteSession recursively removes a session's directory and index row.
func (s *FileStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := os.RemoveAll(s.dir(sessionID)); err != nil {
		return fmt.Errorf("session store: delete: %w", err)
	}
	if s.index != nil {
		return s.index.Delete(sessionID)
	}
	return nil
}

func appendJSONLine(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("session store: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("session store: write %s: %w", path, err)
	}
	return nil
}

func readJSONLines(path string, logger *zap.Logger, handle func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := handle(line); err != nil {
			if logger != nil {
				logger.Warn("skipping malformed session log line",
					zap.String("path", path), zap.Int("line", lineNo), zap.Error(err))
			}
			continue
		}
	}
	return scanner.Err()
}
