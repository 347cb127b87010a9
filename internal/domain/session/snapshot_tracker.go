package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ContentStore is the content-addressable side-store for snapshot payloads
// too large to inline. Keyed by the hex-encoded sha256 of the content.
type ContentStore interface {
	Put(content []byte) (ref string, err error)
	Get(ref string) ([]byte, error)
}

// defaultExcludes are directories never watched for snapshots, per spec.
var defaultExcludes = map[string]bool{
	".git":         true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
	"target":       true,
	".ngoclaw":     true,
}

// InlineSizeCap is the maximum content size (bytes) stored inline in a
// FileSnapshot before it is pushed to the ContentStore by reference.
const InlineSizeCap = 64 * 1024

// Tracker records pre-edit file contents keyed by the message UUID that
// caused the edit, supporting undo (restore to a prior message).
type Tracker struct {
	mu        sync.Mutex
	byMessage map[string][]FileSnapshot // message uuid -> snapshots taken there
	order     []string                  // message uuids in the order first seen
	store     ContentStore
	workDir   string
	excludes  map[string]bool
}

// NewTracker creates a snapshot tracker rooted at workDir. extraExcludes are
// merged with the default watch-exclusion set (.git, node_modules, build
// outputs).
func NewTracker(workDir string, store ContentStore, extraExcludes ...string) *Tracker {
	excludes := make(map[string]bool, len(defaultExcludes)+len(extraExcludes))
	for k := range defaultExcludes {
		excludes[k] = true
	}
	for _, e := range extraExcludes {
		excludes[e] = true
	}
	return &Tracker{
		byMessage: make(map[string][]FileSnapshot),
		store:     store,
		workDir:   workDir,
		excludes:  excludes,
	}
}

// Watched reports whether path falls outside the excluded directory set.
func (t *Tracker) Watched(path string) bool {
	rel := path
	if filepath.IsAbs(path) {
		if r, err := filepath.Rel(t.workDir, path); err == nil {
			rel = r
		}
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if t.excludes[part] {
			return false
		}
	}
	return true
}

// Snapshot captures path's current on-disk state and records it against
// msgUUID. Must be called before the edit that msgUUID's tool call performs
// (invariant: snapshot precedes the write it protects).
func (t *Tracker) Snapshot(path, msgUUID string) (FileSnapshot, error) {
	if !t.Watched(path) {
		return FileSnapshot{}, nil
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(t.workDir, path)
	}

	snap := FileSnapshot{MessageUUID: msgUUID, Path: path}

	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		snap.State = FileStateAbsent
	} else if err != nil {
		return FileSnapshot{}, fmt.Errorf("snapshot %s: %w", path, err)
	} else {
		snap.State = FileStateExists
		snap.Size = int64(len(data))
		sum := sha256.Sum256(data)
		snap.ContentHash = hex.EncodeToString(sum[:])
		if info, statErr := os.Stat(abs); statErr == nil {
			perm := uint32(info.Mode().Perm())
			snap.Permissions = &perm
		}
		if len(data) <= InlineSizeCap || t.store == nil {
			snap.Content = data
		} else {
			ref, err := t.store.Put(data)
			if err != nil {
				return FileSnapshot{}, fmt.Errorf("snapshot %s: content store: %w", path, err)
			}
			snap.ContentRef = ref
		}
	}

	t.mu.Lock()
	if _, seen := t.byMessage[msgUUID]; !seen {
		t.order = append(t.order, msgUUID)
	}
	t.byMessage[msgUUID] = append(t.byMessage[msgUUID], snap)
	t.mu.Unlock()

	return snap, nil
}

// ListForMessage returns the snapshots taken for a given message UUID.
func (t *Tracker) ListForMessage(msgUUID string) []FileSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileSnapshot, len(t.byMessage[msgUUID]))
	copy(out, t.byMessage[msgUUID])
	return out
}

// RestoreResult reports the outcome of a Restore call.
type RestoreResult struct {
	Restored []string
	Failed   map[string]string
}

// Restore reverts every file snapshotted at or after msgUUID back to its
// captured state. Per spec, "at or after" means: walk messages in the order
// snapshots were recorded starting from msgUUID's first appearance, and for
// each distinct path apply the EARLIEST snapshot seen at or after that
// point (the state immediately before the edits we are undoing).
func (t *Tracker) Restore(msgUUID string) (RestoreResult, error) {
	t.mu.Lock()
	startIdx := -1
	for i, uuid := range t.order {
		if uuid == msgUUID {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		t.mu.Unlock()
		return RestoreResult{}, fmt.Errorf("session: no snapshots recorded for message %s", msgUUID)
	}

	// Earliest snapshot per path at or after startIdx.
	earliest := make(map[string]FileSnapshot)
	for _, uuid := range t.order[startIdx:] {
		for _, snap := range t.byMessage[uuid] {
			if _, ok := earliest[snap.Path]; !ok {
				earliest[snap.Path] = snap
			}
		}
	}
	t.mu.Unlock()

	result := RestoreResult{Failed: make(map[string]string)}
	for path, snap := range earliest {
		if err := t.applySnapshot(snap); err != nil {
			result.Failed[path] = err.Error()
			continue
		}
		result.Restored = append(result.Restored, path)
	}
	return result, nil
}

func (t *Tracker) applySnapshot(snap FileSnapshot) error {
	return ApplyFileSnapshot(t.workDir, t.store, snap)
}

// ApplyFileSnapshot writes snap back to disk relative to workDir (removing
// the file if the snapshot recorded it as absent), resolving content from
// the ContentStore when the snapshot only carries a reference. Exported so
// other packages (checkpoint) can restore a FileSnapshot without owning a
// Tracker.
func ApplyFileSnapshot(workDir string, store ContentStore, snap FileSnapshot) error {
	abs := snap.Path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workDir, snap.Path)
	}

	if snap.State == FileStateAbsent {
		err := os.Remove(abs)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	content := snap.Content
	if content == nil && snap.ContentRef != "" {
		if store == nil {
			return fmt.Errorf("no content store configured to resolve %s", snap.ContentRef)
		}
		data, err := store.Get(snap.ContentRef)
		if err != nil {
			return err
		}
		content = data
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if snap.Permissions != nil {
		mode = os.FileMode(*snap.Permissions)
	}
	return os.WriteFile(abs, content, mode)
}

// PreviewFileSnapshot reports what applying snap would do, without writing.
func PreviewFileSnapshot(workDir string, snap FileSnapshot) (currentExists, willChange bool) {
	abs := snap.Path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workDir, snap.Path)
	}
	info, err := os.Stat(abs)
	currentExists = err == nil
	switch {
	case snap.State == FileStateAbsent:
		willChange = currentExists
	case !currentExists:
		willChange = true
	default:
		data, readErr := os.ReadFile(abs)
		if readErr != nil {
			willChange = true
			break
		}
		sum := sha256.Sum256(data)
		willChange = hex.EncodeToString(sum[:]) != snap.ContentHash
	}
	_ = info
	return currentExists, willChange
}
