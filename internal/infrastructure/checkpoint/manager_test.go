package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	domaincheckpoint "github.com/ngoclaw/ngoclaw/gateway/internal/domain/checkpoint"
)

func newTestManager(t *testing.T) (*domaincheckpoint.Manager, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0o644))

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "idx.db")), &gorm.Config{})
	require.NoError(t, err)
	storage, err := NewGormStorage(db)
	require.NoError(t, err)

	contentDir := filepath.Join(root, ".blobs")
	store, err := NewFileContentStore(contentDir)
	require.NoError(t, err)

	mgr := domaincheckpoint.NewManager(storage, NewFSWalker(), store, root, []string{".blobs"}, nil)
	return mgr, root
}

func TestCheckpointCreateListGet(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	cp, err := mgr.Create(ctx, "first snapshot", domaincheckpoint.TypeManual)
	require.NoError(t, err)
	require.Len(t, cp.Files, 2)

	list, err := mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, cp.ID, list[0].ID)

	loaded, err := mgr.Get(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, cp.Label, loaded.Label)
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, root := newTestManager(t)

	cp, err := mgr.Create(ctx, "before edit", domaincheckpoint.TypeManual)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("modified"), 0o644))

	result, err := mgr.Restore(ctx, cp.ID, domaincheckpoint.RestoreOptions{RestoreFiles: true})
	require.NoError(t, err)
	require.Empty(t, result.FailedFiles)
	require.Contains(t, result.RestoredFiles, "a.txt")

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestCheckpointFindByShortID(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	cp, err := mgr.Create(ctx, "labelled", domaincheckpoint.TypeAuto)
	require.NoError(t, err)

	found, err := mgr.FindByShortID(ctx, cp.ShortID())
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, cp.ID, found.ID)
}

func TestCheckpointSecondCheckpointMatchesFirstAfterRestore(t *testing.T) {
	ctx := context.Background()
	mgr, root := newTestManager(t)

	first, err := mgr.Create(ctx, "one", domaincheckpoint.TypeManual)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("changed"), 0o644))

	_, err = mgr.Restore(ctx, first.ID, domaincheckpoint.RestoreOptions{RestoreFiles: true})
	require.NoError(t, err)

	second, err := mgr.Create(ctx, "two", domaincheckpoint.TypeManual)
	require.NoError(t, err)

	require.Equal(t, len(first.Files), len(second.Files))
	firstHashes := map[string]string{}
	for _, f := range first.Files {
		firstHashes[f.Path] = f.ContentHash
	}
	for _, f := range second.Files {
		require.Equal(t, firstHashes[f.Path], f.ContentHash)
	}
}
