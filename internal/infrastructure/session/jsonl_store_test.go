package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainsession "github.com/ngoclaw/ngoclaw/gateway/internal/domain/session"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(dir, nil, nil), dir
}

func TestFileStoreCreateAndLoadMetadata(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	meta, err := store.Create(ctx, "sess-1", "/work/dir")
	require.NoError(t, err)
	assert.Equal(t, domainsession.StateActive, meta.State)
	assert.False(t, meta.IsSidechain)

	loaded, err := store.LoadMetadata(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", loaded.ID)
	assert.Equal(t, "/work/dir", loaded.WorkingDirectory)
}

func TestFileStoreAppendAndLoadMessages(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Create(ctx, "sess-2", "/work")
	require.NoError(t, err)

	m1 := domainsession.Message{UUID: "u1", Kind: domainsession.KindUser, Content: "hi", Timestamp: time.Now()}
	m2 := domainsession.Message{UUID: "u2", ParentUUID: "u1", Kind: domainsession.KindAssistant, Content: "hello", Timestamp: time.Now()}
	require.NoError(t, store.AppendMessage(ctx, "sess-2", m1))
	require.NoError(t, store.AppendMessage(ctx, "sess-2", m2))

	msgs, err := store.LoadMessages(ctx, "sess-2")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "u1", msgs[0].UUID)
	assert.Equal(t, "u2", msgs[1].UUID)

	meta, err := store.LoadMetadata(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.MessageCount)
}

func TestFileStoreSkipsMalformedTrailingLine(t *testing.T) {
	ctx := context.Background()
	store, base := newTestStore(t)
	_, err := store.Create(ctx, "sess-3", "/work")
	require.NoError(t, err)

	good := domainsession.Message{UUID: "u1", Kind: domainsession.KindUser, Content: "ok", Timestamp: time.Now()}
	require.NoError(t, store.AppendMessage(ctx, "sess-3", good))

	// Simulate a crash mid-write: append a truncated, non-JSON line.
	path := filepath.Join(base, "sessions", "sess-3", "messages.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"uuid":"u2","kind":"user","content":"truncat`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	msgs, err := store.LoadMessages(ctx, "sess-3")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "u1", msgs[0].UUID)
}

func TestFileStoreListSessionsFallsBackToDiskScan(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Create(ctx, "sess-a", "/work/a")
	require.NoError(t, err)
	_, err = store.Create(ctx, "sess-b", "/work/b")
	require.NoError(t, err)

	list, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestFileStoreDeleteSession(t *testing.T) {
	ctx := context.Background()
	store, base := newTestStore(t)
	_, err := store.Create(ctx, "sess-del", "/work")
	require.NoError(t, err)

	require.NoError(t, store.DeleteSession(ctx, "sess-del"))
	_, err = os.Stat(filepath.Join(base, "sessions", "sess-del"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreSidechainMessageChainCrossesParent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Create(ctx, "parent", "/work")
	require.NoError(t, err)
	root := domainsession.Message{UUID: "root", Kind: domainsession.KindUser, Content: "root msg", Timestamp: time.Now()}
	require.NoError(t, store.AppendMessage(ctx, "parent", root))

	_, err = store.CreateSidechain(ctx, "child", "parent", "/work")
	require.NoError(t, err)
	branch := domainsession.Message{UUID: "branch", ParentUUID: "root", Kind: domainsession.KindAssistant, Content: "branch msg", Timestamp: time.Now()}
	require.NoError(t, store.AppendMessage(ctx, "child", branch))

	chain, err := store.GetMessageChain(ctx, "child", "branch")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "root", chain[0].UUID)
	assert.Equal(t, "branch", chain[1].UUID)
}
