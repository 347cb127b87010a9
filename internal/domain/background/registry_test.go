package background

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/cancel"
)

func TestRegistrySpawnAndOutput(t *testing.T) {
	root := cancel.NewRoot(context.Background())
	reg := New()

	id, err := reg.Spawn(root, t.TempDir(), "echo hello")
	require.NoError(t, err)
	assert.True(t, ValidID(id))

	out, err := reg.Output(id, false, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Contains(t, out.Stdout, "hello")
}

func TestRegistryIncrementalOutputNeverOverlaps(t *testing.T) {
	root := cancel.NewRoot(context.Background())
	reg := New()

	id, err := reg.Spawn(root, t.TempDir(), "printf 'a'; sleep 0.2; printf 'b'")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	first, err := reg.Output(id, true, 0)
	require.NoError(t, err)

	second, err := reg.Output(id, true, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "ab", first.Stdout+second.Stdout)
}

func TestRegistryKill(t *testing.T) {
	root := cancel.NewRoot(context.Background())
	reg := New()

	id, err := reg.Spawn(root, t.TempDir(), "sleep 30")
	require.NoError(t, err)

	require.NoError(t, reg.Kill(id))

	out, err := reg.Output(id, false, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, out.Status)
}

func TestRegistryRejectsInvalidID(t *testing.T) {
	reg := New()
	_, err := reg.Output("not an id!", false, 0)
	require.Error(t, err)
}
