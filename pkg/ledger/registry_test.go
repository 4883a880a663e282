package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *TaskRegistry {
	t.Helper()
	r, err := OpenTaskRegistry(context.Background(), filepath.Join(t.TempDir(), "state", "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestTaskRegistryMarkAndKeys(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)

	require.NoError(t, r.Mark(ctx, "run-1", "M|r1i1p1f1|2001-2002", "M", "r1i1p1f1", "2001-2002", TaskPending, ""))
	require.NoError(t, r.Mark(ctx, "run-1", "M|r1i1p1f1|2005-2005", "M", "r1i1p1f1", "2005-2005", TaskDone, "2 files"))
	require.NoError(t, r.Mark(ctx, "run-1", "M|r2i1p1f1|2001-2002", "M", "r2i1p1f1", "2001-2002", TaskFailed, "HTTP 404"))

	keys, err := r.RequestedKeys(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, "M|r1i1p1f1|2001-2002")
	assert.Contains(t, keys, "M|r1i1p1f1|2005-2005")
	// Failed tasks remain eligible for re-planning.
	assert.NotContains(t, keys, "M|r2i1p1f1|2001-2002")
}

func TestTaskRegistryUpsert(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)

	require.NoError(t, r.Mark(ctx, "run-1", "k1", "M", "r1i1p1f1", "2001-2001", TaskPending, ""))
	require.NoError(t, r.Mark(ctx, "run-1", "k1", "M", "r1i1p1f1", "2001-2001", TaskDone, "1 file"))

	done, err := r.CountByState(ctx, "run-1", TaskDone)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	pending, err := r.CountByState(ctx, "run-1", TaskPending)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestTaskRegistryScopedByRun(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)

	require.NoError(t, r.Mark(ctx, "run-1", "k1", "M", "r1i1p1f1", "2001-2001", TaskDone, ""))

	keys, err := r.RequestedKeys(ctx, "run-2")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
