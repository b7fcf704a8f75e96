package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockScope_ContentionAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pids", "vllm.pid.lock")

	first := newLockScope(path)
	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	// The contender keeps its descriptor to the file it found locked.
	second := newLockScope(path)
	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release())
	assert.NoFileExists(t, path)
	require.NoError(t, first.Release())

	// The old file is unlinked, so the contender must lock a fresh one.
	ok, err = second.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	assert.FileExists(t, path)

	current, err := holdsPath(second.fl.Fh(), path)
	require.NoError(t, err)
	assert.True(t, current)

	third := newLockScope(path)
	ok, err = third.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "only one holder of the linked file")

	require.NoError(t, second.Release())
}

func TestHoldsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()

	ok, err := holdsPath(fh, path)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.Remove(path))
	ok, err = holdsPath(fh, path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	ok, err = holdsPath(fh, path)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = holdsPath(nil, path)
	require.NoError(t, err)
	assert.False(t, ok)
}
