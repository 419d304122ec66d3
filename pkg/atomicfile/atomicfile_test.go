package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicThenReadOrNone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")

	_, found, err := ReadOrNone(path)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, WriteAtomic(path, []byte("running\n")))

	data, found, err := ReadOrNone(path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "running", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not survive a successful rename")
}

func TestWriteAtomicOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")

	require.NoError(t, WriteAtomic(path, []byte("queued")))
	require.NoError(t, WriteAtomic(path, []byte("succeeded")))

	data, found, err := ReadOrNone(path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "succeeded", string(data))
}

func TestDeleteIfPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")

	require.NoError(t, DeleteIfPresent(path), "deleting an absent file is not an error")

	require.NoError(t, WriteAtomic(path, []byte("x")))
	require.NoError(t, DeleteIfPresent(path))

	_, found, err := ReadOrNone(path)
	require.NoError(t, err)
	assert.False(t, found)
}
