//go:build linux

package saferoot

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDir(t *testing.T) *os.File {
	t.Helper()
	dir, err := os.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })
	return dir
}

func TestMkdirAllAt(t *testing.T) {
	dir := openTestDir(t)

	require.NoError(t, MkdirAllAt(dir, "a/b/c", 0o755))
	st, err := os.Lstat(filepath.Join(dir.Name(), "a/b/c"))
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	// Idempotent.
	require.NoError(t, MkdirAllAt(dir, "a/b/c", 0o755))
	require.NoError(t, MkdirAllAt(dir, "a/b", 0o755))
}

func TestMkdirAllAtTrailingSlash(t *testing.T) {
	dir := openTestDir(t)

	require.NoError(t, MkdirAllAt(dir, "x/y/", 0o755))
	st, err := os.Lstat(filepath.Join(dir.Name(), "x/y"))
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestMkdirAllAtExistingFile(t *testing.T) {
	dir := openTestDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir.Name(), "f"), nil, 0o644))

	err := MkdirAllAt(dir, "f", 0o755)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotDirectory)

	err = MkdirAllAt(dir, "f/sub", 0o755)
	require.Error(t, err)
}

func TestMkdirAllAtSymlinkNotAccepted(t *testing.T) {
	dir := openTestDir(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir.Name(), "real"), 0o755))
	require.NoError(t, os.Symlink("real", filepath.Join(dir.Name(), "alias")))

	// The existing object must be an actual directory, not a symlink to one.
	err := MkdirAllAt(dir, "alias", 0o755)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestMkdirAllAtConcurrent(t *testing.T) {
	dir := openTestDir(t)

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = MkdirAllAt(dir, "deep/nested/tree", 0o755)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d", i)
	}
	for _, p := range []string{"deep", "deep/nested", "deep/nested/tree"} {
		st, err := os.Lstat(filepath.Join(dir.Name(), p))
		require.NoError(t, err)
		assert.True(t, st.IsDir(), p)
	}
}
