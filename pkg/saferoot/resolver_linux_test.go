//go:build linux

package saferoot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpenContainment(t *testing.T) {
	forEachResolver(t, func(t *testing.T, mkRoot func(t *testing.T) *Root) {
		root := mkRoot(t)
		require.NoError(t, os.MkdirAll(filepath.Join(root.Path(), "etc"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root.Path(), "etc/passwd"), []byte("inside"), 0o644))

		// More ".." than preceding components must still land inside.
		f, err := root.Open("../../../etc/passwd", unix.O_RDONLY, 0)
		require.NoError(t, err)
		defer f.Close()

		buf := make([]byte, 64)
		n, err := f.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "inside", string(buf[:n]))
	})
}

func TestOpenAbsoluteSymlink(t *testing.T) {
	forEachResolver(t, func(t *testing.T, mkRoot func(t *testing.T) *Root) {
		root := mkRoot(t)
		require.NoError(t, os.MkdirAll(filepath.Join(root.Path(), "etc"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root.Path(), "etc/hosts"), []byte("contained"), 0o644))
		require.NoError(t, os.Symlink("/etc/hosts", filepath.Join(root.Path(), "link")))

		// The absolute target is resolved with the root as "/".
		f, err := root.Open("link", unix.O_RDONLY, 0)
		require.NoError(t, err)
		defer f.Close()

		buf := make([]byte, 64)
		n, err := f.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "contained", string(buf[:n]))
	})
}

func TestOpenMissingTarget(t *testing.T) {
	forEachResolver(t, func(t *testing.T, mkRoot func(t *testing.T) *Root) {
		root := mkRoot(t)

		_, err := root.Open("no/such/path", unix.O_RDONLY, 0)
		require.Error(t, err)
		assert.ErrorIs(t, err, unix.ENOENT)
	})
}

func TestOpenRootItself(t *testing.T) {
	root := newTestRoot(t)

	for _, path := range []string{"", "/", "//"} {
		f, err := root.Open(path, unix.O_PATH|unix.O_DIRECTORY, 0)
		require.NoError(t, err, "path %q", path)
		got, err := procSelfFdReadlink(int(f.Fd()))
		require.NoError(t, err)
		assert.Equal(t, root.Path(), got)
		f.Close()
	}
}

func TestUserspaceResolvesRootToDup(t *testing.T) {
	root := newTestRoot(t)
	root.res = userspaceResolver{readlinkFd: procSelfFdReadlink}

	// "a/.." resolves to the root itself, which must come back as a
	// duplicate of the root descriptor.
	require.NoError(t, os.Mkdir(filepath.Join(root.Path(), "a"), 0o755))
	f, err := root.Open("a/..", unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	assert.NotEqual(t, int(root.dir.Fd()), int(f.Fd()))
	var rootSt, gotSt unix.Stat_t
	require.NoError(t, unix.Fstat(int(root.dir.Fd()), &rootSt))
	require.NoError(t, unix.Fstat(int(f.Fd()), &gotSt))
	assert.Equal(t, rootSt.Dev, gotSt.Dev)
	assert.Equal(t, rootSt.Ino, gotSt.Ino)
}

func TestUserspaceVerifierRejectsEscape(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root.Path(), "f"), nil, 0o644))

	// Simulate a descriptor whose canonical path turns out to be outside
	// the root: the open must be rejected as a containment violation, and
	// the forbidden target must not appear in the error.
	root.res = userspaceResolver{
		readlinkFd: func(int) (string, error) {
			return "/somewhere/forbidden", nil
		},
	}

	_, err := root.Open("f", unix.O_RDONLY, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEscapedRoot)
	assert.Contains(t, err.Error(), `"f"`)
	assert.NotContains(t, err.Error(), "forbidden")
}

// failingResolver stands in for the kernel strategy and fails every call with
// a fixed errno, counting how often it was consulted.
type failingResolver struct {
	errno unix.Errno
	calls int
}

func (s *failingResolver) openInRoot(r *Root, unsafePath string, flags int, mode uint32) (*os.File, error) {
	s.calls++
	return nil, fmt.Errorf("openat2 %q: %w", unsafePath, s.errno)
}

func TestAutoResolverCapabilityFallback(t *testing.T) {
	for _, tc := range []struct {
		errno unix.Errno
		// ENOSYS disables the kernel strategy for good; EINVAL and EPERM
		// only fall back for the one call.
		permanent bool
	}{
		{unix.ENOSYS, true},
		{unix.EINVAL, false},
		{unix.EPERM, false},
	} {
		t.Run(tc.errno.Error(), func(t *testing.T) {
			root := newTestRoot(t)
			require.NoError(t, os.WriteFile(filepath.Join(root.Path(), "f"), []byte("data"), 0o644))

			kernel := &failingResolver{errno: tc.errno}
			var disabled atomic.Bool
			root.res = &autoResolver{
				kernel:    kernel,
				user:      userspaceResolver{readlinkFd: procSelfFdReadlink},
				supported: func() bool { return true },
				disabled:  &disabled,
			}

			// The capability failure is recovered internally; the caller
			// sees a working descriptor, not the errno.
			f, err := root.Open("f", unix.O_RDONLY, 0)
			require.NoError(t, err)
			f.Close()
			assert.Equal(t, 1, kernel.calls)
			assert.Equal(t, tc.permanent, disabled.Load())

			f, err = root.Open("f", unix.O_RDONLY, 0)
			require.NoError(t, err)
			f.Close()
			if tc.permanent {
				assert.Equal(t, 1, kernel.calls, "kernel strategy must not be consulted again")
			} else {
				assert.Equal(t, 2, kernel.calls, "per-call fallback retries the kernel strategy")
			}
		})
	}
}

func TestAutoResolverSurfacesOtherErrors(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root.Path(), "f"), nil, 0o644))

	kernel := &failingResolver{errno: unix.EACCES}
	var disabled atomic.Bool
	root.res = &autoResolver{
		kernel:    kernel,
		user:      userspaceResolver{readlinkFd: procSelfFdReadlink},
		supported: func() bool { return true },
		disabled:  &disabled,
	}

	_, err := root.Open("f", unix.O_RDONLY, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EACCES)
	assert.False(t, disabled.Load())
}

func TestProcSelfFdReadlink(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := procSelfFdReadlink(int(f.Fd()))
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestOpenRootValidation(t *testing.T) {
	_, err := OpenRoot("relative/path")
	require.Error(t, err)

	_, err = OpenRoot(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
