//go:build linux

package saferoot

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/containers/saferoot/internal/linux"
)

// MkdirAllAt creates the directory path relative to dir, together with any
// missing parents, and succeeds if the directory already exists. Two callers
// racing to create the same tree both succeed. The path is resolved with
// ordinary openat semantics and is NOT confined to dir; use
// Root.EnsureDirectory for untrusted paths.
func MkdirAllAt(dir *os.File, path string, mode uint32) error {
	if err := mkdirAllAt(int(dir.Fd()), path, mode, false); err != nil {
		return err
	}
	// Whatever exists there now, ours or a concurrent creator's, must be an
	// actual directory. A file or a symlink left in place is an error, not
	// something to silently accept.
	ok, err := isDirAt(int(dir.Fd()), path, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("the path %q is not a directory: %w", path, ErrNotDirectory)
	}
	return nil
}

// mkdirAllAt attempts to create path, walking backward to the longest
// creatable ancestor on a missing parent. parentCreated latches once an
// ancestor has been ensured, so a repeated ENOENT afterwards is treated as a
// genuine failure instead of grounds for more backward walking.
func mkdirAllAt(dirfd int, path string, mode uint32, parentCreated bool) error {
	for {
		err := linux.Mkdirat(dirfd, path, mode)
		if err == nil || errors.Is(err, unix.EEXIST) {
			return nil
		}
		if parentCreated || !errors.Is(err, unix.ENOENT) {
			// On other errors, tolerate a directory that appeared
			// concurrently; anything else reports the mkdir failure.
			if ok, serr := isDirAt(dirfd, path, false); serr == nil && ok {
				return nil
			}
			return &os.PathError{Op: "mkdir", Path: path, Err: err}
		}

		parent := parentDir(path)
		if parent == "" {
			// No parent left to create below dirfd; leave the final
			// directory check to the caller.
			return nil
		}
		if err := mkdirAllAt(dirfd, parent, mode, false); err != nil {
			return err
		}
		parentCreated = true
	}
}

// parentDir returns the parent of a possibly slash-terminated relative path,
// or "" when there is none.
func parentDir(path string) string {
	path = strings.TrimRight(path, "/")
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return ""
	}
	return path[:i]
}

func isDirAt(dirfd int, path string, nofollow bool) (bool, error) {
	var flags int
	if nofollow {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	var st unix.Stat_t
	if err := linux.Fstatat(dirfd, path, &st, flags); err != nil {
		return false, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return st.Mode&unix.S_IFMT == unix.S_IFDIR, nil
}
