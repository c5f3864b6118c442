//go:build linux

package saferoot

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/containers/saferoot/internal/linux"
)

// EnsureDirectory creates the directory unsafePath inside the root, together
// with any missing intermediate directories, resolving the path as if the
// root were the root of the filesystem. It is idempotent and tolerates a
// concurrent creator winning any of the individual creations.
func (r *Root) EnsureDirectory(unsafePath string, mode uint32) error {
	_, err := r.safeEnsure(false, true, unsafePath, mode)
	return err
}

// EnsureFile creates the regular file unsafePath inside the root, together
// with any missing intermediate directories; mode applies to the directories,
// the file itself is created with mode 0700. If the final component is a
// symlink, its target is resolved under the root and created there instead.
func (r *Root) EnsureFile(unsafePath string, mode uint32) error {
	_, err := r.safeEnsure(false, false, unsafePath, mode)
	return err
}

// CreateAndOpen returns an O_PATH reference to unsafePath inside the root,
// creating it first (as a directory or a regular file, per isDir) if it does
// not exist. The common case of an existing target stays on the plain
// contained open; the walking and creation logic only runs when that fails.
func (r *Root) CreateAndOpen(isDir bool, unsafePath string, mode uint32) (*os.File, error) {
	f, err := r.Open(unsafePath, unix.O_PATH, 0)
	if err == nil {
		return f, nil
	}
	logrus.Debugf("saferoot: %q does not resolve under %q (%v), creating it", unsafePath, r.path, err)
	return r.safeEnsure(true, isDir, unsafePath, mode)
}

// safeEnsure drives the walk, re-entering it from the top whenever the final
// component turns out to be a symlink. The symlink budget is carried
// explicitly so the bound is enforced at every re-entry.
func (r *Root) safeEnsure(doOpen, isDir bool, unsafePath string, mode uint32) (*os.File, error) {
	budget := r.budget
	target := unsafePath
	for {
		if budget <= 0 {
			return nil, fmt.Errorf("%w: resolve path %q", ErrTooManyLinks, unsafePath)
		}
		f, link, err := r.ensureWalk(doOpen, isDir, target, mode)
		if err != nil {
			return nil, err
		}
		if link == "" {
			return f, nil
		}
		// The final component was a symlink; run the whole walk again with
		// its target. The target may be absolute or contain "..", so it has
		// to go through the identical depth and root-reset logic.
		target = link
		budget--
	}
}

// ensureWalk performs one pass of the walk: it consumes the path component by
// component starting from the root descriptor, creating intermediate
// directories as needed. A non-empty link return value means the final
// component was a symlink pointing there and the caller must restart.
func (r *Root) ensureWalk(doOpen, isDir bool, unsafePath string, mode uint32) (result *os.File, link string, err error) {
	var parts []string
	for _, c := range strings.Split(unsafePath, "/") {
		if c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		// Empty path, the target is the root itself.
		if doOpen {
			f, err := r.dupRoot()
			return f, "", err
		}
		return nil, "", nil
	}

	// wd is the current working descriptor; nil means the root.
	var wd *os.File
	defer func() {
		if wd != nil {
			closeQuiet(wd)
		}
	}()
	wdFd := func() int {
		if wd != nil {
			return int(wd.Fd())
		}
		return int(r.dir.Fd())
	}

	depth := 0
	for i, cur := range parts {
		last := i == len(parts)-1

		if cur == "." {
			continue
		}
		if cur == ".." {
			if depth == 0 {
				// Ascending past the root is a silent reset to the root
				// descriptor, never an escape.
				if wd != nil {
					closeQuiet(wd)
					wd = nil
				}
				continue
			}
			depth--
		} else {
			depth++
		}

		if last && !isDir {
			fd, err := linux.Openat(wdFd(), cur, unix.O_CREAT|unix.O_WRONLY|unix.O_NOFOLLOW, 0o700)
			if err != nil {
				// O_NOFOLLOW turns a symlink final component into ELOOP;
				// hand its target back so the walk restarts from the top. A
				// failing readlink here means the link vanished under us, and
				// the caller must never receive the unresolved symlink.
				if errors.Is(err, unix.ELOOP) {
					target, rerr := r.readlinkAt(wdFd(), cur)
					if rerr != nil {
						return nil, "", fmt.Errorf("resolve symlink %q: %w", r.path+"/"+unsafePath, rerr)
					}
					return nil, target, nil
				}
				// Attempt a non-following path-only open so the caller gets
				// a coherent handle or error for whatever is there.
				fd, err = linux.Openat(wdFd(), cur, unix.O_PATH|unix.O_NOFOLLOW, 0)
				if err != nil {
					return nil, "", &os.PathError{Op: "open", Path: r.path + "/" + unsafePath, Err: err}
				}
			}
			f := os.NewFile(uintptr(fd), r.path+"/"+unsafePath)
			if doOpen {
				return f, "", nil
			}
			closeQuiet(f)
			return nil, "", nil
		}

		// Create the component as a directory if missing; a concurrent
		// creator winning the race shows up as EEXIST and is fine either
		// way, the type check below decides.
		if err := linux.Mkdirat(wdFd(), cur, mode); err != nil && !errors.Is(err, unix.EEXIST) {
			return nil, "", fmt.Errorf("mkdir %q: %w", "/"+unsafePath, err)
		}

		// Reopen the consumed prefix from the root through the contained
		// open, so symlinks in already-created components cannot redirect
		// the walk outside.
		prefix := strings.Join(parts[:i+1], "/")
		flags := 0
		if last {
			flags = unix.O_PATH
		}
		nwd, err := r.Open(prefix, flags, 0)
		if err != nil {
			return nil, "", fmt.Errorf("creating %q: %w", "/"+unsafePath, err)
		}

		var st unix.Stat_t
		if err := linux.Fstat(int(nwd.Fd()), &st); err != nil {
			closeQuiet(nwd)
			return nil, "", &os.PathError{Op: "stat", Path: prefix, Err: err}
		}
		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			closeQuiet(nwd)
			return nil, "", fmt.Errorf("creating directory %q: %q exists and is not a directory: %w", unsafePath, prefix, ErrNotDirectory)
		}

		if wd != nil {
			closeQuiet(wd)
		}
		wd = nwd
	}

	if doOpen {
		if wd == nil {
			f, err := r.dupRoot()
			return f, "", err
		}
		result, wd = wd, nil
		return result, "", nil
	}
	return nil, "", nil
}

// readlinkatGrow reads a symlink target relative to dirfd, growing the buffer
// until the whole target fits.
func readlinkatGrow(dirfd int, name string) (string, error) {
	for bufSize := 256; bufSize <= unix.PathMax*2; bufSize *= 2 {
		buf := make([]byte, bufSize)
		n, err := linux.Readlinkat(dirfd, name, buf)
		if err != nil {
			return "", &os.PathError{Op: "readlink", Path: name, Err: err}
		}
		if n < bufSize {
			return string(buf[:n]), nil
		}
	}
	return "", &os.PathError{Op: "readlink", Path: name, Err: unix.ENAMETOOLONG}
}
