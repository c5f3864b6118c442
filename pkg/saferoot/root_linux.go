//go:build linux

package saferoot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containers/saferoot/internal/linux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// maxSymlinkFollows is the default number of symlink indirections a single
// resolution may follow before failing with ErrTooManyLinks.
const maxSymlinkFollows = 32

// Root is a handle to the directory that bounds all resolution performed by
// this package. It holds an O_PATH descriptor to the directory together with
// its absolute path, which is used for diagnostics and for the userspace
// resolution fallback.
type Root struct {
	dir    *os.File
	path   string
	budget int
	res    resolver
	// readlinkAt reads a symlink target relative to a directory descriptor;
	// injectable so tests can force a resolution failure.
	readlinkAt func(dirfd int, name string) (string, error)
}

// Option configures a Root.
type Option func(*Root)

// WithSymlinkBudget overrides the default symlink budget of 32. The budget
// must stay finite; values <= 0 make every symlink resolution fail.
func WithSymlinkBudget(n int) Option {
	return func(r *Root) {
		r.budget = n
	}
}

// OpenRoot opens the directory at path as a new containment root. The path
// must be absolute.
func OpenRoot(path string, opts ...Option) (*Root, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("root %q must be an absolute path", path)
	}
	path = filepath.Clean(path)
	fd, err := linux.Open(path, unix.O_PATH|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return RootFromFile(os.NewFile(uintptr(fd), path), path, opts...)
}

// RootFromFile wraps an already-open directory descriptor as a containment
// root. The Root takes ownership of dir; path must be the absolute path dir
// refers to.
func RootFromFile(dir *os.File, path string, opts ...Option) (*Root, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("root %q must be an absolute path", path)
	}
	r := &Root{
		dir:        dir,
		path:       filepath.Clean(path),
		budget:     maxSymlinkFollows,
		res:        defaultResolver(),
		readlinkAt: readlinkatGrow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Path returns the absolute path of the root directory.
func (r *Root) Path() string {
	return r.path
}

// Close releases the root directory descriptor. Descriptors previously
// returned by the Root remain valid.
func (r *Root) Close() error {
	return r.dir.Close()
}

// Open resolves unsafePath inside the root and opens it with the given flags
// and mode. Symlinks and ".." components are resolved as if the root were the
// root of the filesystem; the returned descriptor is close-on-exec and owned
// by the caller.
func (r *Root) Open(unsafePath string, flags int, mode uint32) (*os.File, error) {
	if strings.TrimLeft(unsafePath, "/") == "" {
		return r.openRootItself(flags, mode)
	}
	return r.res.openInRoot(r, unsafePath, flags, mode)
}

// openRootItself reopens the root directory by path and confirms, through the
// descriptor's own identity, that the path still refers to the same location.
func (r *Root) openRootItself(flags int, mode uint32) (*os.File, error) {
	fd, err := linux.Open(r.path, flags, mode)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: r.path, Err: err}
	}
	f := os.NewFile(uintptr(fd), r.path)
	got, err := procSelfFdReadlink(int(f.Fd()))
	if err != nil {
		closeQuiet(f)
		return nil, fmt.Errorf("verify root %q: %w", r.path, err)
	}
	if got != r.path {
		closeQuiet(f)
		return nil, fmt.Errorf("%w: root %q moved", ErrEscapedRoot, r.path)
	}
	return f, nil
}

// dupRoot returns a new descriptor for the root directory itself.
func (r *Root) dupRoot() (*os.File, error) {
	fd, err := linux.Dup(int(r.dir.Fd()))
	if err != nil {
		return nil, &os.PathError{Op: "dup", Path: r.path, Err: err}
	}
	return os.NewFile(uintptr(fd), r.path), nil
}

// closeQuiet closes a file and logs any error. Should only be used where the
// close error cannot change the outcome of the operation.
func closeQuiet(f *os.File) {
	if err := f.Close(); err != nil {
		logrus.Errorf("unable to close file %s: %q", f.Name(), err)
	}
}
