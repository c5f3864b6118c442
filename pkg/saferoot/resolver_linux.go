//go:build linux

package saferoot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/containers/saferoot/internal/linux"
)

// resolver turns an untrusted path into a descriptor proven to be inside the
// root. The two implementations are the kernel-assisted one (openat2 with
// RESOLVE_IN_ROOT) and the userspace-verified fallback.
type resolver interface {
	openInRoot(r *Root, unsafePath string, flags int, mode uint32) (*os.File, error)
}

// openat2 support is probed once and cached for the process lifetime. The
// disabled latch additionally covers seccomp setups where the probe succeeds
// but a later call still returns ENOSYS.
var (
	openat2Once     sync.Once
	openat2Probed   bool
	openat2Disabled atomic.Bool
)

func openat2Supported() bool {
	openat2Once.Do(func() {
		how := unix.OpenHow{
			Flags:   unix.O_PATH | unix.O_CLOEXEC,
			Resolve: unix.RESOLVE_IN_ROOT,
		}
		fd, err := linux.Retry1(func() (int, error) {
			return unix.Openat2(unix.AT_FDCWD, ".", &how)
		})
		if err == nil {
			openat2Probed = true
			_ = unix.Close(fd)
		}
	})
	return openat2Probed
}

// autoResolver selects the kernel strategy when available and falls back to
// userspace resolution, either permanently (ENOSYS) or for the single call
// (EINVAL/EPERM, seen on filesystems that reject RESOLVE_IN_ROOT). Its fields
// are injectable so the switching policy can be driven deterministically.
type autoResolver struct {
	kernel    resolver
	user      resolver
	supported func() bool
	disabled  *atomic.Bool
}

func defaultResolver() resolver {
	return &autoResolver{
		kernel:    kernelResolver{},
		user:      userspaceResolver{readlinkFd: procSelfFdReadlink},
		supported: openat2Supported,
		disabled:  &openat2Disabled,
	}
}

func (a *autoResolver) openInRoot(r *Root, unsafePath string, flags int, mode uint32) (*os.File, error) {
	if !a.supported() || a.disabled.Load() {
		return a.user.openInRoot(r, unsafePath, flags, mode)
	}
	f, err := a.kernel.openInRoot(r, unsafePath, flags, mode)
	if err == nil {
		return f, nil
	}
	switch {
	case errors.Is(err, unix.ENOSYS):
		a.disabled.Store(true)
		logrus.Debugf("openat2 not available, switching to userspace path resolution")
		return a.user.openInRoot(r, unsafePath, flags, mode)
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.EPERM):
		return a.user.openInRoot(r, unsafePath, flags, mode)
	}
	return nil, err
}

// kernelResolver resolves through openat2(2), letting the kernel refuse any
// resolution that would leave the root.
type kernelResolver struct{}

func (kernelResolver) openInRoot(r *Root, unsafePath string, flags int, mode uint32) (*os.File, error) {
	how := unix.OpenHow{
		Flags:   uint64(flags) | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_IN_ROOT,
	}
	// openat2 rejects a non-zero mode unless the call can create something.
	if flags&(unix.O_CREAT|unix.O_TMPFILE) != 0 {
		how.Mode = uint64(mode)
	}
	for {
		fd, err := unix.Openat2(int(r.dir.Fd()), unsafePath, &how)
		if err == nil {
			return os.NewFile(uintptr(fd), r.path+"/"+strings.TrimLeft(unsafePath, "/")), nil
		}
		// openat2 can fail with EAGAIN when it detects a concurrent rename
		// anywhere on the system, so it must be retried like EINTR.
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		return nil, fmt.Errorf("openat2 %q: %w", unsafePath, err)
	}
}

// userspaceResolver resolves the path confined to the root in userspace, then
// independently verifies the opened descriptor through its own identity in
// /proc/self/fd rather than trusting the computed string. readlinkFd is
// injectable so tests can force a containment mismatch.
type userspaceResolver struct {
	readlinkFd func(fd int) (string, error)
}

func (u userspaceResolver) openInRoot(r *Root, unsafePath string, flags int, mode uint32) (*os.File, error) {
	// SecureJoin resolves symlinks with the root treated as the root of the
	// filesystem and bounds ".." lexically, the same confinement openat2
	// enforces in the kernel. A resolution failure is a hard error.
	resolved, err := securejoin.SecureJoin(r.path, unsafePath)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %q under root %q: %w", unsafePath, r.path, err)
	}
	rel := strings.TrimLeft(strings.TrimPrefix(resolved, r.path), "/")
	if rel == "" {
		// The target is the root itself.
		return r.dupRoot()
	}

	fd, err := linux.Openat(int(r.dir.Fd()), rel, flags, mode)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: filepath.Join(r.path, rel), Err: err}
	}
	f := os.NewFile(uintptr(fd), filepath.Join(r.path, rel))

	got, err := u.readlinkFd(int(f.Fd()))
	if err != nil {
		closeQuiet(f)
		return nil, fmt.Errorf("verify %q under root %q: %w", unsafePath, r.path, err)
	}
	rootPrefix := r.path + "/"
	if r.path == "/" {
		rootPrefix = "/"
	}
	if !strings.HasPrefix(got, rootPrefix) {
		closeQuiet(f)
		return nil, fmt.Errorf("%w: %q", ErrEscapedRoot, unsafePath)
	}
	return f, nil
}

// procSelfFdReadlink reads back the canonical path of an open descriptor from
// its /proc/self/fd magic link.
func procSelfFdReadlink(fd int) (string, error) {
	procPath := "/proc/self/fd/" + strconv.Itoa(fd)
	for bufSize := 256; bufSize <= unix.PathMax*2; bufSize *= 2 {
		buf := make([]byte, bufSize)
		n, err := linux.Retry1(func() (int, error) {
			return unix.Readlink(procPath, buf)
		})
		if err != nil {
			return "", &os.PathError{Op: "readlink", Path: procPath, Err: err}
		}
		if n < bufSize {
			return string(buf[:n]), nil
		}
	}
	return "", &os.PathError{Op: "readlink", Path: procPath, Err: unix.ENAMETOOLONG}
}
