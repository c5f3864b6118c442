//go:build linux

// Package linux wraps the raw syscalls the resolution engine relies on with
// transparent EINTR retry, so callers never observe a spurious interruption.
package linux

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Retry calls fn until the error returned is not EINTR.
func Retry(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Retry1 is like Retry, but for functions returning a value and an error.
func Retry1[T any](fn func() (T, error)) (T, error) {
	for {
		val, err := fn()
		if !errors.Is(err, unix.EINTR) {
			return val, err
		}
	}
}

func Openat(dirfd int, path string, flags int, mode uint32) (int, error) {
	return Retry1(func() (int, error) {
		return unix.Openat(dirfd, path, flags|unix.O_CLOEXEC, mode)
	})
}

func Open(path string, flags int, mode uint32) (int, error) {
	return Retry1(func() (int, error) {
		return unix.Open(path, flags|unix.O_CLOEXEC, mode)
	})
}

func Mkdirat(dirfd int, path string, mode uint32) error {
	return Retry(func() error {
		return unix.Mkdirat(dirfd, path, mode)
	})
}

func Fstat(fd int, stat *unix.Stat_t) error {
	return Retry(func() error {
		return unix.Fstat(fd, stat)
	})
}

func Fstatat(dirfd int, path string, stat *unix.Stat_t, flags int) error {
	return Retry(func() error {
		return unix.Fstatat(dirfd, path, stat, flags)
	})
}

func Readlinkat(dirfd int, path string, buf []byte) (int, error) {
	return Retry1(func() (int, error) {
		return unix.Readlinkat(dirfd, path, buf)
	})
}

func Fchownat(dirfd int, path string, uid, gid, flags int) error {
	return Retry(func() error {
		return unix.Fchownat(dirfd, path, uid, gid, flags)
	})
}

// Dup duplicates fd with close-on-exec set atomically.
func Dup(fd int) (int, error) {
	return Retry1(func() (int, error) {
		return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	})
}
