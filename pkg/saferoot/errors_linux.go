//go:build linux

package saferoot

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	// ErrEscapedRoot indicates that a resolved path was detected outside of
	// the root. The error deliberately carries the path that was requested,
	// never the path it resolved to.
	ErrEscapedRoot = errors.New("possible escape from the root detected")

	// ErrTooManyLinks indicates that the symlink budget was exhausted while
	// resolving a path, either a symlink cycle or a pathologically deep
	// chain. It matches unix.ELOOP.
	ErrTooManyLinks error = unix.ELOOP

	// ErrNotDirectory indicates that an existing object blocks a path that
	// must be a directory. It matches unix.ENOTDIR.
	ErrNotDirectory error = unix.ENOTDIR
)
