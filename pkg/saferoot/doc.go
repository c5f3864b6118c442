// Package saferoot opens and creates files and directories on behalf of a
// container configuration while guaranteeing that the resulting descriptor
// never refers to anything outside a designated root directory.
//
// Container images and bind-mount destinations routinely contain untrusted
// paths: symlinks, ".." segments, and race-prone intermediate directories.
// Resolving those naively is how container escapes happen. saferoot resolves
// every path either through openat2(2) with RESOLVE_IN_ROOT, or, on kernels
// and filesystems without that facility, through a userspace resolution that
// is independently verified against the root before any descriptor is handed
// back to the caller.
//
// The package is Linux-only.
package saferoot
