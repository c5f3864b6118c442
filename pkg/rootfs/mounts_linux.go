//go:build linux

// Package rootfs prepares a container root filesystem for mounting: it
// creates the mount-point files and directories an OCI configuration asks
// for, resolving every destination safely inside the rootfs.
package rootfs

import (
	"fmt"
	"os"

	"github.com/containers/storage/pkg/idtools"
	"github.com/hashicorp/go-multierror"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/containers/saferoot/internal/linux"
	"github.com/containers/saferoot/pkg/saferoot"
)

// mountPointMode is the mode used for mount-point directories and the
// intermediate directories created on the way to one.
const mountPointMode = 0o755

// EnsureMountPoint creates the mount point for m inside the root. Bind mounts
// of regular files get a file mount point, everything else a directory. When
// owner is set, a mount point is chowned to it through the held descriptor.
func EnsureMountPoint(root *saferoot.Root, m specs.Mount, owner *idtools.IDPair) error {
	isDir := true
	if isBindMount(m) {
		st, err := os.Stat(m.Source)
		if err != nil {
			return fmt.Errorf("stat bind mount source %q: %w", m.Source, err)
		}
		isDir = st.IsDir()
	}

	f, err := root.CreateAndOpen(isDir, m.Destination, mountPointMode)
	if err != nil {
		return fmt.Errorf("create mount point %q in %q: %w", m.Destination, root.Path(), err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logrus.Errorf("unable to close mount point %s: %q", f.Name(), cerr)
		}
	}()

	if owner != nil {
		if err := linux.Fchownat(int(f.Fd()), "", owner.UID, owner.GID, unix.AT_EMPTY_PATH); err != nil {
			return fmt.Errorf("chown mount point %q to %d:%d: %w", m.Destination, owner.UID, owner.GID, err)
		}
	}
	return nil
}

// EnsureMountPoints creates the mount points for all the given mounts,
// attempting every mount and joining the failures into a single error.
func EnsureMountPoints(root *saferoot.Root, mounts []specs.Mount, owner *idtools.IDPair) error {
	var merr *multierror.Error
	for _, m := range mounts {
		if err := EnsureMountPoint(root, m, owner); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// ContainerRoot returns the host owner corresponding to root (0:0) inside a
// container with the given ID mappings, or nil when no mappings are in use.
func ContainerRoot(uidMappings, gidMappings []specs.LinuxIDMapping) (*idtools.IDPair, error) {
	if len(uidMappings) == 0 && len(gidMappings) == 0 {
		return nil, nil
	}
	uid, gid, err := idtools.GetRootUIDGID(toIDMap(uidMappings), toIDMap(gidMappings))
	if err != nil {
		return nil, fmt.Errorf("find mapping for container root: %w", err)
	}
	return &idtools.IDPair{UID: uid, GID: gid}, nil
}

func toIDMap(mappings []specs.LinuxIDMapping) []idtools.IDMap {
	if len(mappings) == 0 {
		// nil means the identity mapping to idtools.
		return nil
	}
	ids := make([]idtools.IDMap, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, idtools.IDMap{
			ContainerID: int(m.ContainerID),
			HostID:      int(m.HostID),
			Size:        int(m.Size),
		})
	}
	return ids
}

func isBindMount(m specs.Mount) bool {
	for _, opt := range m.Options {
		if opt == "bind" || opt == "rbind" {
			return true
		}
	}
	return false
}
