package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrNetworkFilesystem is returned for a state database on a remote mount.
var ErrNetworkFilesystem = errors.New("state database must be on a local filesystem")

var errUnsupportedPlatform = errors.New("filesystem detection is unsupported on this platform")

var remoteFilesystems = []string{"afpfs", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// checkLocalFilesystem refuses database paths on network mounts, where
// SQLite locking is unreliable. Platforms without detection are accepted.
func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	fsType, err := detect(dir)
	if errors.Is(err, errUnsupportedPlatform) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if isRemote(fsType) {
		return fmt.Errorf("%w: %q is on %s, set state.path to a local file", ErrNetworkFilesystem, path, fsType)
	}
	return nil
}

// existingAncestor returns path or its closest parent that exists.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent of %q", path)
		}
		p = parent
	}
}

func isRemote(fsType string) bool {
	return slices.Contains(remoteFilesystems, strings.ToLower(strings.TrimSpace(fsType)))
}
