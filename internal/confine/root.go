package confine

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"judgeguard/internal/fault"
)

// CheckRoot resolves root and verifies that it lies inside prefix. Both
// paths are resolved through symlinks first. An empty prefix allows any
// root.
func CheckRoot(root, prefix string) (string, error) {
	resolved, err := realpath(root)
	if err != nil {
		return "", fault.Config("resolving root directory", err)
	}
	if prefix == "" {
		return resolved, nil
	}
	realPrefix, err := realpath(prefix)
	if err != nil {
		return "", fault.Config("resolving root prefix", err)
	}
	if !within(resolved, realPrefix) {
		return "", fault.Config("checking root directory",
			fmt.Errorf("%w: %s is not under %s", fault.ErrOutsideChrootPrefix, resolved, realPrefix))
	}
	return resolved, nil
}

func realpath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func within(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// enterRoot changes into root, re-checks the kernel's view of the
// working directory against prefix, chroots there and finally changes
// to dir inside the new root.
func enterRoot(root, prefix, dir string) error {
	if root != "" {
		if err := unix.Chdir(root); err != nil {
			return fault.OS("changing to root directory", err)
		}
		cwd, err := unix.Getwd()
		if err != nil {
			return fault.OS("getting current directory", err)
		}
		if prefix != "" {
			realPrefix, err := realpath(prefix)
			if err != nil {
				return fault.Config("resolving root prefix", err)
			}
			if !within(cwd, realPrefix) {
				return fault.Config("checking root directory",
					fmt.Errorf("%w: %s is not under %s", fault.ErrOutsideChrootPrefix, cwd, realPrefix))
			}
		}
		if err := unix.Chroot("."); err != nil {
			return fault.OS("changing root", err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fault.OS("changing to new root", err)
		}
	}
	if dir != "" {
		if err := unix.Chdir(dir); err != nil {
			return fault.OS("changing to directory "+dir, err)
		}
	}
	return nil
}
