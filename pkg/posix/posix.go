// Package posix contains portable implementations of the few file commands build scripts rely on
// (rm, mv, mkdir). The shell runner routes these commands here so that task scripts behave the
// same on every platform.
package posix

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
)

func expandArgs(args []string, allowEmpty bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		return args, nil
	}

	// cmd.exe doesn't expand globs for us
	items := make([]string, 0, len(args))
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", arg)
		}

		if matches == nil {
			if allowEmpty {
				continue
			}
			return nil, eris.Errorf("pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}

	return items, nil
}

// Remove deletes the passed paths. Directories are only removed if recursive is set and missing paths
// are only tolerated if force is set.
func Remove(paths []string, recursive, force bool) error {
	items, err := expandArgs(paths, force)
	if err != nil {
		return err
	}

	for _, item := range items {
		info, err := os.Lstat(item)
		if err != nil {
			if force && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
	}

	for _, item := range items {
		err := os.RemoveAll(item)
		if err != nil && (!force || !errors.Is(err, os.ErrNotExist)) {
			return eris.Wrapf(err, "could not delete %s", item)
		}
	}

	return nil
}

// Move renames srcs into dest. With a single source, dest may name the new path; with several,
// dest has to be an existing directory.
func Move(srcs []string, dest string) error {
	if len(srcs) == 0 {
		return eris.New("nothing to move")
	}

	dest = filepath.Clean(dest)
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	if err == nil {
		destIsDir = info.IsDir()
	} else if !errors.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "failed to retrieve info about destination %s", dest)
	}

	items, err := expandArgs(srcs, false)
	if err != nil {
		return err
	}

	if len(items) > 1 && !destIsDir {
		return eris.Errorf("can't move multiple items to %s because it is not a directory", dest)
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		err = os.Rename(item, itemDest)
		if err != nil {
			return eris.Wrapf(err, "failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}

// Mkdir creates the passed directories. parents behaves like mkdir -p: parents are created as needed and
// existing directories are not an error.
func Mkdir(paths []string, parents bool) error {
	for _, item := range paths {
		var err error
		if parents {
			err = os.MkdirAll(item, 0o770)
		} else {
			err = os.Mkdir(item, 0o770)
		}

		if err != nil {
			return eris.Wrapf(err, "failed to create %s", item)
		}
	}

	return nil
}
