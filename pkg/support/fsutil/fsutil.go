// Package fsutil contains file system helpers used by the checkpointing and
// deadlock-reconciliation code.
package fsutil

import (
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists, or an error if something went
// wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// MustFileExists returns whether the file or directory exists.
// It panics on file system errors.
func MustFileExists(path string) bool {
	exists, err := FileExists(path)
	if err != nil {
		panic(err)
	}
	return exists
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error
// (e.g: `~unknown/...`).
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// AtomicWrite writes the contents produced by writeFn to path such that a crash mid-write
// never leaves a partial file at path: the contents are first written to a temporary file
// in the same directory, synced, and then renamed over path.
//
// If writeFn returns an error, the temporary file is removed and path is left untouched.
func AtomicWrite(path string, writeFn func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file in %q", dir)
	}
	tmpPath := tmpFile.Name()
	abort := func(err error) error {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := writeFn(tmpFile); err != nil {
		return abort(errors.WithMessagef(err, "while writing to temporary file %q", tmpPath))
	}
	if err := tmpFile.Sync(); err != nil {
		return abort(errors.Wrapf(err, "failed to sync %q", tmpPath))
	}
	if err := tmpFile.Close(); err != nil {
		return abort(errors.Wrapf(err, "failed to close %q", tmpPath))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, path)
	}
	return nil
}
