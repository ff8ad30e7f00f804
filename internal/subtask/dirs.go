package subtask

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	// DirPrefix is the name prefix of every subtask working directory.
	// Backends and inspection tools locate subtasks by this pattern.
	DirPrefix = "st-"

	// LockFileName marks a subtask slot as reserved by its schedule.
	LockFileName = ".lock"
)

// Dir returns the working directory of subtask index under taskDir.
// It does not touch the filesystem.
func Dir(taskDir string, index int) string {
	return filepath.Join(taskDir, DirPrefix+strconv.Itoa(index))
}

// ParseDirName returns the subtask index encoded in a directory name such as
// "st-12". ok is false for any other name, including zero-padded indices.
func ParseDirName(name string) (index int, ok bool) {
	rest, found := strings.CutPrefix(name, DirPrefix)
	if !found || rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || strconv.Itoa(n) != rest {
		return 0, false
	}
	return n, true
}

// EnsureDir creates the working directory for subtask index if needed and
// returns its path. Calling it again for the same index is a no-op.
func EnsureDir(taskDir string, index int) (string, error) {
	dir := Dir(taskDir, index)
	info, err := os.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		return dir, nil
	case err == nil:
		return "", &DirectoryCreationError{Path: dir, Err: fmt.Errorf("path exists and is not a directory")}
	case !errors.Is(err, fs.ErrNotExist):
		return "", &DirectoryCreationError{Path: dir, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &DirectoryCreationError{Path: dir, Err: err}
	}
	return dir, nil
}

// LockMarkerPath returns the path of the reservation marker in subtaskDir.
func LockMarkerPath(subtaskDir string) string {
	return filepath.Join(subtaskDir, LockFileName)
}

// Reserve atomically creates the lock marker in subtaskDir. A marker that
// already exists counts as success.
func Reserve(subtaskDir string) error {
	path := LockMarkerPath(subtaskDir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return &DirectoryCreationError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &DirectoryCreationError{Path: path, Err: err}
	}
	return nil
}

// IsReserved reports whether the lock marker exists in subtaskDir.
func IsReserved(subtaskDir string) bool {
	_, err := os.Stat(LockMarkerPath(subtaskDir))
	return err == nil
}

// ListDirs returns the sorted indices of all st-<n> directories present
// under taskDir. A missing taskDir yields an empty list.
func ListDirs(taskDir string) ([]int, error) {
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var indices []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, ok := ParseDirName(e.Name()); ok {
			indices = append(indices, n)
		}
	}
	sort.Ints(indices)
	return indices, nil
}
