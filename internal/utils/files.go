package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const partialSuffix = ".partial"

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// PartialPath is where an artifact is built before Promote makes it visible
// under its final name.
func PartialPath(path string) string {
	return path + partialSuffix
}

// Promote atomically moves a finished artifact from its partial path to path.
func Promote(path string) error {
	if err := os.Rename(PartialPath(path), path); err != nil {
		return fmt.Errorf("failed to promote %s: %w", path, err)
	}
	return nil
}

// ResetPartial removes the leftovers of an interrupted run and makes sure the
// parent directory exists.
func ResetPartial(path string) error {
	if err := os.RemoveAll(PartialPath(path)); err != nil {
		return fmt.Errorf("failed to remove stale %s: %w", PartialPath(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	return nil
}

// ListFiles returns the names of the regular files in dir with the given
// extension, sorted by name. The comparison is case-insensitive.
func ListFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// TrimExt returns the base name of path without its extension.
func TrimExt(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
