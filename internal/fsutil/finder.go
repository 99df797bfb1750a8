// Package fsutil provides file system utility functions.
package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FoldersWithMinFiles walks root and returns every directory holding at
// least minCount regular files whose names match pattern. Directories are
// returned in lexical walk order, so repeated calls agree.
func FoldersWithMinFiles(root, pattern string, minCount int) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	if minCount < 1 {
		minCount = 1
	}

	var folders []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// unreadable sub-trees are skipped, not fatal
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		n, err := countMatches(path, pattern)
		if err != nil {
			return fs.SkipDir
		}
		if n >= minCount {
			folders = append(folders, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

func countMatches(dir, pattern string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(pattern, e.Name()); ok {
			n++
		}
	}
	return n, nil
}
