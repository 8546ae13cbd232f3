package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var errMaxFiles = errors.New("max files reached")

// WalkOptions bounds a workspace walk. SkipDirNames prunes whole subtrees
// by directory basename.
type WalkOptions struct {
	MaxFiles     int
	MaxDepth     int
	SkipDirNames map[string]bool
}

// DefaultWalkOptions skips VCS metadata, dependency caches, build output,
// and the harness's own state directories.
func DefaultWalkOptions() WalkOptions {
	return WalkOptions{
		MaxFiles: 5000,
		MaxDepth: 30,
		SkipDirNames: map[string]bool{
			".git":          true,
			"node_modules":  true,
			"vendor":        true,
			"dist":          true,
			"build":         true,
			"bin":           true,
			".agentd":       true,
			".agentd-cache": true,
		},
	}
}

// WalkFiles lists regular files under root as slash-separated relative
// paths. Hitting MaxFiles truncates the listing without error; unreadable
// entries are skipped.
func WalkFiles(root string, opts WalkOptions) ([]string, error) {
	if opts.MaxFiles <= 0 {
		return nil, errors.New("MaxFiles must be > 0")
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 30
	}
	root = filepath.Clean(root)
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}

	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)

		if rel != "." {
			depth := strings.Count(rel, "/") + 1
			if depth > opts.MaxDepth {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}

		if d.IsDir() {
			if opts.SkipDirNames != nil && opts.SkipDirNames[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}

		info, statErr := d.Info()
		if statErr == nil && !info.Mode().IsRegular() {
			return nil
		}
		if rel == "." {
			return nil
		}
		out = append(out, rel)
		if len(out) >= opts.MaxFiles {
			return errMaxFiles
		}
		return nil
	})
	if err != nil && !errors.Is(err, errMaxFiles) {
		return nil, err
	}
	return out, nil
}
