package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapes is returned when a resolved path would land outside the
// workspace root, including escapes through symlinks.
var ErrPathEscapes = errors.New("path escapes workspace root")

// ExpandHome expands a leading "~/" (or a bare "~") to the user's home
// directory. Anything else passes through unchanged.
func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// SafeJoin resolves rel against root and guarantees the result stays inside
// root. rel may be absolute as long as it points into the root. Empty rel is
// an error. Symlinks are resolved before the containment check so a link
// pointing outside the root cannot smuggle a path out.
func SafeJoin(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", errors.New("path is empty")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	var candidate string
	if filepath.IsAbs(rel) {
		candidate = filepath.Clean(rel)
	} else {
		candidate = filepath.Join(absRoot, rel)
	}

	if err := checkInside(absRoot, candidate); err != nil {
		return "", err
	}

	// The candidate may not exist yet (write targets). Resolve symlinks on
	// the deepest existing ancestor and re-check containment against it.
	existing, tail := splitExisting(candidate)
	if existing != "" {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil && resolved != existing {
			recheck := filepath.Join(resolved, tail)
			if err := checkInside(absRoot, recheck); err != nil {
				return "", err
			}
		}
	}
	return candidate, nil
}

func checkInside(root, path string) error {
	r, err := filepath.Rel(root, path)
	if err != nil {
		return ErrPathEscapes
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrPathEscapes, path)
	}
	return nil
}

// splitExisting walks up from path to the deepest ancestor that exists,
// returning it and the remaining relative tail.
func splitExisting(path string) (existing, tail string) {
	cur := path
	var rest []string
	for {
		if _, err := os.Lstat(cur); err == nil {
			return cur, filepath.Join(rest...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", filepath.Join(rest...)
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}
