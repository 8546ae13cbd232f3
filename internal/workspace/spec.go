package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSpecContent is the skeleton written when a named spec file does
// not exist yet. The headings match what validate_spec checks for.
const DefaultSpecContent = `# Goal

<describe the goal>

# Constraints / nuances

- <constraints>

# Acceptance tests

- <acceptance tests>
`

// DefaultSpecPath returns the canonical location of a named spec inside a
// workspace: <workspace>/specs/<name>/spec.md.
func DefaultSpecPath(workspacePath, name string) (string, error) {
	if strings.TrimSpace(workspacePath) == "" {
		return "", errors.New("workspace path is empty")
	}
	if strings.TrimSpace(name) == "" {
		return "", errors.New("spec name is empty")
	}
	absWorkspace, err := filepath.Abs(workspacePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(absWorkspace, "specs", name, "spec.md"), nil
}

// EnsureSpecFile creates path with DefaultSpecContent if it does not exist.
// Returns true when a new file was written.
func EnsureSpecFile(path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, errors.New("spec path is empty")
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	return true, os.WriteFile(path, []byte(DefaultSpecContent), 0o644)
}
