package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Settings is the runtime-mutable slice of configuration, stored as
// pretty JSON at <data_dir>/settings.json.
type Settings struct {
	ModelPolicy ModelPolicy `json:"model_policy"`
}

// LoadSettings reads the settings file. A missing file is not an error;
// the second return reports whether one was found.
func LoadSettings(path string) (Settings, bool, error) {
	if path == "" {
		return Settings{}, false, errors.New("path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, false, nil
		}
		return Settings{}, false, err
	}
	var s Settings
	if err := json.Unmarshal(b, &s); err != nil {
		return Settings{}, false, err
	}
	return s, true, nil
}

// SaveSettings writes the settings file, creating parent directories.
func SaveSettings(path string, s Settings) error {
	if path == "" {
		return errors.New("path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
