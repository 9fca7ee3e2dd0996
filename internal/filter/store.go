package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// loadState reads the JSON state file at path into v. A missing file is
// created from the current (default) value of v.
func loadState(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return saveState(path, v)
	}
	if err != nil {
		return fmt.Errorf("failed to read filter state %s: %w", path, err)
	}
	if len(data) == 0 {
		return saveState(path, v)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse filter state %s: %w", path, err)
	}
	return nil
}

// saveState rewrites the whole state file. The new content is written to a
// temporary file first so a crash never leaves a truncated file behind.
func saveState(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode filter state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write filter state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close filter state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace filter state: %w", err)
	}
	return nil
}
