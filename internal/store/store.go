// Package store persists claudeman state as JSON documents under the state
// directory. The registry is small (dozens of sessions) and single-writer, so
// every mutation rewrites the whole document via a write-temp-then-rename
// replace, keeping readers from ever observing a torn file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/claudeman/internal/log"
)

// Settings is the optional ~/.claudeman/settings.json document.
type Settings struct {
	LastUsedCase string `json:"lastUsedCase,omitempty"`
}

// WriteFileAtomic writes data to path by way of a temp file in the same
// directory followed by a rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}

// SaveJSON marshals v (indented, for hand inspection) and replaces path.
func SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return WriteFileAtomic(path, data)
}

// LoadJSON unmarshals path into v. A missing file leaves v untouched and
// returns nil; a malformed file is logged at warn, leaves v untouched, and
// returns nil — the registry is rebuilt by reconciliation, so a corrupt
// document is recoverable state, not a fatal condition.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Warn(log.CatStore, "Malformed state file, treating as empty",
			"path", path, "error", err)
		return nil
	}
	return nil
}

// LoadSettings reads settings.json.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	err := LoadJSON(path, &s)
	return s, err
}

// SaveSettings replaces settings.json.
func SaveSettings(path string, s Settings) error {
	return SaveJSON(path, s)
}
