package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screens.json")
	in := []record{{ID: "a", Name: "first"}, {ID: "b", Name: "second"}}

	require.NoError(t, SaveJSON(path, in))

	var out []record
	require.NoError(t, LoadJSON(path, &out))
	assert.Equal(t, in, out)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	var out []record
	err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"), &out)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLoadMalformedFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var out []record
	err := LoadJSON(path, &out)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one")))
	require.NoError(t, WriteFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// No temp droppings left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, SaveSettings(path, Settings{LastUsedCase: "demo"}))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", s.LastUsedCase)
}
