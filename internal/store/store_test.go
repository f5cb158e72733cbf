package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widget.json")

	in := widget{Name: "bolt", Count: 3}
	require.NoError(t, SaveJSON(path, in))

	var out widget
	require.NoError(t, LoadJSON(path, &out))
	assert.Equal(t, in, out)
}

func TestLoadJSONMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	var out widget
	err := LoadJSON(filepath.Join(dir, "missing.json"), &out)
	require.NoError(t, err)
	assert.Equal(t, widget{}, out)
}

func TestSaveJSONNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widget.json")
	require.NoError(t, SaveJSON(path, widget{Name: "a"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "widget.json", entries[0].Name())
}

func TestDocumentPreservesUnknownFields(t *testing.T) {
	original := []byte(`{"name":"bolt","count":3,"legacy_field":"keep-me"}`)

	var doc Document[widget]
	require.NoError(t, json.Unmarshal(original, &doc))
	assert.Equal(t, "bolt", doc.Known.Name)
	assert.Equal(t, 3, doc.Known.Count)
	assert.Contains(t, doc.Unknown, "legacy_field")

	roundTripped, err := json.Marshal(doc)
	require.NoError(t, err)

	var again Document[widget]
	require.NoError(t, json.Unmarshal(roundTripped, &again))
	assert.Equal(t, doc.Known, again.Known)
	assert.Contains(t, again.Unknown, "legacy_field")
}

func TestSaveJSONAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widget.json")

	require.NoError(t, SaveJSON(path, widget{Name: "first"}))
	require.NoError(t, SaveJSON(path, widget{Name: "second"}))

	var out widget
	require.NoError(t, LoadJSON(path, &out))
	assert.Equal(t, "second", out.Name)
}
