package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects stdout for the duration of f, the same helper
// the teacher's cmd/pulse tests use to assert on cobra command output.
func captureOutput(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestVersionCmd(t *testing.T) {
	output := captureOutput(func() {
		rootCmd.SetArgs([]string{"version"})
		require.NoError(t, rootCmd.Execute())
	})
	assert.Contains(t, output, "meridiand")
}

func TestConfigShowCmd(t *testing.T) {
	dir := t.TempDir()
	configPath = filepath.Join(dir, "missing.yaml")
	defer func() { configPath = "meridian.yaml" }()

	output := captureOutput(func() {
		rootCmd.SetArgs([]string{"config", "show"})
		require.NoError(t, rootCmd.Execute())
	})
	assert.Contains(t, output, "data_dir")
	assert.Contains(t, output, "listen_addr")
}

func TestHostAddAndList(t *testing.T) {
	dir := t.TempDir()
	configPath = filepath.Join(dir, "meridian.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("data_dir: "+dir+"/data\n"), 0o644))
	defer func() { configPath = "meridian.yaml" }()

	output := captureOutput(func() {
		rootCmd.SetArgs([]string{"host", "add", "h1", "--hostname", "h1.local"})
		require.NoError(t, rootCmd.Execute())
	})
	assert.Contains(t, output, "added host h1")

	output = captureOutput(func() {
		rootCmd.SetArgs([]string{"host", "list"})
		require.NoError(t, rootCmd.Execute())
	})
	assert.Contains(t, output, "h1")
	assert.Contains(t, output, "h1.local")
}

func TestHostAddWithAskPassword(t *testing.T) {
	dir := t.TempDir()
	configPath = filepath.Join(dir, "meridian.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("data_dir: "+dir+"/data\n"), 0o644))
	defer func() { configPath = "meridian.yaml" }()

	oldRead := readPassword
	defer func() { readPassword = oldRead }()
	readPassword = func() (string, error) { return "s3cret", nil }

	output := captureOutput(func() {
		rootCmd.SetArgs([]string{"host", "add", "h2", "--hostname", "h2.local", "--ask-password"})
		require.NoError(t, rootCmd.Execute())
	})
	assert.Contains(t, output, "added host h2")
	assert.NotContains(t, output, "s3cret")
}

func TestHostListEmpty(t *testing.T) {
	dir := t.TempDir()
	configPath = filepath.Join(dir, "meridian.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("data_dir: "+dir+"/data\n"), 0o644))
	defer func() { configPath = "meridian.yaml" }()

	output := captureOutput(func() {
		rootCmd.SetArgs([]string{"host", "list"})
		require.NoError(t, rootCmd.Execute())
	})
	assert.Contains(t, output, "no hosts registered")
}
