package knownhosts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeKeyscan(line []byte) KeyscanFunc {
	return func(ctx context.Context, host string, port int) ([]byte, error) {
		return line, nil
	}
}

func TestEnsureWritesSanitizedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")

	raw := []byte("# comment\n\nhost-1 ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAI...\n")
	mgr := NewManager(path, WithKeyscanFunc(fakeKeyscan(raw)))

	require.NoError(t, mgr.Ensure(context.Background(), "host-1", 22))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "host-1 ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAI...\n", string(data))
}

func TestEnsureOnlyScansOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")

	calls := 0
	mgr := NewManager(path, WithKeyscanFunc(func(ctx context.Context, host string, port int) ([]byte, error) {
		calls++
		return []byte("host-1 ssh-ed25519 AAAA\n"), nil
	}))

	require.NoError(t, mgr.Ensure(context.Background(), "host-1", 22))
	require.NoError(t, mgr.Ensure(context.Background(), "host-1", 22))
	assert.Equal(t, 1, calls)
}

func TestEnsureEmptyKeyscanErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	mgr := NewManager(path, WithKeyscanFunc(fakeKeyscan([]byte("\n# just a comment\n"))))

	err := mgr.Ensure(context.Background(), "host-1", 22)
	assert.Error(t, err)
}
