// Package knownhosts manages a cluster-local known_hosts file, populated on
// demand via ssh-keyscan the first time a host is dialed, so operators never
// have to pre-seed host keys by hand.
package knownhosts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

// KeyscanFunc runs ssh-keyscan against host:port and returns the raw
// known_hosts-formatted line(s) it prints. Swappable so tests never shell
// out for real.
type KeyscanFunc func(ctx context.Context, host string, port int) ([]byte, error)

// Option configures a Manager.
type Option func(*Manager)

// WithKeyscanFunc overrides the default ssh-keyscan-backed scanner.
func WithKeyscanFunc(fn KeyscanFunc) Option {
	return func(m *Manager) { m.keyscan = fn }
}

// Manager caches host keys in a single known_hosts file on disk, keyed by
// "host:port", scanning lazily and only once per process per host.
type Manager struct {
	path string

	mu      sync.Mutex
	scanned map[string]bool
	keyscan KeyscanFunc

	mkdirAllFn func(string, os.FileMode) error
	statFn     func(string) (os.FileInfo, error)
	openFileFn func(string, int, os.FileMode) (*os.File, error)
}

// NewManager returns a Manager persisting host keys at path.
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path:       path,
		scanned:    map[string]bool{},
		keyscan:    defaultKeyscan,
		mkdirAllFn: os.MkdirAll,
		statFn:     os.Stat,
		openFileFn: os.OpenFile,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultKeyscan(ctx context.Context, host string, port int) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ssh-keyscan", "-p", fmt.Sprintf("%d", port), "-T", "5", host)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ssh-keyscan %s:%d: %w", host, port, err)
	}
	return out.Bytes(), nil
}

// Ensure guarantees host:port's key is present in the known_hosts file,
// scanning for it at most once per Manager lifetime.
func (m *Manager) Ensure(ctx context.Context, host string, port int) error {
	key := fmt.Sprintf("%s:%d", host, port)

	m.mu.Lock()
	if m.scanned[key] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	lines, err := m.keyscan(ctx, host, port)
	if err != nil {
		return err
	}
	sanitized := sanitize(lines)
	if len(sanitized) == 0 {
		return fmt.Errorf("ssh-keyscan returned no keys for %s:%d", host, port)
	}

	if err := m.mkdirAllFn(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create known_hosts dir: %w", err)
	}

	f, err := m.openFileFn(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(sanitized); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}

	m.mu.Lock()
	m.scanned[key] = true
	m.mu.Unlock()
	return nil
}

// sanitize strips comment lines and blank lines ssh-keyscan may emit.
func sanitize(raw []byte) []byte {
	var out bytes.Buffer
	for _, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		out.WriteString(trimmed)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// HostKeyCallback returns an ssh.HostKeyCallback backed by this manager's
// known_hosts file. Ensure must be called for the target host first.
func (m *Manager) HostKeyCallback() (ssh.HostKeyCallback, error) {
	return xknownhosts.New(m.path)
}
