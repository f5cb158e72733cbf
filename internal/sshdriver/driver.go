// Package sshdriver is the Host Driver: a stateless SSH command/file channel
// to exactly one host. It never caches a connection across calls — every
// exec/put_file/get_file opens its own transport and closes it on return,
// per the concurrency model's "SSH connections are opened per operation and
// closed on return" rule.
package sshdriver

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"golang.org/x/crypto/ssh"

	"github.com/ionforge/meridian/internal/hypervisor"
	"github.com/ionforge/meridian/internal/merr"
	"github.com/ionforge/meridian/internal/sshdriver/knownhosts"
)

// dnsResolver caches hostname -> IP lookups across the many short-lived SSH
// connections every driver dials (one per Exec/PutFile/GetFile call, by
// design — see the package doc). A small, fixed fleet of hosts means the
// same handful of names get resolved on every probe/exec cycle; caching
// spares each of those from a fresh DNS round trip.
var dnsResolver = &dnscache.Resolver{}

func init() {
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()
}

// Config is the connection information for one host. Exactly one of KeyPath
// or Password should be set; the Fleet Registry owns and supplies these,
// the driver itself is stateless.
type Config struct {
	Hostname string
	Port     int
	User     string
	KeyPath  string
	Password string
}

// ExecResult is the outcome of a remote command. It is an alias of
// hypervisor.ExecResult so Driver satisfies hypervisor.Execer directly,
// without a cycle between the two packages.
type ExecResult = hypervisor.ExecResult

// Driver is a handle over one host's connection parameters. It holds no
// live connection; every method dials fresh.
type Driver struct {
	cfg         Config
	knownHosts  *knownhosts.Manager
	dialTimeout time.Duration
}

// New returns a Driver for cfg. With a nil knownHosts the driver accepts
// any host key (ssh.InsecureIgnoreHostKey).
func New(cfg Config, knownHosts *knownhosts.Manager) *Driver {
	return &Driver{cfg: cfg, knownHosts: knownHosts, dialTimeout: 10 * time.Second}
}

func (d *Driver) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch {
	case d.cfg.KeyPath != "":
		key, err := os.ReadFile(d.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", d.cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", d.cfg.KeyPath, err)
		}
		auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case d.cfg.Password != "":
		auth = []ssh.AuthMethod{ssh.Password(d.cfg.Password)}
	default:
		return nil, fmt.Errorf("host %s has neither key_path nor password configured", d.cfg.Hostname)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if d.knownHosts != nil {
		if err := d.knownHosts.Ensure(context.Background(), d.cfg.Hostname, d.cfg.Port); err != nil {
			return nil, fmt.Errorf("known_hosts scan for %s: %w", d.cfg.Hostname, err)
		}
		cb, err := d.knownHosts.HostKeyCallback()
		if err != nil {
			return nil, fmt.Errorf("known_hosts callback: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.dialTimeout,
	}, nil
}

func (d *Driver) dial(ctx context.Context) (*ssh.Client, error) {
	clientCfg, err := d.clientConfig()
	if err != nil {
		return nil, merr.AuthFailed(d.cfg.Hostname, err)
	}

	addr := fmt.Sprintf("%s:%d", d.cfg.Hostname, d.cfg.Port)
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resCh := make(chan dialResult, 1)
	go func() {
		dial := dnsResolver.Dialer(&net.Dialer{Timeout: d.dialTimeout})
		conn, err := dial(ctx, "tcp", addr)
		if err != nil {
			resCh <- dialResult{nil, err}
			return
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			conn.Close()
			resCh <- dialResult{nil, err}
			return
		}
		resCh <- dialResult{ssh.NewClient(sshConn, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		return nil, merr.Timeout("dial %s: %v", addr, ctx.Err())
	case res := <-resCh:
		if res.err != nil {
			if strings.Contains(res.err.Error(), "unable to authenticate") {
				return nil, merr.AuthFailed(d.cfg.Hostname, res.err)
			}
			return nil, merr.HostUnreachable(d.cfg.Hostname, res.err)
		}
		return res.client, nil
	}
}

// Exec runs cmd on the host and waits for it to finish or ctx to expire.
func (d *Driver) Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client, err := d.dial(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, merr.Internal(fmt.Errorf("new ssh session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ExecResult{}, merr.Timeout("command %q on %s: %v", cmd, d.cfg.Hostname, ctx.Err())
	case runErr := <-done:
		exitCode := 0
		if runErr != nil {
			var exitErr *ssh.ExitError
			if ok := asExitError(runErr, &exitErr); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return ExecResult{}, merr.Internal(fmt.Errorf("exec %q on %s: %w", cmd, d.cfg.Hostname, runErr))
			}
		}
		return ExecResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// PutFile writes local's contents to remotePath on the host. There is no
// SFTP dependency wired into this module, so the transfer rides the same
// exec channel: the remote file is written via a base64-decoded shell
// pipeline, which is portable across the minimal shells this system targets.
func (d *Driver) PutFile(ctx context.Context, localPath, remotePath string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	data, err := os.ReadFile(localPath)
	if err != nil {
		return merr.Internal(fmt.Errorf("read local file %s: %w", localPath, err))
	}

	client, err := d.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return merr.Internal(fmt.Errorf("new ssh session: %w", err))
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return merr.Internal(fmt.Errorf("stdin pipe: %w", err))
	}

	cmd := fmt.Sprintf("base64 -d > %s", shellQuote(remotePath))
	if err := session.Start(cmd); err != nil {
		return merr.Internal(fmt.Errorf("start remote write: %w", err))
	}

	encoded := encodeBase64(data)
	if _, err := stdin.Write(encoded); err != nil {
		return merr.Internal(fmt.Errorf("write payload: %w", err))
	}
	stdin.Close()

	if err := session.Wait(); err != nil {
		return merr.RemoteCommandFailed(cmd, exitCodeOf(err), "")
	}
	return nil
}

// GetFile reads remotePath from the host and writes it to localPath.
func (d *Driver) GetFile(ctx context.Context, remotePath, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := d.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return merr.Internal(fmt.Errorf("new ssh session: %w", err))
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	cmd := fmt.Sprintf("base64 %s", shellQuote(remotePath))
	if err := session.Run(cmd); err != nil {
		return merr.RemoteCommandFailed(cmd, exitCodeOf(err), "")
	}

	decoded, err := decodeBase64(stdout.Bytes())
	if err != nil {
		return merr.Internal(fmt.Errorf("decode remote payload: %w", err))
	}

	if err := os.WriteFile(localPath, decoded, 0o644); err != nil {
		return merr.Internal(fmt.Errorf("write local file %s: %w", localPath, err))
	}
	return nil
}

// HypervisorSession returns a hypervisor RPC session bound to this host,
// riding the same SSH exec channel (see internal/hypervisor for why there
// is no separate client library).
func (d *Driver) HypervisorSession() *hypervisor.Session {
	return hypervisor.NewSession(d)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func exitCodeOf(err error) int {
	var exitErr *ssh.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitStatus()
	}
	return -1
}

func encodeBase64(data []byte) []byte {
	var buf bytes.Buffer
	enc := base64.NewEncoder(base64.StdEncoding, &buf)
	_, _ = enc.Write(data)
	_ = enc.Close()
	return buf.Bytes()
}

func decodeBase64(data []byte) ([]byte, error) {
	dec := base64.NewDecoder(base64.StdEncoding, bytes.NewReader(bytes.TrimSpace(data)))
	return io.ReadAll(dec)
}
