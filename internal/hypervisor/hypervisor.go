// Package hypervisor implements the "hypervisor RPC channel" of the host
// contract as a virsh command builder/parser riding the same SSH exec
// channel as the Host Driver.
//
// No Go libvirt binding is vendored anywhere this module draws from, and
// the driver's own metrics collection already depends on portable shell
// commands over the same transport, so this package treats virsh-over-SSH
// as the hypervisor RPC implementation rather than inventing a fake client
// library. Domain naming always equals the VM's name, matching the
// lookupByName/migrateToURI3 usage this is grounded on.
package hypervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ionforge/meridian/internal/merr"
)

// ExecResult is the outcome of a remote command, shared with
// internal/sshdriver so Driver can satisfy Execer without an import cycle.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Execer is the minimal remote-command contract a Session needs. An
// internal/sshdriver.Driver satisfies this directly.
type Execer interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error)
}

// MigrateFlags mirror the libvirt VIR_MIGRATE_* bitmask this system targets,
// translated to virsh migrate's command-line flags.
type MigrateFlags struct {
	Live             bool
	PersistDest      bool
	UndefineSource   bool
	Compressed       bool
	AutoConverge     bool
	PeerToPeer       bool
	Tunnelled        bool
	ChangeProtection bool
}

func (f MigrateFlags) args() []string {
	var args []string
	if f.Live {
		args = append(args, "--live")
	}
	if f.PersistDest {
		args = append(args, "--persistent")
	}
	if f.UndefineSource {
		args = append(args, "--undefinesource")
	}
	if f.Compressed {
		args = append(args, "--compressed")
	}
	if f.AutoConverge {
		args = append(args, "--auto-converge")
	}
	if f.PeerToPeer {
		args = append(args, "--p2p")
	}
	if f.Tunnelled {
		args = append(args, "--tunnelled")
	}
	if f.ChangeProtection {
		args = append(args, "--change-protection")
	}
	return args
}

// JobInfo is the polled state of an in-flight migration job.
type JobInfo struct {
	DataProcessed int64
	DataRemaining int64
	DataTotal     int64
	Speed         int64 // MiB/s
	Downtime      int64 // ms
}

const metricCmdTimeout = 2 * time.Second

// Session is a hypervisor RPC handle bound to one host, riding cmd.Exec.
type Session struct {
	exec Execer
}

// NewSession binds a Session to an Execer (normally an *sshdriver.Driver).
func NewSession(e Execer) *Session {
	return &Session{exec: e}
}

func (s *Session) run(ctx context.Context, timeout time.Duration, format string, args ...any) (ExecResult, error) {
	cmd := fmt.Sprintf(format, args...)
	res, err := s.exec.Exec(ctx, cmd, timeout)
	if err != nil {
		return ExecResult{}, err
	}
	if res.ExitCode != 0 {
		return res, merr.RemoteCommandFailed(cmd, res.ExitCode, res.Stderr)
	}
	return res, nil
}

// DomainExists reports whether a domain named name is known to virsh.
func (s *Session) DomainExists(ctx context.Context, name string) (bool, error) {
	res, err := s.exec.Exec(ctx, fmt.Sprintf("virsh dominfo %s", shq(name)), metricCmdTimeout)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// DomainIsActive reports whether the domain is currently running.
func (s *Session) DomainIsActive(ctx context.Context, name string) (bool, error) {
	res, err := s.run(ctx, metricCmdTimeout, "virsh domstate %s", shq(name))
	if err != nil {
		return false, err
	}
	state := strings.TrimSpace(res.Stdout)
	return state == "running", nil
}

// Define creates a persistent domain from xml (an already-rendered libvirt
// domain XML document, produced upstream — rendering it is out of scope
// here, see spec non-goals).
func (s *Session) Define(ctx context.Context, xmlPath string) error {
	_, err := s.run(ctx, 10*time.Second, "virsh define %s", shq(xmlPath))
	return err
}

// DomainConfig is the declared shape handed to CreateDomain. cloud-init
// rendering is out of scope; CloudInitISO, if set, names an already-built
// ISO path an external template system produced.
type DomainConfig struct {
	CPUCores     int
	MemoryMB     int64
	DiskSizeGB   int64
	ImageID      string
	NetworkName  string
	Arch         string
	CloudInitISO string
}

// CreateDomain provisions a new domain via virt-install, the standard
// libvirt-adjacent CLI for defining a domain from CLI flags rather than
// hand-written XML — this system never renders domain XML itself (see
// DomainConfig.CloudInitISO and the spec's cloud-init non-goal).
func (s *Session) CreateDomain(ctx context.Context, name string, cfg DomainConfig) error {
	args := []string{
		"virt-install",
		"--name", shq(name),
		"--vcpus", strconv.Itoa(cfg.CPUCores),
		"--memory", strconv.FormatInt(cfg.MemoryMB, 10),
		"--disk", fmt.Sprintf("path=%s,size=%d", shq(cfg.ImageID), cfg.DiskSizeGB),
		"--network", fmt.Sprintf("network=%s", shq(cfg.NetworkName)),
		"--import", "--graphics", "none", "--noautoconsole",
	}
	if cfg.Arch != "" {
		args = append(args, "--arch", cfg.Arch)
	}
	if cfg.CloudInitISO != "" {
		args = append(args, "--disk", fmt.Sprintf("path=%s,device=cdrom", shq(cfg.CloudInitISO)))
	}
	_, err := s.run(ctx, 30*time.Second, strings.Join(args, " "))
	return err
}

// AttachDisk attaches a block device to a running or defined domain.
func (s *Session) AttachDisk(ctx context.Context, name, devicePath, target string) error {
	_, err := s.run(ctx, 10*time.Second, "virsh attach-disk %s %s %s --persistent --live", shq(name), shq(devicePath), shq(target))
	return err
}

// DetachDisk detaches a previously attached block device by target name
// (e.g. "vdb").
func (s *Session) DetachDisk(ctx context.Context, name, target string) error {
	_, err := s.run(ctx, 10*time.Second, "virsh detach-disk %s %s --persistent --live", shq(name), shq(target))
	return err
}

// ListDomains returns every domain name virsh knows about on this host.
func (s *Session) ListDomains(ctx context.Context) ([]string, error) {
	res, err := s.run(ctx, metricCmdTimeout, "virsh list --all --name")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Undefine removes a domain's persistent configuration without destroying a
// running instance.
func (s *Session) Undefine(ctx context.Context, name string) error {
	_, err := s.run(ctx, 10*time.Second, "virsh undefine %s", shq(name))
	return err
}

// Start boots a defined, inactive domain.
func (s *Session) Start(ctx context.Context, name string) error {
	_, err := s.run(ctx, 30*time.Second, "virsh start %s", shq(name))
	return err
}

// Shutdown requests a graceful ACPI shutdown.
func (s *Session) Shutdown(ctx context.Context, name string) error {
	_, err := s.run(ctx, 10*time.Second, "virsh shutdown %s", shq(name))
	return err
}

// Destroy forces the domain off immediately.
func (s *Session) Destroy(ctx context.Context, name string) error {
	_, err := s.run(ctx, 10*time.Second, "virsh destroy %s", shq(name))
	return err
}

// Migrate runs a migration to destURI using flags and blocks until virsh
// returns, for every transport. Progress of the running job can be polled
// concurrently with JobStatus.
func (s *Session) Migrate(ctx context.Context, name, destURI string, flags MigrateFlags, bandwidthMiBs int) error {
	args := append([]string{"virsh", "migrate"}, flags.args()...)
	if bandwidthMiBs > 0 {
		args = append(args, "--bandwidth", strconv.Itoa(bandwidthMiBs))
	}
	args = append(args, shq(name), shq(destURI))
	_, err := s.run(ctx, 0, strings.Join(args, " "))
	return err
}

// SetMaxDowntime sets the acceptable downtime window, in milliseconds, for
// an in-progress live migration.
func (s *Session) SetMaxDowntime(ctx context.Context, name string, ms int) error {
	_, err := s.run(ctx, metricCmdTimeout, "virsh migrate-setmaxdowntime %s %d", shq(name), ms)
	return err
}

// SetCompressionCache sets the compression cache size in bytes.
func (s *Session) SetCompressionCache(ctx context.Context, name string, bytes int64) error {
	_, err := s.run(ctx, metricCmdTimeout, "virsh migrate-compcache --size %d %s", bytes, shq(name))
	return err
}

// AbortJob cancels an in-flight migration.
func (s *Session) AbortJob(ctx context.Context, name string) error {
	_, err := s.run(ctx, metricCmdTimeout, "virsh domjobabort %s", shq(name))
	return err
}

// JobStatus polls virsh domjobinfo and parses the fields this system
// tracks. A domain with no active job returns a zero JobInfo and no error.
func (s *Session) JobStatus(ctx context.Context, name string) (JobInfo, error) {
	res, err := s.exec.Exec(ctx, fmt.Sprintf("virsh domjobinfo %s", shq(name)), metricCmdTimeout)
	if err != nil {
		return JobInfo{}, err
	}
	if res.ExitCode != 0 {
		return JobInfo{}, nil
	}
	return parseJobInfo(res.Stdout), nil
}

func parseJobInfo(out string) JobInfo {
	var info JobInfo
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := firstInt(parts[1])
		switch key {
		case "Data processed":
			info.DataProcessed = val
		case "Data remaining":
			info.DataRemaining = val
		case "Data total":
			info.DataTotal = val
		case "Downtime":
			info.Downtime = val
		case "Memory bandwidth":
			info.Speed = val
		}
	}
	return info
}

func firstInt(s string) int64 {
	s = strings.TrimSpace(s)
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		} else if digits.Len() > 0 {
			break
		}
	}
	n, _ := strconv.ParseInt(digits.String(), 10, 64)
	return n
}

func shq(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
