package hypervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecer struct {
	responses map[string]ExecResult
	calls     []string
}

func (f *fakeExecer) Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error) {
	f.calls = append(f.calls, cmd)
	for prefix, res := range f.responses {
		if strings.HasPrefix(cmd, prefix) {
			return res, nil
		}
	}
	return ExecResult{ExitCode: 1, Stderr: "no stub for " + cmd}, nil
}

func TestMigrateFlagsLiveRunning(t *testing.T) {
	fe := &fakeExecer{responses: map[string]ExecResult{"virsh migrate": {ExitCode: 0}}}
	s := NewSession(fe)

	flags := MigrateFlags{Live: true, PersistDest: true, Compressed: true, AutoConverge: true, ChangeProtection: true}
	require.NoError(t, s.Migrate(context.Background(), "vm1", "qemu+ssh://root@h2/system", flags, 100))

	require.Len(t, fe.calls, 1)
	assert.Contains(t, fe.calls[0], "--live")
	assert.Contains(t, fe.calls[0], "--persistent")
	assert.Contains(t, fe.calls[0], "--compressed")
	assert.Contains(t, fe.calls[0], "--auto-converge")
	assert.Contains(t, fe.calls[0], "--change-protection")
	assert.Contains(t, fe.calls[0], "--bandwidth 100")
	assert.NotContains(t, fe.calls[0], "--undefinesource")
}

func TestMigrateFlagsOfflineOmitsLive(t *testing.T) {
	flags := MigrateFlags{PersistDest: true, ChangeProtection: true}
	args := flags.args()
	assert.NotContains(t, args, "--live")
	assert.Contains(t, args, "--persistent")
}

func TestDomainIsActiveParsesState(t *testing.T) {
	fe := &fakeExecer{responses: map[string]ExecResult{"virsh domstate": {ExitCode: 0, Stdout: "running\n"}}}
	s := NewSession(fe)

	active, err := s.DomainIsActive(context.Background(), "vm1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestJobStatusParsesFields(t *testing.T) {
	out := `Job type:         Unbounded
Time elapsed:     1234     ms
Data processed:   104857600
Data remaining:   10485760
Data total:       115343360
Downtime:         125      ms
`
	fe := &fakeExecer{responses: map[string]ExecResult{"virsh domjobinfo": {ExitCode: 0, Stdout: out}}}
	s := NewSession(fe)

	info, err := s.JobStatus(context.Background(), "vm1")
	require.NoError(t, err)
	assert.Equal(t, int64(104857600), info.DataProcessed)
	assert.Equal(t, int64(10485760), info.DataRemaining)
	assert.Equal(t, int64(115343360), info.DataTotal)
	assert.Equal(t, int64(125), info.Downtime)
}

func TestJobStatusNoActiveJobReturnsZeroValue(t *testing.T) {
	fe := &fakeExecer{responses: map[string]ExecResult{"virsh domjobinfo": {ExitCode: 1, Stderr: "no active job"}}}
	s := NewSession(fe)

	info, err := s.JobStatus(context.Background(), "vm1")
	require.NoError(t, err)
	assert.Equal(t, JobInfo{}, info)
}

func TestRunWrapsNonZeroExitAsRemoteCommandFailed(t *testing.T) {
	fe := &fakeExecer{responses: map[string]ExecResult{"virsh start": {ExitCode: 1, Stderr: "domain not found"}}}
	s := NewSession(fe)

	err := s.Start(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "domain not found")
}
