package merr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindPredicates(t *testing.T) {
	err := NotFound("host %s not found", "h1")
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindConflict))
	assert.Equal(t, "host h1 not found", err.Error())
}

func TestRemoteCommandFailedFormatsExitAndStderr(t *testing.T) {
	err := RemoteCommandFailed("virsh list", 1, "connection refused")
	assert.Contains(t, err.Error(), "exit=1")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHypervisorErrorReprobe(t *testing.T) {
	assert.True(t, ShouldReprobe(HypervisorError("system error", "libvirt call failed")))
	assert.False(t, ShouldReprobe(HypervisorError("invalid argument", "bad domain name")))
	assert.False(t, ShouldReprobe(NotFound("nope")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := HostUnreachable("h1", cause)
	assert.ErrorIs(t, err, cause)
}
