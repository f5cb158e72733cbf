// Package merr implements the control plane's typed error taxonomy. Every
// coordinator returns these instead of raw fmt.Errorf/os errors, so callers
// (the HTTP layer, the CLI, the monitor) can branch on kind via errors.As
// instead of string-matching messages.
package merr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind string

const (
	KindInputInvalid       Kind = "input_invalid"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindNoCapacity         Kind = "no_capacity"
	KindHostUnreachable    Kind = "host_unreachable"
	KindAuthFailed         Kind = "auth_failed"
	KindRemoteCommandFailed Kind = "remote_command_failed"
	KindTimeout            Kind = "timeout"
	KindHypervisorError    Kind = "hypervisor_error"
	KindInternal           Kind = "internal"
)

// Error is the concrete type returned by every coordinator operation that
// can fail. Details is optional structured context (exit code, stderr,
// hypervisor error code) rendered into the message but also available for
// programmatic inspection.
type Error struct {
	Kind    Kind
	Message string

	// Exit/Stderr populate RemoteCommandFailed.
	Exit   int
	Stderr string

	// Code populates HypervisorError. ShouldReprobe reports true for the
	// subset of codes in ReprobeCodes ("system error", "no connect",
	// "internal error").
	Code string

	Err error // wrapped cause, if any
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRemoteCommandFailed:
		return fmt.Sprintf("%s: exit=%d stderr=%q", e.Message, e.Exit, e.Stderr)
	case KindHypervisorError:
		return fmt.Sprintf("%s: code=%s", e.Message, e.Code)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}

func InputInvalid(format string, args ...any) *Error {
	return newErr(KindInputInvalid, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return newErr(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return newErr(KindConflict, fmt.Sprintf(format, args...))
}

func NoCapacity(format string, args ...any) *Error {
	return newErr(KindNoCapacity, fmt.Sprintf(format, args...))
}

func HostUnreachable(hostID string, cause error) *Error {
	return &Error{Kind: KindHostUnreachable, Message: fmt.Sprintf("host %s unreachable", hostID), Err: cause}
}

func AuthFailed(hostID string, cause error) *Error {
	return &Error{Kind: KindAuthFailed, Message: fmt.Sprintf("auth failed against host %s", hostID), Err: cause}
}

func RemoteCommandFailed(cmd string, exit int, stderr string) *Error {
	return &Error{Kind: KindRemoteCommandFailed, Message: fmt.Sprintf("command %q failed", cmd), Exit: exit, Stderr: stderr}
}

func Timeout(format string, args ...any) *Error {
	return newErr(KindTimeout, fmt.Sprintf(format, args...))
}

func HypervisorError(code, format string, args ...any) *Error {
	return &Error{Kind: KindHypervisorError, Message: fmt.Sprintf(format, args...), Code: code}
}

func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: cause}
}

// ReprobeCodes lists the HypervisorError codes ShouldReprobe reports true
// for. Nothing in this module calls ShouldReprobe, so these codes do not
// trigger a Fleet Registry re-probe.
var ReprobeCodes = map[string]bool{
	"system error":   true,
	"no connect":     true,
	"internal error": true,
}

// ShouldReprobe reports whether err is a HypervisorError whose code is in
// ReprobeCodes.
func ShouldReprobe(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindHypervisorError {
		return ReprobeCodes[e.Code]
	}
	return false
}

// Is lets callers write merr.Is(err, merr.KindNotFound) instead of manual
// type assertions.
func Is(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
