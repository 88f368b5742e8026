// Package base holds the error taxonomy and reactor-facing defaults
// shared by the root reactorstore package and internal/reactor. It
// exists purely to break the import cycle a direct reactorstore
// import from internal/reactor would otherwise create (reactorstore
// itself imports internal/reactor to drive process bootstrap); the
// root package re-exports everything here under its original names.
package base

import (
	"fmt"
	"syscall"

	stderrors "errors"

	pkgerrors "github.com/pkg/errors"
)

// Thread/reactor defaults (spec §3, §4.1).
const (
	// DefaultMessageRingCapacity bounds a thread's inbound message ring;
	// thread_send_msg returns ErrQueueFull past this.
	DefaultMessageRingCapacity = 4096
	// DefaultPollMaxMsgs is thread_poll's max_msgs=0 meaning "all".
	DefaultPollMaxMsgs = 0
)

// Code is the error taxonomy from the core's error handling design: every
// failure surfaced across a package boundary carries one of these, never
// a bare errno and never an exception.
type Code string

const (
	CodeInvalidArgument  Code = "invalid_argument"
	CodeNoMemory         Code = "no_memory"
	CodeNoDevice         Code = "no_device"
	CodeTransportFailure Code = "transport_failure"
	CodeAborted          Code = "aborted"
	CodeTimeout          Code = "timeout"
	CodeBusy             Code = "busy"
	CodeNotSupported     Code = "not_supported"
)

// Error is a structured error carrying the failing operation, the
// component-scoped identifiers relevant to it, the taxonomy code, and
// (if applicable) the originating errno.
type Error struct {
	Op        string // operation that failed, e.g. "bdev_read", "ctrlr_reset"
	Component string // component-scoped name: bdev name, controller trid, qpair id
	Code      Code
	Errno     syscall.Errno
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Op != "" && e.Component != "":
		return fmt.Sprintf("reactorstore: %s: %s (%s, code=%s)", e.Op, msg, e.Component, e.Code)
	case e.Op != "":
		return fmt.Sprintf("reactorstore: %s: %s (code=%s)", e.Op, msg, e.Code)
	default:
		return fmt.Sprintf("reactorstore: %s (code=%s)", msg, e.Code)
	}
}

// Unwrap exposes the wrapped error for errors.Is/As chains, and for
// pkg/errors.Cause on deep transport failure chains.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is lets *Error be compared by taxonomy Code alone, which is what
// callers almost always care about.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a structured error scoped to an operation.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewComponentError creates a structured error scoped to a named
// component (a bdev, a controller trid, a qpair label).
func NewComponentError(op, component string, code Code, msg string) *Error {
	return &Error{Op: op, Component: component, Code: code, Msg: msg}
}

// NewErrnoError creates a structured error carrying the originating
// errno, with the taxonomy code derived from it.
func NewErrnoError(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error()}
}

// WrapTransportFailure wraps an inner error (typically a syscall errno
// bubbling up from a sock or qpair ring) as a transport_failure, using
// pkg/errors to preserve the full causal chain through reset/reconnect
// retries. When inner carries an errno that maps to a more specific code
// (e.g. ETIMEDOUT -> timeout), that code is used instead. Reset/reconnect code paths (internal/nvme/ctrlr) use this so
// a terminal failure after max_resets still shows the original syscall.
func WrapTransportFailure(op, component string, inner error) *Error {
	if inner == nil {
		return nil
	}
	wrapped := pkgerrors.Wrap(inner, op)
	code := CodeTransportFailure
	var errno syscall.Errno
	if stderrors.As(inner, &errno) {
		if mapped := mapErrnoToCode(errno); mapped != CodeTransportFailure {
			code = mapped
		}
	}
	return &Error{Op: op, Component: component, Code: code, Errno: errno, Msg: inner.Error(), Inner: wrapped}
}

// mapErrnoToCode maps syscall errno to the taxonomy in spec §7.
func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOENT, syscall.ENXIO:
		return CodeNoDevice
	case syscall.EBUSY:
		return CodeBusy
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidArgument
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return CodeNotSupported
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeNoMemory
	case syscall.ETIMEDOUT:
		return CodeTimeout
	case syscall.ECANCELED:
		return CodeAborted
	default:
		return CodeTransportFailure
	}
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	var rsErr *Error
	if stderrors.As(err, &rsErr) {
		return rsErr.Code == code
	}
	return false
}

// IsErrno reports whether err carries the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var rsErr *Error
	if stderrors.As(err, &rsErr) {
		return rsErr.Errno == errno
	}
	return false
}

var (
	// ErrQueueFull is returned by thread_send_msg when the target
	// thread's message ring is saturated (spec §4.1).
	ErrQueueFull = NewError("thread_send_msg", CodeBusy, "message ring full")
	// ErrChannelOnUnregisteredDevice is returned by get_io_channel when
	// the device is not (or no longer) registered (spec §8).
	ErrChannelOnUnregisteredDevice = NewError("get_io_channel", CodeNoDevice, "device not registered")
)
