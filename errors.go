package reactorstore

import (
	"syscall"

	"github.com/reactorstore/reactorstore/internal/base"
)

// Code is the error taxonomy from the core's error handling design: every
// failure surfaced across a package boundary carries one of these, never
// a bare errno and never an exception. Defined in internal/base so
// internal/reactor can use it (and ErrQueueFull below) without importing
// this root package, which would otherwise create reactorstore ->
// internal/reactor -> reactorstore.
type Code = base.Code

const (
	CodeInvalidArgument  = base.CodeInvalidArgument
	CodeNoMemory         = base.CodeNoMemory
	CodeNoDevice         = base.CodeNoDevice
	CodeTransportFailure = base.CodeTransportFailure
	CodeAborted          = base.CodeAborted
	CodeTimeout          = base.CodeTimeout
	CodeBusy             = base.CodeBusy
	CodeNotSupported     = base.CodeNotSupported
)

// Error is a structured error carrying the failing operation, the
// component-scoped identifiers relevant to it, the taxonomy code, and
// (if applicable) the originating errno.
type Error = base.Error

// NewError creates a structured error scoped to an operation.
func NewError(op string, code Code, msg string) *Error {
	return base.NewError(op, code, msg)
}

// NewComponentError creates a structured error scoped to a named
// component (a bdev, a controller trid, a qpair label).
func NewComponentError(op, component string, code Code, msg string) *Error {
	return base.NewComponentError(op, component, code, msg)
}

// NewErrnoError creates a structured error carrying the originating
// errno, with the taxonomy code derived from it.
func NewErrnoError(op string, errno syscall.Errno) *Error {
	return base.NewErrnoError(op, errno)
}

// WrapTransportFailure wraps an inner error (typically a syscall errno
// bubbling up from a sock or qpair ring) as a transport_failure, using
// pkg/errors to preserve the full causal chain through reset/reconnect
// retries. When inner carries an errno that maps to a more specific code
// (e.g. ETIMEDOUT -> timeout), that code is used instead. Reset/reconnect code paths (internal/nvme/ctrlr) use this so
// a terminal failure after max_resets still shows the original syscall.
func WrapTransportFailure(op, component string, inner error) *Error {
	return base.WrapTransportFailure(op, component, inner)
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return base.IsCode(err, code)
}

// IsErrno reports whether err carries the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	return base.IsErrno(err, errno)
}

var (
	// ErrQueueFull is returned by thread_send_msg when the target
	// thread's message ring is saturated (spec §4.1).
	ErrQueueFull = base.ErrQueueFull
	// ErrChannelOnUnregisteredDevice is returned by get_io_channel when
	// the device is not (or no longer) registered (spec §8).
	ErrChannelOnUnregisteredDevice = base.ErrChannelOnUnregisteredDevice
)
