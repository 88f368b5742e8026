package reactorstore

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	err := NewError("bdev_read", CodeInvalidArgument, "nbytes is zero")
	require.Equal(t, "bdev_read", err.Op)
	require.Equal(t, CodeInvalidArgument, err.Code)
	require.Contains(t, err.Error(), "nbytes is zero")
	require.Contains(t, err.Error(), "code=invalid_argument")
}

func TestNewComponentError(t *testing.T) {
	err := NewComponentError("ctrlr_reset", "nvme0", CodeTransportFailure, "link down")
	require.Equal(t, "nvme0", err.Component)
	require.Contains(t, err.Error(), "nvme0")
}

func TestNewErrnoError(t *testing.T) {
	err := NewErrnoError("qpair_process_completions", syscall.ENXIO)
	require.Equal(t, CodeNoDevice, err.Code)
	require.Equal(t, syscall.ENXIO, err.Errno)
}

func TestWrapTransportFailure(t *testing.T) {
	err := WrapTransportFailure("ctrlr_reconnect", "nvme0", syscall.ETIMEDOUT)
	require.Equal(t, CodeTimeout, err.Code)
	require.ErrorContains(t, err, "ctrlr_reconnect")

	require.Nil(t, WrapTransportFailure("x", "y", nil))
}

func TestIsCodeAndIsErrno(t *testing.T) {
	err := NewErrnoError("x", syscall.EIO)
	require.True(t, IsCode(err, CodeTransportFailure))
	require.False(t, IsCode(err, CodeTimeout))
	require.True(t, IsErrno(err, syscall.EIO))
	require.False(t, IsErrno(err, syscall.EPERM))

	require.False(t, IsCode(nil, CodeTimeout))
}

func TestErrorIsComparesByCode(t *testing.T) {
	a := NewError("op1", CodeBusy, "busy")
	b := NewError("op2", CodeBusy, "also busy")
	require.ErrorIs(t, a, b)

	c := NewError("op3", CodeTimeout, "timed out")
	require.False(t, a.Is(c))
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		want  Code
	}{
		{syscall.ENOENT, CodeNoDevice},
		{syscall.ENXIO, CodeNoDevice},
		{syscall.EBUSY, CodeBusy},
		{syscall.EINVAL, CodeInvalidArgument},
		{syscall.ENOSYS, CodeNotSupported},
		{syscall.ENOMEM, CodeNoMemory},
		{syscall.ETIMEDOUT, CodeTimeout},
		{syscall.ECANCELED, CodeAborted},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, mapErrnoToCode(tc.errno), "errno=%v", tc.errno)
	}
}
