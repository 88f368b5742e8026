package aio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reactorstore/reactorstore"
	"github.com/reactorstore/reactorstore/internal/bdev"
	"github.com/reactorstore/reactorstore/internal/ioc"
)

func TestRegisterAndRoundTripIO(t *testing.T) {
	reg := bdev.NewRegistry()
	ioReg := ioc.NewRegistry()
	backend := reactorstore.NewMockBackend(64 * 1024)

	_, err := Register(reg, ioReg, "aio0", backend, 512, 128, 32)
	require.NoError(t, err)

	desc, err := reg.Open("aio0", true)
	require.NoError(t, err)

	ch, err := bdev.GetIOChannel(ioReg, desc, 1)
	require.NoError(t, err)

	writeBuf := make([]byte, 512)
	writeBuf[10] = 0x42
	done := make(chan bdev.IOStatus, 1)
	require.NoError(t, bdev.Write(desc, ch, writeBuf, 0, func(io *bdev.IO, status bdev.IOStatus) {
		done <- status
	}))

	require.Eventually(t, func() bool {
		PollCompletions(ch)
		select {
		case status := <-done:
			require.Equal(t, bdev.IOStatusSuccess, status)
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestIOTypeSupportedReflectsBackendCapability(t *testing.T) {
	reg := bdev.NewRegistry()
	ioReg := ioc.NewRegistry()
	backend := reactorstore.NewMockBackend(4096)

	b, err := Register(reg, ioReg, "aio1", backend, 512, 8, 16)
	require.NoError(t, err)

	require.True(t, b.FnTable.IOTypeSupported(b.ModuleCtx, bdev.IOTypeRead))
	require.True(t, b.FnTable.IOTypeSupported(b.ModuleCtx, bdev.IOTypeUnmap), "MockBackend implements DiscardBackend")
	require.True(t, b.FnTable.IOTypeSupported(b.ModuleCtx, bdev.IOTypeWriteZeroes))
}

func TestQueueDepthBackpressure(t *testing.T) {
	reg := bdev.NewRegistry()
	ioReg := ioc.NewRegistry()
	backend := reactorstore.NewMockBackend(4096)

	_, err := Register(reg, ioReg, "aio2", backend, 512, 8, 1)
	require.NoError(t, err)

	desc, err := reg.Open("aio2", true)
	require.NoError(t, err)
	ch, err := bdev.GetIOChannel(ioReg, desc, 1)
	require.NoError(t, err)

	// Fill the single queue slot without draining it.
	first := make(chan bdev.IOStatus, 1)
	require.NoError(t, bdev.Write(desc, ch, make([]byte, 512), 0, func(io *bdev.IO, status bdev.IOStatus) {
		first <- status
	}))

	second := make(chan bdev.IOStatus, 1)
	require.NoError(t, bdev.Write(desc, ch, make([]byte, 512), 512, func(io *bdev.IO, status bdev.IOStatus) {
		second <- status
	}))

	status := <-second
	require.Equal(t, bdev.IOStatusFailed, status, "second submit past queue depth must fail fast")
}
