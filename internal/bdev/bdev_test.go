package bdev

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reactorstore/reactorstore"
	"github.com/reactorstore/reactorstore/internal/ioc"
)

func newTestBdev(name string) (*Bdev, map[int64][]byte) {
	store := make(map[int64][]byte)
	b := &Bdev{
		Name:              name,
		BlockSize:         512,
		BlockCount:        16,
		RequiredAlignment: 512,
		FnTable: FnTable{
			SubmitRequest: func(ctx any, ch *ioc.Channel, io *IO) {
				switch io.Type {
				case IOTypeRead:
					data, ok := store[io.Offset]
					if ok {
						copy(io.Buf, data)
					}
					io.Complete(IOStatusSuccess)
				case IOTypeWrite:
					cp := append([]byte(nil), io.Buf...)
					store[io.Offset] = cp
					io.Complete(IOStatusSuccess)
				default:
					io.Complete(IOStatusSuccess)
				}
			},
			IOTypeSupported: func(ctx any, t IOType) bool { return true },
			GetIOChannel:    func(ctx any) any { return struct{}{} },
		},
	}
	return b, store
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry()
	b, _ := newTestBdev("nvme0n1")
	require.NoError(t, reg.Register(b))
	require.Error(t, reg.Register(b))
}

func TestOpenUnknownBdev(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Open("missing", false)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeNoDevice))
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	reg := NewRegistry()
	ioReg := ioc.NewRegistry()
	b, _ := newTestBdev("nvme0n1")
	require.NoError(t, reg.Register(b))
	require.NoError(t, ioReg.RegisterDevice(b, nil, nil, b.Name))

	desc, err := reg.Open("nvme0n1", true)
	require.NoError(t, err)

	ch, err := GetIOChannel(ioReg, desc, 1)
	require.NoError(t, err)

	writeBuf := make([]byte, 512)
	writeBuf[0] = 0x7A
	var writeStatus IOStatus
	require.NoError(t, Write(desc, ch, writeBuf, 0, func(io *IO, status IOStatus) {
		writeStatus = status
	}))
	require.Equal(t, IOStatusSuccess, writeStatus)

	readBuf := make([]byte, 512)
	var readStatus IOStatus
	require.NoError(t, Read(desc, ch, readBuf, 0, func(io *IO, status IOStatus) {
		readStatus = status
	}))
	require.Equal(t, IOStatusSuccess, readStatus)
	require.Equal(t, byte(0x7A), readBuf[0])
}

func TestWriteRejectedOnReadOnlyDesc(t *testing.T) {
	reg := NewRegistry()
	ioReg := ioc.NewRegistry()
	b, _ := newTestBdev("nvme0n1")
	require.NoError(t, reg.Register(b))
	require.NoError(t, ioReg.RegisterDevice(b, nil, nil, b.Name))

	desc, err := reg.Open("nvme0n1", false)
	require.NoError(t, err)
	ch, err := GetIOChannel(ioReg, desc, 1)
	require.NoError(t, err)

	err = Write(desc, ch, make([]byte, 512), 0, nil)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeInvalidArgument))
}

func TestNBytesZeroIsInvalidArgument(t *testing.T) {
	reg := NewRegistry()
	ioReg := ioc.NewRegistry()
	b, _ := newTestBdev("nvme0n1")
	require.NoError(t, reg.Register(b))
	require.NoError(t, ioReg.RegisterDevice(b, nil, nil, b.Name))
	desc, _ := reg.Open("nvme0n1", true)
	ch, _ := GetIOChannel(ioReg, desc, 1)

	err := Unmap(desc, ch, 0, 0, nil)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeInvalidArgument))
}

func TestOffsetPlusNBytesExceedsCapacity(t *testing.T) {
	reg := NewRegistry()
	ioReg := ioc.NewRegistry()
	b, _ := newTestBdev("nvme0n1")
	require.NoError(t, reg.Register(b))
	require.NoError(t, ioReg.RegisterDevice(b, nil, nil, b.Name))
	desc, _ := reg.Open("nvme0n1", true)
	ch, _ := GetIOChannel(ioReg, desc, 1)

	total := int64(b.BlockCount) * int64(b.BlockSize)
	err := Write(desc, ch, make([]byte, 512), total, nil)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeInvalidArgument))
}

func TestMisalignedOffsetIsInvalidArgument(t *testing.T) {
	reg := NewRegistry()
	ioReg := ioc.NewRegistry()
	b, _ := newTestBdev("nvme0n1")
	require.NoError(t, reg.Register(b))
	require.NoError(t, ioReg.RegisterDevice(b, nil, nil, b.Name))
	desc, _ := reg.Open("nvme0n1", true)
	ch, _ := GetIOChannel(ioReg, desc, 1)

	err := Write(desc, ch, make([]byte, 512), 100, nil)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeInvalidArgument))
}

func TestCompleteIsIdempotent(t *testing.T) {
	var calls int
	io := &IO{UserCb: func(io *IO, status IOStatus) { calls++ }}
	io.Complete(IOStatusSuccess)
	io.Complete(IOStatusAborted)
	require.Equal(t, 1, calls)
}

func TestNamesSortedOrder(t *testing.T) {
	reg := NewRegistry()
	for _, n := range []string{"nvme1n1", "nvme0n1", "aio0"} {
		b, _ := newTestBdev(n)
		require.NoError(t, reg.Register(b))
	}
	require.Equal(t, []string{"aio0", "nvme0n1", "nvme1n1"}, reg.Names())
}
