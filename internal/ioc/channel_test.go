package ioc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reactorstore/reactorstore"
)

type fakeDevice struct{ name string }

func TestRegisterDeviceRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	d := &fakeDevice{name: "bdev0"}

	require.NoError(t, r.RegisterDevice(d, nil, nil, "bdev0"))
	err := r.RegisterDevice(d, nil, nil, "bdev0")
	require.Error(t, err)
}

func TestGetIOChannelCreatesOnFirstRef(t *testing.T) {
	r := NewRegistry()
	d := &fakeDevice{name: "bdev0"}
	var created int
	require.NoError(t, r.RegisterDevice(d, func(device any, ctx any) error {
		created++
		return nil
	}, nil, "bdev0"))

	ch1, err := r.GetIOChannel(d, 1, func() any { return &struct{}{} })
	require.NoError(t, err)
	require.Equal(t, 1, created)

	ch2, err := r.GetIOChannel(d, 1, func() any { return &struct{}{} })
	require.NoError(t, err)
	require.Same(t, ch1, ch2)
	require.Equal(t, 1, created, "second GetIOChannel on same thread must bump refcount, not recreate")
}

func TestGetIOChannelOnUnregisteredDevice(t *testing.T) {
	r := NewRegistry()
	_, err := r.GetIOChannel(&fakeDevice{}, 1, func() any { return nil })
	require.ErrorIs(t, err, reactorstore.ErrChannelOnUnregisteredDevice)
}

func TestPutIOChannelDestroysOnLastRef(t *testing.T) {
	r := NewRegistry()
	d := &fakeDevice{name: "bdev0"}
	var destroyed int
	require.NoError(t, r.RegisterDevice(d, nil, func(device any, ctx any) {
		destroyed++
	}, "bdev0"))

	ch, err := r.GetIOChannel(d, 1, func() any { return nil })
	require.NoError(t, err)
	r.PutIOChannel(ch) // refcount 0 → destroy
	require.Equal(t, 1, destroyed)
}

func TestUnregisterDeferredUntilLastChannelReleased(t *testing.T) {
	r := NewRegistry()
	d := &fakeDevice{name: "bdev0"}
	require.NoError(t, r.RegisterDevice(d, nil, nil, "bdev0"))

	ch, err := r.GetIOChannel(d, 1, func() any { return nil })
	require.NoError(t, err)

	var unregistered bool
	require.NoError(t, r.UnregisterDevice(d, func(any) { unregistered = true }))
	require.False(t, unregistered, "unregister callback must wait for outstanding channel")

	r.PutIOChannel(ch)
	require.True(t, unregistered, "releasing the last channel must fire the deferred unregister callback")
}

func TestUnregisterRunsImmediatelyWithNoChannels(t *testing.T) {
	r := NewRegistry()
	d := &fakeDevice{name: "bdev0"}
	require.NoError(t, r.RegisterDevice(d, nil, nil, "bdev0"))

	var unregistered bool
	require.NoError(t, r.UnregisterDevice(d, func(any) { unregistered = true }))
	require.True(t, unregistered)
}

func TestForEachChannelStableOrder(t *testing.T) {
	r := NewRegistry()
	d := &fakeDevice{name: "bdev0"}
	require.NoError(t, r.RegisterDevice(d, nil, nil, "bdev0"))

	for _, tid := range []uint64{5, 1, 3} {
		_, err := r.GetIOChannel(d, tid, func() any { return nil })
		require.NoError(t, err)
	}

	var seen []uint64
	err := r.ForEachChannel(d, func(ch *Channel) {
		seen = append(seen, ch.ThreadID)
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 3, 5}, seen)
}

func TestDevicesReturnsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	a, b, c := &fakeDevice{name: "a"}, &fakeDevice{name: "b"}, &fakeDevice{name: "c"}
	require.NoError(t, r.RegisterDevice(a, nil, nil, "a"))
	require.NoError(t, r.RegisterDevice(b, nil, nil, "b"))
	require.NoError(t, r.RegisterDevice(c, nil, nil, "c"))

	require.Equal(t, []any{a, b, c}, r.Devices())
}
