package sock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	CallbackGuard
	impl   string
	fd     int
	writes [][]byte
}

func (f *fakeSocket) ImplName() string { return f.impl }
func (f *fakeSocket) Fd() int          { return f.fd }
func (f *fakeSocket) WritevAsync(iovs [][]byte, cb WriteCompletionFn) error {
	if f.Closed() {
		cb(ECANCELED)
		return nil
	}
	f.writes = append(f.writes, iovs...)
	if cb != nil {
		cb(0)
	}
	return nil
}
func (f *fakeSocket) Close() error {
	return f.RequestClose(func() error { return nil })
}

type fakeImplGroup struct {
	socks map[Socket]bool
}

func (g *fakeImplGroup) AddSocket(s Socket) error {
	g.socks[s] = true
	return nil
}
func (g *fakeImplGroup) RemoveSocket(s Socket) error {
	delete(g.socks, s)
	return nil
}
func (g *fakeImplGroup) Poll(timeoutUs int, ready func(s Socket)) (int, error) {
	n := 0
	for s := range g.socks {
		ready(s)
		n++
	}
	return n, nil
}

type fakeImpl struct{ name string }

func (f fakeImpl) Name() string        { return f.name }
func (f fakeImpl) NewGroup() ImplGroup { return &fakeImplGroup{socks: make(map[Socket]bool)} }

func TestGroupAddRequiresRegisteredImpl(t *testing.T) {
	g := NewGroup(nil)
	err := g.AddSocket(&fakeSocket{impl: "nonexistent-impl"})
	require.Error(t, err)
}

func TestGroupPollDispatchesPerSocket(t *testing.T) {
	Register(fakeImpl{name: "fake-test-impl"})
	g := NewGroup("cbarg")

	s1 := &fakeSocket{impl: "fake-test-impl", fd: 1}
	s2 := &fakeSocket{impl: "fake-test-impl", fd: 2}
	require.NoError(t, g.AddSocket(s1))
	require.NoError(t, g.AddSocket(s2))

	var seen []Socket
	n, err := g.Poll(0, func(cbArg any, group *Group, sock Socket) {
		require.Equal(t, "cbarg", cbArg)
		require.Same(t, g, group)
		seen = append(seen, sock)
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []Socket{s1, s2}, seen)
}

func TestGroupRemoveSocketUnknownIsError(t *testing.T) {
	g := NewGroup(nil)
	err := g.RemoveSocket(&fakeSocket{impl: "posix"})
	require.Error(t, err)
}

func TestCallbackGuardDefersCloseUntilUnwind(t *testing.T) {
	var guard CallbackGuard
	closed := false
	closeFn := func() error { closed = true; return nil }

	guard.Enter()
	require.NoError(t, guard.RequestClose(closeFn))
	require.False(t, closed, "close must not run while a callback is on the stack")
	require.True(t, guard.Closed())

	require.NoError(t, guard.Exit())
	require.True(t, closed, "close must run once the outermost callback unwinds")
}

func TestCallbackGuardClosesImmediatelyOutsideCallback(t *testing.T) {
	var guard CallbackGuard
	closed := false
	require.NoError(t, guard.RequestClose(func() error { closed = true; return nil }))
	require.True(t, closed)
}

func TestCallbackGuardRequestCloseIsIdempotent(t *testing.T) {
	var guard CallbackGuard
	calls := 0
	closeFn := func() error { calls++; return nil }
	require.NoError(t, guard.RequestClose(closeFn))
	require.NoError(t, guard.RequestClose(closeFn))
	require.Equal(t, 1, calls)
}

func TestWritevAsyncCancelledAfterClose(t *testing.T) {
	s := &fakeSocket{impl: "fake-test-impl"}
	require.NoError(t, s.Close())

	var res int
	require.NoError(t, s.WritevAsync([][]byte{[]byte("x")}, func(r int) { res = r }))
	require.Equal(t, ECANCELED, res)
}
