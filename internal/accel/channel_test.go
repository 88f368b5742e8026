package accel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reactorstore/reactorstore"
)

func waitForCompletions(t *testing.T, c *Channel, want int) int {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	drained := 0
	for time.Now().Before(deadline) {
		drained += c.Poll(want - drained)
		if drained >= want {
			return drained
		}
		time.Sleep(time.Millisecond)
	}
	return drained
}

func TestSubmitCopy(t *testing.T) {
	c := NewChannel("test", 4)
	src := []byte("hello world")
	dst := make([]byte, len(src))

	var mu sync.Mutex
	var gotErr error
	require.NoError(t, c.SubmitCopy(dst, src, func(op *Operation, err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	}))

	require.Equal(t, 1, waitForCompletions(t, c, 1))
	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, gotErr)
	require.Equal(t, src, dst)
}

func TestSubmitCopyDestinationTooShortSurfacesError(t *testing.T) {
	c := NewChannel("test", 4)
	src := []byte("hello world")
	dst := make([]byte, 2)

	done := make(chan error, 1)
	require.NoError(t, c.SubmitCopy(dst, src, func(op *Operation, err error) {
		done <- err
	}))
	waitForCompletions(t, c, 1)

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, reactorstore.IsCode(err, reactorstore.CodeInvalidArgument))
	case <-time.After(time.Second):
		t.Fatal("completion never fired")
	}
}

func TestSubmitDualcast(t *testing.T) {
	c := NewChannel("test", 4)
	src := []byte("dualcast")
	dst1 := make([]byte, len(src))
	dst2 := make([]byte, len(src))

	require.NoError(t, c.SubmitDualcast(dst1, dst2, src, nil))
	waitForCompletions(t, c, 1)
	require.Equal(t, src, dst1)
	require.Equal(t, src, dst2)
}

func TestSubmitCompare(t *testing.T) {
	c := NewChannel("test", 4)

	done := make(chan *Operation, 1)
	require.NoError(t, c.SubmitCompare([]byte("abc"), []byte("abc"), func(op *Operation, err error) {
		done <- op
	}))
	waitForCompletions(t, c, 1)
	op := <-done
	require.True(t, op.Equal)

	done2 := make(chan *Operation, 1)
	require.NoError(t, c.SubmitCompare([]byte("abc"), []byte("abd"), func(op *Operation, err error) {
		done2 <- op
	}))
	waitForCompletions(t, c, 1)
	op2 := <-done2
	require.False(t, op2.Equal)
}

func TestSubmitFill(t *testing.T) {
	c := NewChannel("test", 4)
	dst := make([]byte, 16)

	require.NoError(t, c.SubmitFill(dst, 0xAB, nil))
	waitForCompletions(t, c, 1)
	for _, b := range dst {
		require.EqualValues(t, 0xAB, b)
	}
}

func TestSubmitCrc32c(t *testing.T) {
	c := NewChannel("test", 4)

	done := make(chan *Operation, 1)
	require.NoError(t, c.SubmitCrc32c([]byte("checksum me"), 0, func(op *Operation, err error) {
		done <- op
	}))
	waitForCompletions(t, c, 1)
	op := <-done
	require.NotZero(t, op.Result)
}

func TestSubmitCopyCrc32cMatchesSeparateCopyAndCrc(t *testing.T) {
	c := NewChannel("test", 4)
	src := []byte("fused operation")
	dst := make([]byte, len(src))

	done := make(chan *Operation, 1)
	require.NoError(t, c.SubmitCopyCrc32c(dst, src, 0, func(op *Operation, err error) {
		done <- op
	}))
	waitForCompletions(t, c, 1)
	op := <-done
	require.Equal(t, src, dst)

	plain := make(chan *Operation, 1)
	require.NoError(t, c.SubmitCrc32c(src, 0, func(op *Operation, err error) { plain <- op }))
	waitForCompletions(t, c, 1)
	want := <-plain
	require.Equal(t, want.Result, op.Result)
}

func TestSubmitRejectsWhenChannelFull(t *testing.T) {
	c := NewChannel("test", 1)
	require.NoError(t, c.SubmitFill(make([]byte, 4), 0, nil))
	err := c.SubmitFill(make([]byte, 4), 0, nil)
	require.Error(t, err)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeNoMemory))
}

func TestSubmitBatchPartialFailureSurfacedPerOperation(t *testing.T) {
	c := NewChannel("test", 4)

	var mu sync.Mutex
	results := make(map[int]error)
	ok := &Operation{Op: OpFill, Dst: make([]byte, 4), Fill: 1, Cb: func(op *Operation, err error) {
		mu.Lock()
		results[0] = err
		mu.Unlock()
	}}
	bad := &Operation{Op: OpCopy, Src: make([]byte, 8), Dst: make([]byte, 1), Cb: func(op *Operation, err error) {
		mu.Lock()
		results[1] = err
		mu.Unlock()
	}}

	require.NoError(t, c.SubmitBatch([]*Operation{ok, bad}))
	waitForCompletions(t, c, 2)

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, results[0])
	require.Error(t, results[1])
}

func TestSubmitBatchRejectsWhenExceedingChannelLimit(t *testing.T) {
	c := NewChannel("test", 1)
	ops := []*Operation{
		{Op: OpFill, Dst: make([]byte, 4), Fill: 1},
		{Op: OpFill, Dst: make([]byte, 4), Fill: 1},
	}
	err := c.SubmitBatch(ops)
	require.Error(t, err)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeNoMemory))
}

func TestInFlightTracksOutstandingOperations(t *testing.T) {
	c := NewChannel("test", 4)
	require.Equal(t, 0, c.InFlight())

	done := make(chan struct{})
	require.NoError(t, c.SubmitFill(make([]byte, 4), 0, func(op *Operation, err error) {
		close(done)
	}))
	require.Equal(t, 1, waitForCompletions(t, c, 1))
	require.Equal(t, 0, c.InFlight())
	<-done
}
