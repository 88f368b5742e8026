// Package accel implements the accel/IDXD offload engine (spec §4.8,
// optional leaf C8): a per-channel pool of operation descriptors and a
// software-submission portal, polled through a completion ring. No
// IDXD hardware is driven directly; operations execute on a worker
// pool instead, so the portal always takes the software fallback path
// real accel frameworks use when no DSA device is bound.
// Grounded on the teacher's internal/queue batched-submit-then-flush
// shape (runner.go's processRequests: prepare N completions, flush
// once) and its size-bucketed buffer pool (pool.go), generalized from
// ublk's fixed per-tag descriptors into accel's six operation kinds.
// Libraries: github.com/cloudwego/gopkg/container/ring for the
// per-channel completion ring (this package's equivalent of pool.go's
// size-bucketed sync.Pool, applied to completed Operations rather than
// byte buffers), github.com/cloudwego/gopkg/concurrency/gopool for
// dispatching queued operations without blocking the submitting
// reactor thread.
package accel

import (
	"context"
	"sync"

	"github.com/cloudwego/gopkg/concurrency/gopool"
	"github.com/cloudwego/gopkg/container/ring"

	"github.com/reactorstore/reactorstore"
)

// CompletionFn is invoked exactly once per Operation, on the channel's
// owning thread when Poll is called (spec §4.8 "polls a per-channel
// completion ring (FIFO)").
type CompletionFn func(op *Operation, err error)

// Channel is a per-thread accel handle: an operation pool bounded at
// queueDepth and a FIFO completion ring operations land in once their
// worker finishes (spec §4.8 "per-channel pool of operation
// descriptors ... polls a per-channel completion ring").
type Channel struct {
	name       string
	queueDepth int

	mu       sync.Mutex
	inFlight int
	done     *ring.Ring[*Operation]
	doneHead int
	doneTail int
	doneLen  int
}

// NewChannel allocates a channel with room for queueDepth concurrent
// operations (spec §4.8 "enqueues up to a per-channel limit").
func NewChannel(name string, queueDepth int) *Channel {
	slots := make([]*Operation, queueDepth)
	return &Channel{
		name:       name,
		queueDepth: queueDepth,
		done:       ring.NewFromSlice(slots),
	}
}

func (c *Channel) reserve() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight >= c.queueDepth {
		return reactorstore.NewComponentError("accel_submit", c.name, reactorstore.CodeNoMemory, "per-channel operation limit reached")
	}
	c.inFlight++
	return nil
}

// dispatch runs op.run on the shared worker pool and parks the result
// in the completion ring for the next Poll call, never invoking cb
// from the worker goroutine directly — completions only run on the
// channel's own Poll call, preserving per-thread ownership (spec §5
// "completions on a channel run on the channel's thread").
func (c *Channel) dispatch(op *Operation) {
	gopool.CtxGo(context.Background(), func() {
		op.err = op.run()

		c.mu.Lock()
		item, _ := c.done.Get(c.doneTail)
		*item.Pointer() = op
		c.doneTail = (c.doneTail + 1) % c.queueDepth
		c.doneLen++
		c.mu.Unlock()
	})
}

// Poll drains up to max completed operations, invoking each one's
// callback on the caller's thread (spec §4.8 FIFO completion ring).
// Partial failure within a batch is surfaced per-operation via each
// Operation's own err, never aborting the drain of the rest.
func (c *Channel) Poll(max int) int {
	n := 0
	for n < max {
		c.mu.Lock()
		if c.doneLen == 0 {
			c.mu.Unlock()
			break
		}
		item, _ := c.done.Get(c.doneHead)
		op := *item.Pointer()
		*item.Pointer() = nil
		c.doneHead = (c.doneHead + 1) % c.queueDepth
		c.doneLen--
		c.inFlight--
		c.mu.Unlock()

		n++
		if op.Cb != nil {
			op.Cb(op, op.err)
		}
	}
	return n
}

// InFlight reports operations submitted but not yet drained by Poll.
func (c *Channel) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}
