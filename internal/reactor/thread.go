// Package reactor implements the cooperative per-core scheduler described
// in spec §4.1 and §3: a Thread owns an ordered sequence of active
// pollers, a min-heap of timed pollers, and a fixed-capacity inbound
// message ring. Grounded on the teacher's internal/queue/runner.go poll
// loop (ioLoop/processRequests), generalized from a single fixed ublk
// I/O loop into the general reactor spec.md describes: any number of
// pollers, any callback shape, messages routed between threads instead of
// one hard-coded completion path.
package reactor

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/reactorstore/reactorstore/internal/base"
	"github.com/reactorstore/reactorstore/internal/env"
)

// PollerState is a Poller's lifecycle state (spec §3).
type PollerState int

const (
	PollerWaiting PollerState = iota
	PollerRunning
	PollerUnregisterPending
)

// PollResult is thread_poll's busy/idle verdict (spec §4.1).
type PollResult int

const (
	PollIdle PollResult = iota
	PollBusy
)

// PollerFn is a poller callback. Positive return = work done, zero = idle,
// negative = unknown (spec §3); all three are accepted, only the sign is
// inspected.
type PollerFn func(arg any) int

// Poller is a registered callback, either active (PeriodUs == 0, run every
// poll) or timed (PeriodUs > 0, run once its NextTick has passed).
type Poller struct {
	fn       PollerFn
	arg      any
	periodUs uint64
	nextTick uint64
	state    PollerState
	index    int // heap index, maintained by container/heap
}

// Unregister requests removal. Per spec §3 the poller is never freed
// during its own callback; the reactor frees it at the next iteration
// boundary that observes PollerUnregisterPending.
func (p *Poller) Unregister() {
	p.state = PollerUnregisterPending
}

// timedHeap is a container/heap.Interface over timed pollers keyed by
// next-expiration tick.
type timedHeap []*Poller

func (h timedHeap) Len() int           { return len(h) }
func (h timedHeap) Less(i, j int) bool { return h[i].nextTick < h[j].nextTick }
func (h timedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timedHeap) Push(x interface{}) {
	p := x.(*Poller)
	p.index = len(*h)
	*h = append(*h, p)
}
func (h *timedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

// message is one enqueued thread_send_msg entry.
type message struct {
	fn  func(arg any)
	arg any
}

// Thread is one reactor core: an ordered set of active pollers, a
// min-heap of timed pollers, and a fixed-capacity inbound message ring
// (spec §3). All mutation of a Thread's scheduling state happens from the
// thread's own poll loop except for SendMsg, which is safe to call from
// any goroutine.
type Thread struct {
	id   uint64
	name string

	mu           sync.Mutex // guards active/timed/channels; not msgs (separate chan)
	active       []*Poller
	timed        timedHeap
	channelCount int64 // outstanding io-channel references, see addChannelRef

	msgs     chan message
	msgCap   int
	exited   atomic.Bool
	exitOnce sync.Once
}

var (
	registryMu sync.Mutex
	registry   []*Thread
	nextID     uint64
)

// Create allocates a new thread (spec §4.1 thread_create). It does not
// start polling; the returned handle is immediately usable as a
// SendMsg target from any other thread. cpumask selects which CPU
// PinCurrentThread should bind to once this thread's poll loop starts;
// it is advisory here and consumed by the caller's run loop.
func Create(name string, cpumask uint64) *Thread {
	registryMu.Lock()
	nextID++
	id := nextID
	registryMu.Unlock()

	t := &Thread{
		id:     id,
		name:   name,
		msgCap: base.DefaultMessageRingCapacity,
		msgs:   make(chan message, base.DefaultMessageRingCapacity),
	}
	heap.Init(&t.timed)

	registryMu.Lock()
	registry = append(registry, t)
	registryMu.Unlock()

	return t
}

// ID returns the thread's stable numeric handle.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the thread's optional name.
func (t *Thread) Name() string { return t.name }

// PollerRegister adds a poller to this thread (spec §4.1). periodUs == 0
// registers an active poller (runs every poll); periodUs > 0 registers a
// timed poller whose first expiration is now + periodUs.
func (t *Thread) PollerRegister(fn PollerFn, arg any, periodUs uint64) *Poller {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &Poller{fn: fn, arg: arg, periodUs: periodUs}
	if periodUs == 0 {
		t.active = append(t.active, p)
		return p
	}
	p.nextTick = env.NowTicks() + periodUs
	heap.Push(&t.timed, p)
	return p
}

// PollerUnregister requests removal of a poller (spec §4.1). Equivalent
// to calling Poller.Unregister directly.
func (t *Thread) PollerUnregister(p *Poller) {
	p.Unregister()
}

// SendMsg enqueues fn(arg) to run on t's poll loop (spec §4.1
// thread_send_msg). Safe from any goroutine. Delivery is FIFO per
// sender→target pair because each sender calls through its own Thread's
// SendMsg serially onto target's single channel, and Go channels preserve
// send order for a single sender; returns ErrQueueFull if the ring is
// saturated rather than blocking, since callers must not assume infinite
// capacity.
func (t *Thread) SendMsg(fn func(arg any), arg any) error {
	select {
	case t.msgs <- message{fn: fn, arg: arg}:
		return nil
	default:
		return base.ErrQueueFull
	}
}

// Poll runs at most maxMsgs inbound messages (0 = all), expires ready
// timed pollers, then runs one pass of active pollers (spec §4.1
// thread_poll). Returns PollBusy if any callback returned positive or a
// message was processed.
func (t *Thread) Poll(maxMsgs int) PollResult {
	busy := false

	n := 0
	for {
		if maxMsgs > 0 && n >= maxMsgs {
			break
		}
		select {
		case m := <-t.msgs:
			m.fn(m.arg)
			busy = true
			n++
		default:
			n = -1 // sentinel: break outer loop below
		}
		if n < 0 {
			break
		}
	}

	now := env.NowTicks()
	t.mu.Lock()
	var expired []*Poller
	for t.timed.Len() > 0 && t.timed[0].nextTick <= now {
		p := heap.Pop(&t.timed).(*Poller)
		if p.state == PollerUnregisterPending {
			continue
		}
		expired = append(expired, p)
	}
	t.mu.Unlock()

	for _, p := range expired {
		p.state = PollerRunning
		ret := p.fn(p.arg)
		if ret > 0 {
			busy = true
		}
		unregistered := p.state == PollerUnregisterPending
		p.state = PollerWaiting
		if unregistered {
			continue
		}
		p.nextTick = env.NowTicks() + p.periodUs
		t.mu.Lock()
		heap.Push(&t.timed, p)
		t.mu.Unlock()
	}

	t.mu.Lock()
	live := t.active[:0]
	for _, p := range t.active {
		if p.state == PollerUnregisterPending {
			continue
		}
		live = append(live, p)
	}
	t.active = live
	activeSnapshot := append([]*Poller(nil), t.active...)
	t.mu.Unlock()

	for _, p := range activeSnapshot {
		if p.state == PollerUnregisterPending {
			continue
		}
		p.state = PollerRunning
		ret := p.fn(p.arg)
		if ret > 0 {
			busy = true
		}
		if p.state != PollerUnregisterPending {
			p.state = PollerWaiting
		}
	}

	if busy {
		return PollBusy
	}
	return PollIdle
}

// NextPollerExpiration returns the number of ticks until the next timed
// poller expires, or 0 if there is no timed poller registered (spec
// §4.1 thread_next_poller_expiration). The outer event loop uses this to
// compute a sleep deadline when IsIdle.
func (t *Thread) NextPollerExpiration(now uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timed.Len() == 0 {
		return 0
	}
	next := t.timed[0].nextTick
	if next <= now {
		return 0
	}
	return next - now
}

// IsIdle reports whether the thread has no active pollers, no pending
// messages, and no timed pollers expiring now (spec §4.1 thread_is_idle).
func (t *Thread) IsIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.active) > 0 {
		return false
	}
	if len(t.msgs) > 0 {
		return false
	}
	if t.timed.Len() > 0 && t.timed[0].nextTick <= env.NowTicks() {
		return false
	}
	return true
}

// addChannelRef/releaseChannelRef adjust the outstanding channel
// reference count reported by OutstandingChannels. They are unexported,
// so only this package changes the count, and Exit does not consult it.
func (t *Thread) addChannelRef()     { atomic.AddInt64(&t.channelCount, 1) }
func (t *Thread) releaseChannelRef() { atomic.AddInt64(&t.channelCount, -1) }

// OutstandingChannels returns the number of I/O-channel references this
// thread currently owns.
func (t *Thread) OutstandingChannels() int64 {
	return atomic.LoadInt64(&t.channelCount)
}

// Exit drains pending messages and unregisters remaining pollers (spec
// §4.1 thread_exit). After Exit returns, the next Poll call observes a
// fully idle thread and the handle may be destroyed.
func (t *Thread) Exit() {
	t.exitOnce.Do(func() {
		for {
			select {
			case m := <-t.msgs:
				m.fn(m.arg)
			default:
				t.exited.Store(true)
				return
			}
		}
	})

	t.mu.Lock()
	t.active = nil
	for t.timed.Len() > 0 {
		heap.Pop(&t.timed)
	}
	t.mu.Unlock()
}

// Exited reports whether Exit has been called.
func (t *Thread) Exited() bool { return t.exited.Load() }
