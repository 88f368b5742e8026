// Package ioc implements the I/O device / I/O channel registry (spec
// §4.2, §3): a process-wide map of `(device, thread) → channel` with
// reference-counted per-thread handles and deferred destruction. Grounded
// on the teacher's internal/interfaces capability-interface style and the
// channel/refcount bookkeeping implicit in backend.go's Device ownership
// (both superseded; see DESIGN.md). Library: github.com/google/btree for
// the per-device channel table, so for_each_channel iterates in a stable
// order instead of Go's randomized map order.
package ioc

import (
	"sync"

	"github.com/google/btree"

	"github.com/reactorstore/reactorstore"
)

// CreateChannelFn builds a new channel's driver-private context for
// device. ctx is the value returned by the ctxFactory passed to
// GetIOChannel.
type CreateChannelFn func(device any, ctx any) error

// DestroyChannelFn tears down a channel's driver-private context.
type DestroyChannelFn func(device any, ctx any)

// UnregisterFn runs once the last outstanding channel of a device has
// been released after Unregister was called.
type UnregisterFn func(device any)

// device is the registry's bookkeeping for one io_device_register call.
type device struct {
	handle    any
	createCb  CreateChannelFn
	destroyCb DestroyChannelFn
	name      string
	channels  map[uint64]*Channel   // keyed by owning thread ID
	threadIDs *btree.BTreeG[uint64] // same keys, kept ordered for for_each_channel
	unregCb   UnregisterFn
	unregDone bool
	mu        sync.Mutex
}

func newDevice(handle any, createCb CreateChannelFn, destroyCb DestroyChannelFn, name string) *device {
	return &device{
		handle:    handle,
		createCb:  createCb,
		destroyCb: destroyCb,
		name:      name,
		channels:  make(map[uint64]*Channel),
		threadIDs: btree.NewG[uint64](32, func(a, b uint64) bool { return a < b }),
	}
}

// Channel is one thread's reference-counted handle to a device (spec §3
// "I/O channel"). Ctx holds the driver-private per-channel state built by
// the device's CreateChannelFn.
type Channel struct {
	ThreadID uint64
	Device   any
	Ctx      any

	dev      *device
	refcount int64
}

// Registry is the process-wide device/channel table. A single instance is
// normally shared process-wide via the package-level Default registry,
// but tests may construct their own to avoid cross-test interference.
type Registry struct {
	mu      sync.Mutex
	devices map[any]*device
	order   *btree.BTreeG[uint64] // registration sequence, for stable table walks
	seq     map[any]uint64
	byOrder map[uint64]any
	nextSeq uint64
}

// NewRegistry constructs an empty device/channel registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[any]*device),
		order:   btree.NewG[uint64](32, func(a, b uint64) bool { return a < b }),
		seq:     make(map[any]uint64),
		byOrder: make(map[uint64]any),
	}
}

// Devices returns every currently registered device handle in
// registration order, for callers that need a deterministic walk of the
// registry.
func (r *Registry) Devices() []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]any, 0, r.order.Len())
	r.order.Ascend(func(seq uint64) bool {
		out = append(out, r.byOrder[seq])
		return true
	})
	return out
}

var Default = NewRegistry()

// RegisterDevice registers handle as an I/O device (spec §4.2
// io_device_register). Idempotent on pointer identity: re-registering the
// same handle is an error.
func (r *Registry) RegisterDevice(handle any, createCb CreateChannelFn, destroyCb DestroyChannelFn, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[handle]; exists {
		return reactorstore.NewComponentError("io_device_register", name, reactorstore.CodeInvalidArgument, "device already registered")
	}

	r.nextSeq++
	seq := r.nextSeq
	r.devices[handle] = newDevice(handle, createCb, destroyCb, name)
	r.seq[handle] = seq
	r.byOrder[seq] = handle
	r.order.ReplaceOrInsert(seq)
	return nil
}

// UnregisterDevice removes handle from the registry immediately (spec
// §4.2 io_device_unregister). If channels are still outstanding,
// unregCb runs later, once the last one is released; otherwise it runs
// synchronously here.
func (r *Registry) UnregisterDevice(handle any, unregCb UnregisterFn) error {
	r.mu.Lock()
	d, ok := r.devices[handle]
	if !ok {
		r.mu.Unlock()
		return reactorstore.NewError("io_device_unregister", reactorstore.CodeNoDevice, "device not registered")
	}
	delete(r.devices, handle)
	if seq, ok2 := r.seq[handle]; ok2 {
		r.order.Delete(seq)
		delete(r.seq, handle)
		delete(r.byOrder, seq)
	}
	r.mu.Unlock()

	d.mu.Lock()
	d.unregCb = unregCb
	remaining := len(d.channels)
	if remaining == 0 {
		d.unregDone = true
	}
	d.mu.Unlock()

	if remaining == 0 && unregCb != nil {
		unregCb(handle)
	}
	return nil
}

// GetIOChannel returns threadID's channel for device, creating it via
// CreateChannelFn if this is the first reference (spec §4.2
// get_io_channel). ctxFactory allocates the zero-valued driver context
// passed to CreateChannelFn on first creation.
func (r *Registry) GetIOChannel(handle any, threadID uint64, ctxFactory func() any) (*Channel, error) {
	r.mu.Lock()
	d, ok := r.devices[handle]
	r.mu.Unlock()
	if !ok {
		return nil, reactorstore.ErrChannelOnUnregisteredDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ch, exists := d.channels[threadID]; exists {
		ch.refcount++
		return ch, nil
	}

	ctx := ctxFactory()
	ch := &Channel{ThreadID: threadID, Device: handle, Ctx: ctx, dev: d, refcount: 1}
	if d.createCb != nil {
		if err := d.createCb(handle, ctx); err != nil {
			return nil, reactorstore.WrapTransportFailure("get_io_channel", d.name, err)
		}
	}
	d.channels[threadID] = ch
	d.threadIDs.ReplaceOrInsert(threadID)
	return ch, nil
}

// PutIOChannel decrements ch's refcount; when it reaches zero,
// DestroyChannelFn runs and, if this was the device's last channel and
// Unregister was already called, UnregisterFn runs too (spec §4.2
// put_io_channel).
func (r *Registry) PutIOChannel(ch *Channel) {
	d := ch.dev
	d.mu.Lock()
	ch.refcount--
	if ch.refcount > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.channels, ch.ThreadID)
	d.threadIDs.Delete(ch.ThreadID)
	if d.destroyCb != nil {
		d.destroyCb(ch.Device, ch.Ctx)
	}
	runUnreg := false
	if len(d.channels) == 0 && d.unregCb != nil && !d.unregDone {
		d.unregDone = true
		runUnreg = true
	}
	unregCb := d.unregCb
	handle := d.handle
	d.mu.Unlock()

	if runUnreg {
		unregCb(handle)
	}
}

// ForEachChannel walks all channels currently open on handle, in
// ascending thread-ID order, invoking fn(channel) for each, then cpl once
// the walk completes (spec §4.2 for_each_channel). Because Channel state
// may only be mutated from the owning thread (spec §4.2 invariant), fn is
// expected to post a message to ch.ThreadID itself if it needs to touch
// channel state; ForEachChannel only provides the stable iteration order.
func (r *Registry) ForEachChannel(handle any, fn func(ch *Channel), cpl func()) error {
	r.mu.Lock()
	d, ok := r.devices[handle]
	r.mu.Unlock()
	if !ok {
		return reactorstore.NewError("for_each_channel", reactorstore.CodeNoDevice, "device not registered")
	}

	d.mu.Lock()
	threadIDs := make([]uint64, 0, d.threadIDs.Len())
	d.threadIDs.Ascend(func(tid uint64) bool {
		threadIDs = append(threadIDs, tid)
		return true
	})
	d.mu.Unlock()

	for _, tid := range threadIDs {
		d.mu.Lock()
		ch, ok := d.channels[tid]
		d.mu.Unlock()
		if ok {
			fn(ch)
		}
	}
	if cpl != nil {
		cpl()
	}
	return nil
}
