// Package bdev implements the uniform block-device contract (spec §4.4):
// a name-keyed registry of Bdevs, open/close descriptors, and the
// submit/complete pipeline that every leaf driver (internal/bdev/aio,
// backend/mem.go, backend/file.go) plugs into. Grounded on the teacher's
// Backend/DiscardBackend/Observer capability-interface style
// (internal/interfaces/backend.go, superseded) and errors.go's error
// taxonomy mapping.
package bdev

import (
	"sync"

	"github.com/google/btree"

	"github.com/reactorstore/reactorstore"
	"github.com/reactorstore/reactorstore/internal/ioc"
)

// IOType enumerates the bdev operation kinds (spec §3 "Bdev I/O").
type IOType int

const (
	IOTypeRead IOType = iota
	IOTypeWrite
	IOTypeUnmap
	IOTypeWriteZeroes
	IOTypeFlush
	IOTypeReset
)

func (t IOType) String() string {
	switch t {
	case IOTypeRead:
		return "read"
	case IOTypeWrite:
		return "write"
	case IOTypeUnmap:
		return "unmap"
	case IOTypeWriteZeroes:
		return "write_zeroes"
	case IOTypeFlush:
		return "flush"
	case IOTypeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// IOStatus is a completed I/O's terminal status.
type IOStatus int

const (
	IOStatusSuccess IOStatus = iota
	IOStatusFailed
	IOStatusAborted
)

// CompletionFn is invoked exactly once per submitted I/O, on the
// submitting channel's owning thread (spec §4.4).
type CompletionFn func(io *IO, status IOStatus)

// IO is one in-flight bdev request (spec §3 "Bdev I/O"). Allocated by the
// bdev layer before submit_request, owned by the driver until Complete is
// called, released after the user callback returns.
type IO struct {
	Type      IOType
	Channel   *ioc.Channel
	Buf       []byte
	Offset    int64
	NBytes    int64
	UserCb    CompletionFn
	DriverCtx any

	completed bool
	mu        sync.Mutex
}

// Complete runs the I/O's user callback exactly once (spec §3 "At-most-one
// completion per I/O"); subsequent calls are no-ops so a racing reset and
// a driver completion can't double-fire the callback.
func (io *IO) Complete(status IOStatus) {
	io.mu.Lock()
	if io.completed {
		io.mu.Unlock()
		return
	}
	io.completed = true
	io.mu.Unlock()

	if io.UserCb != nil {
		io.UserCb(io, status)
	}
}

// FnTable is a bdev module's dispatch table (spec §3 "Bdev" fn_table).
// GetIOChannel builds a fresh driver-private per-channel context (e.g.
// internal/bdev/aio.Channel); it is the ctxFactory internal/ioc invokes
// on the first GetIOChannel reference from a given thread, not the
// channel object itself.
type FnTable struct {
	Destruct        func(ctx any) error
	SubmitRequest   func(ctx any, ch *ioc.Channel, io *IO)
	IOTypeSupported func(ctx any, t IOType) bool
	GetIOChannel    func(ctx any) any
	DumpConfig      func(ctx any) map[string]any // optional
}

// Bdev is one registered block device (spec §3 "Bdev").
type Bdev struct {
	Name              string
	ProductName       string
	BlockSize         uint32
	BlockCount        uint64
	RequiredAlignment uint32
	WriteCacheFlag    bool

	FnTable   FnTable
	ModuleCtx any
}

// Desc is an open reference to a Bdev (spec §4.4 bdev_open). write marks
// whether this descriptor was opened for writing.
type Desc struct {
	bdev  *Bdev
	write bool
}

// Registry is the process-wide name-keyed Bdev set (spec §3: "Registered
// bdevs form a name-keyed set; duplicates rejected"). Backed by
// github.com/google/btree so enumeration (dump_config, CLI listing) walks
// bdevs in a stable, name-sorted order instead of Go map order.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Bdev
	names  *btree.BTreeG[string]
}

// NewRegistry constructs an empty bdev registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Bdev),
		names:  btree.NewG[string](32, func(a, b string) bool { return a < b }),
	}
}

var Default = NewRegistry()

// Register adds bdev to the registry. Duplicate names are rejected (spec
// §3).
func (r *Registry) Register(b *Bdev) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[b.Name]; exists {
		return reactorstore.NewComponentError("bdev_register", b.Name, reactorstore.CodeInvalidArgument, "bdev name already registered")
	}
	r.byName[b.Name] = b
	r.names.ReplaceOrInsert(b.Name)
	return nil
}

// Unregister removes a bdev by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.byName[name]
	if !exists {
		return reactorstore.NewError("bdev_unregister", reactorstore.CodeNoDevice, "bdev not registered")
	}
	if b.FnTable.Destruct != nil {
		if err := b.FnTable.Destruct(b.ModuleCtx); err != nil {
			return reactorstore.WrapTransportFailure("bdev_unregister", name, err)
		}
	}
	delete(r.byName, name)
	r.names.Delete(name)
	return nil
}

// Names returns every registered bdev name in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, r.names.Len())
	r.names.Ascend(func(name string) bool {
		out = append(out, name)
		return true
	})
	return out
}

// Open looks up bdev_name and returns a Desc (spec §4.4 bdev_open).
func (r *Registry) Open(bdevName string, write bool) (*Desc, error) {
	r.mu.Lock()
	b, exists := r.byName[bdevName]
	r.mu.Unlock()
	if !exists {
		return nil, reactorstore.NewComponentError("bdev_open", bdevName, reactorstore.CodeNoDevice, "bdev not found")
	}
	return &Desc{bdev: b, write: write}, nil
}

// Close releases a descriptor (spec §4.4 bdev_close). No-op beyond
// dropping the reference: the underlying bdev's lifecycle is independent
// of any one opener.
func Close(desc *Desc) {
	desc.bdev = nil
}

// Bdev returns the descriptor's underlying Bdev.
func (d *Desc) Bdev() *Bdev { return d.bdev }

// Writable reports whether this descriptor was opened for writing.
func (d *Desc) Writable() bool { return d.write }

// GetIOChannel wraps the generic channel registry for this descriptor's
// bdev (spec §4.4 bdev_get_io_channel).
func GetIOChannel(reg *ioc.Registry, desc *Desc, threadID uint64) (*ioc.Channel, error) {
	return reg.GetIOChannel(desc.bdev, threadID, func() any {
		return desc.bdev.FnTable.GetIOChannel(desc.bdev.ModuleCtx)
	})
}

// validate checks the common offset/length/alignment invariants shared by
// read/write/unmap/write_zeroes (spec §4.4); flush and reset carry no
// range and are not validated.
func validate(b *Bdev, offset, nbytes int64) error {
	if nbytes == 0 {
		return reactorstore.NewComponentError("bdev_io", b.Name, reactorstore.CodeInvalidArgument, "nbytes is zero")
	}
	if nbytes%int64(b.BlockSize) != 0 || offset%int64(b.BlockSize) != 0 {
		return reactorstore.NewComponentError("bdev_io", b.Name, reactorstore.CodeInvalidArgument, "offset/nbytes must be a multiple of block_size")
	}
	total := int64(b.BlockCount) * int64(b.BlockSize)
	if offset+nbytes > total {
		return reactorstore.NewComponentError("bdev_io", b.Name, reactorstore.CodeInvalidArgument, "offset+nbytes exceeds device capacity")
	}
	return nil
}

func submit(desc *Desc, ch *ioc.Channel, t IOType, buf []byte, offset, nbytes int64, cb CompletionFn) error {
	b := desc.bdev
	if t != IOTypeFlush && t != IOTypeReset {
		if err := validate(b, offset, nbytes); err != nil {
			return err
		}
	}
	if b.FnTable.IOTypeSupported != nil && !b.FnTable.IOTypeSupported(b.ModuleCtx, t) {
		return reactorstore.NewComponentError("bdev_io", b.Name, reactorstore.CodeNotSupported, t.String()+" not supported by this bdev")
	}

	io := &IO{Type: t, Channel: ch, Buf: buf, Offset: offset, NBytes: nbytes, UserCb: cb}
	b.FnTable.SubmitRequest(b.ModuleCtx, ch, io)
	return nil
}

// Read submits a read (spec §4.4 bdev_read).
func Read(desc *Desc, ch *ioc.Channel, buf []byte, offset int64, cb CompletionFn) error {
	return submit(desc, ch, IOTypeRead, buf, offset, int64(len(buf)), cb)
}

// Write submits a write (spec §4.4 bdev_write).
func Write(desc *Desc, ch *ioc.Channel, buf []byte, offset int64, cb CompletionFn) error {
	if !desc.write {
		return reactorstore.NewComponentError("bdev_write", desc.bdev.Name, reactorstore.CodeInvalidArgument, "descriptor not opened for writing")
	}
	return submit(desc, ch, IOTypeWrite, buf, offset, int64(len(buf)), cb)
}

// Unmap submits an unmap/discard (spec §4.4 bdev_unmap).
func Unmap(desc *Desc, ch *ioc.Channel, offset, nbytes int64, cb CompletionFn) error {
	return submit(desc, ch, IOTypeUnmap, nil, offset, nbytes, cb)
}

// WriteZeroes submits a write-zeroes (spec §4.4 bdev_write_zeroes).
func WriteZeroes(desc *Desc, ch *ioc.Channel, offset, nbytes int64, cb CompletionFn) error {
	return submit(desc, ch, IOTypeWriteZeroes, nil, offset, nbytes, cb)
}

// Flush submits a flush (spec §4.4 bdev_flush).
func Flush(desc *Desc, ch *ioc.Channel, cb CompletionFn) error {
	return submit(desc, ch, IOTypeFlush, nil, 0, 0, cb)
}

// Reset quiesces the backing device (spec §4.4 bdev_reset). A reset races
// with in-flight I/O, which may complete with IOStatusAborted rather than
// success or failure.
func Reset(desc *Desc, ch *ioc.Channel, cb CompletionFn) error {
	return submit(desc, ch, IOTypeReset, nil, 0, 0, cb)
}
