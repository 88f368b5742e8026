package env

import "sync/atomic"

// BAR models a single PCI memory-mapped I/O region (spec §4's C1 "PCI/MMIO
// access"). Reads and writes of the NVMe register set (CAP, CC, CSTS, AQA,
// ASQ, ACQ, doorbells) all funnel through here so a backing implementation
// can be swapped between a real hugepage-backed mapping and the in-process
// fake used by tests.
type BAR struct {
	mem []byte
}

// NewBAR wraps an existing byte slice (typically obtained from a real mmap
// of /sys/bus/pci/devices/.../resourceN, or DMAMalloc in tests) as an MMIO
// region. Access beyond len(mem) panics, matching real MMIO's "undefined
// behavior past the BAR" semantics rather than silently wrapping.
func NewBAR(mem []byte) *BAR {
	return &BAR{mem: mem}
}

// Read32 performs an atomic 32-bit MMIO read at byte offset off.
func (b *BAR) Read32(off uintptr) uint32 {
	p := (*uint32)(ptrAt(b.mem, off, 4))
	return atomic.LoadUint32(p)
}

// Write32 performs an atomic 32-bit MMIO write at byte offset off.
func (b *BAR) Write32(off uintptr, v uint32) {
	p := (*uint32)(ptrAt(b.mem, off, 4))
	atomic.StoreUint32(p, v)
}

// Read64 performs an atomic 64-bit MMIO read at byte offset off.
func (b *BAR) Read64(off uintptr) uint64 {
	p := (*uint64)(ptrAt(b.mem, off, 8))
	return atomic.LoadUint64(p)
}

// Write64 performs an atomic 64-bit MMIO write at byte offset off.
func (b *BAR) Write64(off uintptr, v uint64) {
	p := (*uint64)(ptrAt(b.mem, off, 8))
	atomic.StoreUint64(p, v)
}

// Len returns the size of the mapped region in bytes.
func (b *BAR) Len() int { return len(b.mem) }
