// Package reactorstore implements the core execution substrate of a
// userspace storage framework: a cooperative per-core reactor runtime,
// a uniform block-device (bdev) abstraction layered over it, and the
// NVMe driver/transport state machines that feed both.
package reactorstore

// Backend is the minimal capability a leaf storage driver must provide.
// backend.Memory and backend.File implement this, and the
// internal/bdev/aio leaf driver issues its I/O through one; the bdev layer
// never talks to storage directly.
type Backend interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Close() error
	Flush() error
}

// DiscardBackend is an optional capability for unmap/TRIM support.
type DiscardBackend interface {
	Backend
	Discard(offset, length int64) error
}

// WriteZeroesBackend is an optional capability for write_zeroes support,
// distinct from Discard because a driver may implement one without the
// other (write_zeroes must deterministically zero; discard may not).
type WriteZeroesBackend interface {
	Backend
	WriteZeroes(offset, length int64) error
}

// SyncBackend is an optional capability for flushing durability
// guarantees narrower than a whole-device Flush.
type SyncBackend interface {
	Backend
	Sync() error
	SyncRange(offset, length int64) error
}

// StatBackend is an optional capability exposing driver-specific stats.
// The bdev layer does not read them.
type StatBackend interface {
	Backend
	Stats() map[string]interface{}
}

// ResizeBackend is an optional capability for growing or shrinking the
// backing store. The bdev layer does not call Resize.
type ResizeBackend interface {
	Backend
	Resize(newSize int64) error
}

// Logger is a minimal printf-style logging interface. No function in this
// module accepts a Logger; components log through internal/logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
