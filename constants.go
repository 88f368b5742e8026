package reactorstore

import (
	"time"

	"github.com/reactorstore/reactorstore/internal/base"
)

// Bdev defaults (spec §3, §4.4).
const (
	DefaultBlockSize          = 512
	DefaultMaxIOSizeBytes     = 1 << 20
	DefaultRequiredAlign      = 4096
	DefaultDiscardAlignment   = 4096
	DefaultDiscardGranularity = 4096
)

// Thread/reactor defaults (spec §3, §4.1). Defined in internal/base so
// internal/reactor can use them without importing this root package; see
// errors.go's Code/Error re-export for why.
const (
	DefaultMessageRingCapacity = base.DefaultMessageRingCapacity
	DefaultPollMaxMsgs         = base.DefaultPollMaxMsgs
)

// NVMe controller defaults (spec §4.6, §9 open-question decision).
const (
	// DefaultMaxResets bounds the reset/reconnect retry budget; the
	// original reconnect.c left this unbounded ("TODO: add a retry
	// limit"), spec §9 mandates a bounded count.
	DefaultMaxResets = 15
	// DefaultAdminTimeout is a per-admin-command timeout value. No code in
	// this module reads it; admin commands are scanned for timeouts only
	// against thresholds set with RegisterTimeoutCallback.
	DefaultAdminTimeout = 30 * time.Second
	// DefaultIOTimeout is the default per-I/O-command timeout.
	DefaultIOTimeout = 10 * time.Second
	// DefaultQueueSize is the default NVMe qpair submission/completion
	// ring size.
	DefaultQueueSize = 128
	// DefaultHotplugPollInterval is a hot-plug enumeration period (spec
	// §4.6 hot-plug). No code in this module reads it; HotplugMonitor
	// re-enumerates only when its caller polls it.
	DefaultHotplugPollInterval = 1 * time.Second
)

// Accel engine defaults (spec §4.8).
const (
	DefaultAccelQueueDepth = 256
)
