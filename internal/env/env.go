// Package env implements the environment-primitives layer (spec §4's C1):
// a hugepage-style DMA buffer pool, a per-core launch sequence, and a
// high-resolution tick counter. It is the lowest layer the reactor and
// bdev/NVMe drivers build on, grounded on the teacher's
// internal/queue/pool.go buffer-pool shape and internal/queue/runner.go
// launch/affinity sequence (both deleted in favor of this package; see
// DESIGN.md).
package env

import (
	"sync"
	"time"

	"github.com/cloudwego/gopkg/cache/mempool"
)

// Opts configure process bootstrap (spec §6 "Process bootstrap").
type Opts struct {
	Name                  string
	CoreMask              uint64
	MemSizeMB             int
	ShmID                 int
	IOVAMode              IOVAMode
	HugepageSingleSegment bool
	NoPCI                 bool
}

// IOVAMode selects how DMA addresses are presented to devices.
type IOVAMode string

const (
	IOVAVirtual  IOVAMode = "va"
	IOVAPhysical IOVAMode = "pa"
)

// Env is the process-wide environment handle returned by Launch.
type Env struct {
	opts       Opts
	launchedAt time.Time
}

var (
	launchMu  sync.Mutex
	activeEnv *Env
)

// Launch performs process bootstrap (spec §6). The whole sequence — option
// validation, filling in defaults (MemSizeMB 1024, IOVAMode va) and
// recording the active environment — runs under a single critical
// section. The original fio-plugin equivalent acquired a second,
// separate lock on its error path, which could deadlock against a
// concurrent Launch; here the mutex is acquired exactly once and released
// via defer regardless of outcome (see DESIGN.md open-question decision).
func Launch(opts Opts) (*Env, error) {
	launchMu.Lock()
	defer launchMu.Unlock()

	if opts.Name == "" {
		return nil, errInvalidOpts("name is required")
	}
	if opts.MemSizeMB <= 0 {
		opts.MemSizeMB = 1024
	}
	if opts.IOVAMode == "" {
		opts.IOVAMode = IOVAVirtual
	}

	e := &Env{opts: opts, launchedAt: time.Now()}
	activeEnv = e
	return e, nil
}

// Stop signals the environment has been torn down; it does not itself
// stop reactors (that is internal/reactor.RunAll's job) but clears it as
// the active environment. DMAMalloc/DMAFree do not consult the active
// environment and keep working after Stop.
func Stop(e *Env) {
	launchMu.Lock()
	defer launchMu.Unlock()
	if activeEnv == e {
		activeEnv = nil
	}
}

// Name returns the environment's configured name.
func (e *Env) Name() string { return e.opts.Name }

// Opts returns a copy of the environment's launch options.
func (e *Env) Opts() Opts { return e.opts }

func errInvalidOpts(msg string) error {
	return &optsError{msg: msg}
}

type optsError struct{ msg string }

func (e *optsError) Error() string { return "env: invalid opts: " + e.msg }

// DMAMalloc allocates a DMA-capable buffer of at least size bytes from the
// shared hugepage-style pool. Grounded on cloudwego/gopkg/cache/mempool's
// bucketed, footer-tagged allocator (see DOMAIN STACK in SPEC_FULL.md);
// this replaces the teacher's internal/queue/pool.go GetBuffer/PutBuffer
// pair one-for-one.
func DMAMalloc(size int) []byte {
	return mempool.Malloc(size)
}

// DMAFree returns a buffer obtained from DMAMalloc to the pool. Passing a
// slice not obtained from DMAMalloc is a safe no-op (mempool validates a
// magic footer before recycling).
func DMAFree(buf []byte) {
	mempool.Free(buf)
}
