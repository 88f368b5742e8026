// Command reactorperf is the representative CLI described in spec.md §6:
// "for each example binary that embeds the core" a short-option surface
// drives a fixed-duration I/O workload and reports throughput/latency.
// Grounded on the teacher's cmd/ublk-mem/main.go shape (flag parsing,
// signal-driven shutdown, summary printing), reworked onto pflag's
// POSIX short-option parser and generalized from one fixed memory disk
// into a queue-depth/workload-mix perf generator over the bdev layer.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/reactorstore/reactorstore"
	"github.com/reactorstore/reactorstore/backend"
	"github.com/reactorstore/reactorstore/internal/bdev"
	"github.com/reactorstore/reactorstore/internal/bdev/aio"
	"github.com/reactorstore/reactorstore/internal/ioc"
	"github.com/reactorstore/reactorstore/internal/logging"
	"github.com/reactorstore/reactorstore/internal/nvme/transport"
)

// workload names spec §6's -w values.
type workload string

const (
	workloadRead      workload = "read"
	workloadWrite     workload = "write"
	workloadRandRead  workload = "randread"
	workloadRandWrite workload = "randwrite"
	workloadRW        workload = "rw"
	workloadRandRW    workload = "randrw"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		ioDepth     = pflag.IntP("iodepth", "q", 32, "I/O queue depth")
		ioSize      = pflag.IntP("iosize", "o", 4096, "I/O size in bytes")
		workloadStr = pflag.StringP("workload", "w", "read", "read|write|randread|randwrite|rw|randrw")
		readPercent = pflag.IntP("mix", "M", 50, "read percentage for rw/randrw workloads")
		seconds     = pflag.IntP("time", "t", 10, "run time in seconds")
		coreMaskHex = pflag.StringP("coremask", "c", "0x1", "hex core mask")
		tridStr     = pflag.StringP("trid", "r", "", "transport identifier, e.g. 'trtype:PCIe traddr:0000:01:00.0'")
		memMB       = pflag.IntP("memmb", "s", 256, "backing store size in MB")
		shmID       = pflag.IntP("shmid", "i", 0, "shared memory group ID")
		debug       = pflag.BoolP("debug", "G", false, "enable debug logging")
		logFlag     = pflag.StringP("logflag", "T", "", "enable debug logging and log the named component")
	)
	pflag.Parse()

	logCfg := logging.DefaultConfig()
	if *debug || *logFlag != "" {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)
	if *logFlag != "" {
		logger.Debug("log component enabled", "component", *logFlag)
	}

	if *tridStr == "" {
		logger.Error("missing required -r trid")
		return 1
	}
	trid, err := transport.ParseTrid(*tridStr)
	if err != nil {
		logger.Error("invalid trid", "error", err)
		return 1
	}

	w, err := parseWorkload(*workloadStr)
	if err != nil {
		logger.Error("invalid workload", "error", err)
		return 1
	}
	if *readPercent < 0 || *readPercent > 100 {
		logger.Error("mix percentage out of range", "percent", *readPercent)
		return 1
	}

	coreMask, err := parseHexMask(*coreMaskHex)
	if err != nil {
		logger.Error("invalid core mask", "error", err)
		return 1
	}

	rt, err := reactorstore.Bootstrap(reactorstore.BootstrapOpts{
		Name:      "reactorperf",
		CoreMask:  coreMask,
		MemSizeMB: *memMB,
		ShmID:     *shmID,
	})
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		return 1
	}
	defer rt.Stop()

	sizeBytes := int64(*memMB) * 1024 * 1024
	be, err := openBackend(trid, sizeBytes)
	if err != nil {
		logger.Error("failed to open backing store", "trid", trid.String(), "error", err)
		return 1
	}

	blockCount := uint64(sizeBytes) / reactorstore.DefaultBlockSize
	b, err := aio.Register(bdev.Default, ioc.Default, "reactorperf0", be, reactorstore.DefaultBlockSize, blockCount, *ioDepth)
	if err != nil {
		logger.Error("bdev registration failed", "error", err)
		return 1
	}
	defer bdev.Default.Unregister(b.Name)

	desc, err := bdev.Default.Open(b.Name, true)
	if err != nil {
		logger.Error("bdev open failed", "error", err)
		return 1
	}
	defer bdev.Close(desc)

	threads := rt.Threads()
	if len(threads) == 0 {
		logger.Error("no reactor threads launched")
		return 1
	}
	th := threads[0]

	ch, err := bdev.GetIOChannel(ioc.Default, desc, th.ID())
	if err != nil {
		logger.Error("get_io_channel failed", "error", err)
		return 1
	}
	defer ioc.Default.PutIOChannel(ch)

	poller := th.PollerRegister(func(any) int {
		return aio.PollCompletions(ch)
	}, nil, 0)
	defer th.PollerUnregister(poller)

	metrics := reactorstore.NewMetrics()
	defer metrics.Stop()

	logger.Info("starting workload", "trid", trid.String(), "workload", string(w),
		"io_depth", *ioDepth, "io_size", *ioSize, "duration_s", *seconds)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
		case <-time.After(time.Duration(*seconds) * time.Second):
		}
		close(stop)
	}()

	failed := runWorkload(desc, ch, w, *readPercent, *ioDepth, *ioSize, blockCount, metrics, stop)

	snap := metrics.Snapshot()
	fmt.Printf("read:  iops=%.0f bw=%.2fMB/s errors=%d\n",
		snap.ReadIOPS, snap.ReadBandwidth/(1024*1024), snap.ReadErrors)
	fmt.Printf("write: iops=%.0f bw=%.2fMB/s errors=%d\n",
		snap.WriteIOPS, snap.WriteBandwidth/(1024*1024), snap.WriteErrors)
	fmt.Printf("latency: p50=%dus p99=%dus p999=%dus\n",
		snap.LatencyP50Ns/1000, snap.LatencyP99Ns/1000, snap.LatencyP999Ns/1000)

	if failed {
		return 1
	}
	return 0
}

func parseWorkload(s string) (workload, error) {
	switch workload(s) {
	case workloadRead, workloadWrite, workloadRandRead, workloadRandWrite, workloadRW, workloadRandRW:
		return workload(s), nil
	default:
		return "", reactorstore.NewComponentError("workload", s, reactorstore.CodeInvalidArgument, "unrecognized -w value")
	}
}

func parseHexMask(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	mask, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, reactorstore.NewComponentError("coremask", s, reactorstore.CodeInvalidArgument, "not a valid hex mask")
	}
	return mask, nil
}

// openBackend picks the workload's backing store. Real PCIe BAR/fabric
// enumeration is out of scope (spec.md §1 Non-goals: "does not manage
// physical hardware enumeration policy"), so PCIe traddr is treated as a
// local path to a block-backed file and every other transport type runs
// against an in-process memory region that still exercises the full
// reactor/bdev/metrics stack above it.
func openBackend(trid *transport.Trid, size int64) (reactorstore.Backend, error) {
	if trid.TrType == transport.TrTypePCIe {
		return backend.NewFile(trid.Traddr, size)
	}
	return backend.NewMemory(size), nil
}

// runWorkload drives ioDepth concurrent requests until stop closes,
// returning true if any request failed.
func runWorkload(desc *bdev.Desc, ch *ioc.Channel, w workload, readPercent, ioDepth, ioSize int, blockCount uint64, metrics *reactorstore.Metrics, stop <-chan struct{}) bool {
	var failed atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < ioDepth; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(worker) + 1))
			buf := make([]byte, ioSize)

			for {
				select {
				case <-stop:
					return
				default:
				}

				isRead := pickIsRead(w, readPercent, rng)
				offset := pickOffset(w, isRead, ioSize, blockCount, rng)

				done := make(chan struct{})
				start := time.Now()
				var submitErr error
				cb := func(io *bdev.IO, status bdev.IOStatus) {
					latency := uint64(time.Since(start).Nanoseconds())
					success := status == bdev.IOStatusSuccess
					if isRead {
						metrics.RecordRead(uint64(ioSize), latency, success)
					} else {
						metrics.RecordWrite(uint64(ioSize), latency, success)
					}
					if !success {
						failed.Store(true)
					}
					close(done)
				}

				if isRead {
					submitErr = bdev.Read(desc, ch, buf, offset, cb)
				} else {
					submitErr = bdev.Write(desc, ch, buf, offset, cb)
				}
				if submitErr != nil {
					failed.Store(true)
					return
				}

				select {
				case <-done:
				case <-stop:
					return
				}
			}
		}(i)
	}

	wg.Wait()
	return failed.Load()
}

func pickIsRead(w workload, readPercent int, rng *rand.Rand) bool {
	switch w {
	case workloadRead, workloadRandRead:
		return true
	case workloadWrite, workloadRandWrite:
		return false
	default:
		return rng.Intn(100) < readPercent
	}
}

func pickOffset(w workload, isRead bool, ioSize int, blockCount uint64, rng *rand.Rand) int64 {
	maxBlocks := int64(blockCount) - int64(ioSize)/reactorstore.DefaultBlockSize
	if maxBlocks < 1 {
		maxBlocks = 1
	}

	random := w == workloadRandRead || w == workloadRandWrite || w == workloadRandRW
	if !random {
		return 0
	}
	block := rng.Int63n(maxBlocks)
	return block * reactorstore.DefaultBlockSize
}
