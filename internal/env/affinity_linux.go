//go:build linux

package env

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its current OS thread and
// restricts it to cpuID. Reactor threads call this once before entering
// their poll loop, mirroring the teacher's internal/queue/runner.go ioLoop
// CPU-affinity dance (round-robin queue→CPU assignment via unix.CPUSet),
// generalized here from "one ublk queue" to "one reactor thread".
func PinCurrentThread(cpuID int) error {
	runtime.LockOSThread()

	var mask unix.CPUSet
	mask.Zero()
	mask.Set(cpuID)
	return unix.SchedSetaffinity(0, &mask)
}

// UnpinCurrentThread releases the OS-thread lock taken by PinCurrentThread.
// Reactor threads call this from thread_exit's cleanup path.
func UnpinCurrentThread() {
	runtime.UnlockOSThread()
}

// CPUsFromMask expands a bitmask (spec §6 "-c <hex_core_mask>") into the
// list of CPU indices it selects, in ascending order.
func CPUsFromMask(mask uint64) []int {
	var cpus []int
	for i := 0; i < 64; i++ {
		if mask&(1<<uint(i)) != 0 {
			cpus = append(cpus, i)
		}
	}
	return cpus
}
