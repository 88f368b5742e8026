package env

import "time"

// TickHz is the resolution of the tick counter used by timed pollers
// (spec §3 "min-heap of timed pollers keyed by next-expiration tick").
// One tick equals one microsecond, matching the period_us unit pollers
// are registered with.
const TickHz = 1_000_000

var processStart = time.Now()

// NowTicks returns the current monotonic tick count since process start.
// The reactor's timed-poller heap and the NVMe timeout supervisor both
// key off this rather than wall-clock time.
func NowTicks() uint64 {
	return uint64(time.Since(processStart) / time.Microsecond)
}

// TicksFromDuration converts a time.Duration to a tick count.
func TicksFromDuration(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Microsecond)
}

// DurationFromTicks converts a tick count back to a time.Duration.
func DurationFromTicks(ticks uint64) time.Duration {
	return time.Duration(ticks) * time.Microsecond
}
