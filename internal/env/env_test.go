package env

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLaunchRequiresName(t *testing.T) {
	_, err := Launch(Opts{})
	require.Error(t, err)
}

func TestLaunchDefaults(t *testing.T) {
	e, err := Launch(Opts{Name: "test-env"})
	require.NoError(t, err)
	require.Equal(t, "test-env", e.Name())
	require.Equal(t, 1024, e.Opts().MemSizeMB)
	require.Equal(t, IOVAVirtual, e.Opts().IOVAMode)
	Stop(e)
}

func TestLaunchSingleCriticalSection(t *testing.T) {
	// Regression for the fio-plugin double-mutex bug (spec §9): Launch
	// must not deadlock when called back-to-back, including on an error
	// path that returns early.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = Launch(Opts{})
			} else {
				e, err := Launch(Opts{Name: "concurrent"})
				if err == nil {
					Stop(e)
				}
			}
		}(i)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Launch deadlocked")
	}
}

func TestDMAMallocFree(t *testing.T) {
	buf := DMAMalloc(4096)
	require.Len(t, buf, 4096)
	buf[0] = 0xAB
	DMAFree(buf)
}

func TestTicks(t *testing.T) {
	a := NowTicks()
	time.Sleep(2 * time.Millisecond)
	b := NowTicks()
	require.Greater(t, b, a)

	require.EqualValues(t, 1_000_000, TicksFromDuration(time.Second))
	require.Equal(t, time.Second, DurationFromTicks(1_000_000))
}

func TestBARReadWrite(t *testing.T) {
	mem := make([]byte, 4096)
	bar := NewBAR(mem)

	bar.Write32(0x14, 0xDEADBEEF) // CSTS-style offset
	require.EqualValues(t, 0xDEADBEEF, bar.Read32(0x14))

	bar.Write64(0x28, 0x1122334455667788) // ASQ-style offset
	require.EqualValues(t, 0x1122334455667788, bar.Read64(0x28))

	require.Equal(t, 4096, bar.Len())
}

func TestBAROutOfBoundsPanics(t *testing.T) {
	mem := make([]byte, 16)
	bar := NewBAR(mem)
	require.Panics(t, func() { bar.Read32(32) })
}

func TestCPUsFromMask(t *testing.T) {
	require.Equal(t, []int{0, 1, 3}, CPUsFromMask(0b1011))
	require.Nil(t, CPUsFromMask(0))
}
