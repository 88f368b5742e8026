package ctrlr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reactorstore/reactorstore"
)

// fakeDiscoveryTransport layers DiscoveryTransport on top of fakeTransport
// so a Controller built from it exercises FetchDiscoveryLog.
type fakeDiscoveryTransport struct {
	*fakeTransport

	mu       sync.Mutex
	calls    int
	block    chan struct{} // when non-nil, FetchDiscoveryLog blocks until closed
	page     *DiscoveryLogPage
	fetchErr error
}

func newFakeDiscoveryTransport() *fakeDiscoveryTransport {
	return &fakeDiscoveryTransport{fakeTransport: newFakeTransport()}
}

func (f *fakeDiscoveryTransport) FetchDiscoveryLog() (*DiscoveryLogPage, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	page, err := f.page, f.fetchErr
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return page, err
}

func TestFetchDiscoveryLogReturnsPageViaCallback(t *testing.T) {
	tp := newFakeDiscoveryTransport()
	tp.page = &DiscoveryLogPage{GenCtr: 1, Entries: []DiscoveryLogEntry{{Subnqn: "nqn.test"}}}
	c, err := Probe(testTrid(t), tp)
	require.NoError(t, err)

	done := make(chan *DiscoveryLogPage, 1)
	c.FetchDiscoveryLog(func(page *DiscoveryLogPage, err error) {
		require.NoError(t, err)
		done <- page
	})

	select {
	case page := <-done:
		require.Equal(t, uint64(1), page.GenCtr)
		require.Len(t, page.Entries, 1)
	case <-time.After(time.Second):
		t.Fatal("discovery log callback did not fire")
	}
}

func TestFetchDiscoveryLogOnNonDiscoveryTransportReportsNotSupported(t *testing.T) {
	tp := newFakeTransport()
	c, err := Probe(testTrid(t), tp)
	require.NoError(t, err)

	done := make(chan error, 1)
	c.FetchDiscoveryLog(func(page *DiscoveryLogPage, err error) {
		done <- err
	})

	err = <-done
	require.Error(t, err)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeNotSupported))
}

func TestFetchDiscoveryLogCoalescesConcurrentCalls(t *testing.T) {
	tp := newFakeDiscoveryTransport()
	tp.page = &DiscoveryLogPage{GenCtr: 1}
	tp.block = make(chan struct{})
	c, err := Probe(testTrid(t), tp)
	require.NoError(t, err)

	results := make(chan *DiscoveryLogPage, 2)
	c.FetchDiscoveryLog(func(page *DiscoveryLogPage, err error) {
		require.NoError(t, err)
		results <- page
	})

	// second call while the first is in flight must not dispatch another
	// fetch of its own; it coalesces into a pending follow-up.
	time.Sleep(10 * time.Millisecond)
	c.FetchDiscoveryLog(func(page *DiscoveryLogPage, err error) {
		require.NoError(t, err)
		results <- page
	})

	close(tp.block)
	tp.mu.Lock()
	tp.block = nil
	tp.mu.Unlock()

	for i := 0; i < 2; i++ {
		select {
		case <-results:
		case <-time.After(time.Second):
			t.Fatal("coalesced discovery fetch did not complete")
		}
	}

	tp.mu.Lock()
	calls := tp.calls
	tp.mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestHandleDiscoveryAERFetchesOnDiscoveryLogPage(t *testing.T) {
	tp := newFakeDiscoveryTransport()
	tp.page = &DiscoveryLogPage{GenCtr: 5}
	c, err := Probe(testTrid(t), tp)
	require.NoError(t, err)

	done := make(chan *DiscoveryLogPage, 1)
	cdw0 := LogPageDiscovery << 16
	c.HandleDiscoveryAER(cdw0, func(page *DiscoveryLogPage, err error) {
		require.NoError(t, err)
		done <- page
	})

	select {
	case page := <-done:
		require.EqualValues(t, 5, page.GenCtr)
	case <-time.After(time.Second):
		t.Fatal("AER-triggered discovery fetch did not fire")
	}
}

func TestHandleDiscoveryAERRejectsOtherLogPages(t *testing.T) {
	tp := newFakeDiscoveryTransport()
	c, err := Probe(testTrid(t), tp)
	require.NoError(t, err)

	done := make(chan error, 1)
	c.HandleDiscoveryAER(0x01<<16, func(page *DiscoveryLogPage, err error) {
		done <- err
	})

	err = <-done
	require.Error(t, err)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeInvalidArgument))
}
