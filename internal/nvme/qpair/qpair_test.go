package qpair

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reactorstore/reactorstore"
)

// fakeDriver is an in-memory Driver that completes every submission
// successfully once drained via Poll, or can be told to fail.
type fakeDriver struct {
	mu            sync.Mutex
	queued        []uint16
	submitted     map[uint16]*Request
	failSubmit    bool
	failPoll      bool
	failReconnect bool
	reconnected   int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{submitted: make(map[uint16]*Request)}
}

func (d *fakeDriver) Submit(cid uint16, req *Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSubmit {
		return reactorstore.NewError("fake_submit", reactorstore.CodeTransportFailure, "induced failure")
	}
	d.submitted[cid] = req
	d.queued = append(d.queued, cid)
	return nil
}

func (d *fakeDriver) Poll(max int, onComplete func(cid uint16, status Status)) (int, error) {
	d.mu.Lock()
	if d.failPoll {
		d.mu.Unlock()
		return 0, reactorstore.NewError("fake_poll", reactorstore.CodeTransportFailure, "induced failure")
	}
	n := 0
	for len(d.queued) > 0 && n < max {
		cid := d.queued[0]
		d.queued = d.queued[1:]
		n++
		d.mu.Unlock()
		onComplete(cid, StatusSuccess)
		d.mu.Lock()
	}
	d.mu.Unlock()
	return n, nil
}

func (d *fakeDriver) Reconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnected++
	if d.failReconnect {
		return reactorstore.NewError("fake_reconnect", reactorstore.CodeTransportFailure, "induced failure")
	}
	// A reconnected transport has dropped everything submitted before it.
	d.queued = nil
	return nil
}

func TestSubmitReadThenCompletes(t *testing.T) {
	drv := newFakeDriver()
	q := New(0, 4, drv)

	var status Status
	var gotReq *Request
	require.NoError(t, q.SubmitRead(100, 8, make([]byte, 4096), func(req *Request, s Status) {
		gotReq = req
		status = s
	}))
	require.EqualValues(t, 1, q.RequestsInFlight())

	n, err := q.ProcessCompletions(16)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, StatusSuccess, status)
	require.NotNil(t, gotReq)
	require.EqualValues(t, 0, q.RequestsInFlight())
}

func TestQueueDepthExhaustedIsNoMemory(t *testing.T) {
	drv := newFakeDriver()
	q := New(0, 1, drv)

	require.NoError(t, q.SubmitWrite(0, 1, make([]byte, 512), func(req *Request, s Status) {}))
	err := q.SubmitWrite(1, 1, make([]byte, 512), func(req *Request, s Status) {})
	require.Error(t, err)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeNoMemory))
}

func TestSubmitOnDisabledQpairIsNoDevice(t *testing.T) {
	drv := newFakeDriver()
	q := New(0, 4, drv)
	q.Disable()

	err := q.SubmitRead(0, 1, make([]byte, 512), nil)
	require.Error(t, err)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeNoDevice))
}

func TestDriverSubmitFailureRollsBackCID(t *testing.T) {
	drv := newFakeDriver()
	drv.failSubmit = true
	q := New(0, 4, drv)

	err := q.SubmitRead(0, 1, make([]byte, 512), nil)
	require.Error(t, err)
	require.EqualValues(t, 0, q.RequestsInFlight())

	drv.failSubmit = false
	require.NoError(t, q.SubmitRead(0, 1, make([]byte, 512), nil))
}

func TestProcessCompletionsTransportFailureMarksQpairFailed(t *testing.T) {
	drv := newFakeDriver()
	drv.failPoll = true
	q := New(0, 4, drv)

	_, err := q.ProcessCompletions(16)
	require.Error(t, err)
	require.True(t, reactorstore.IsCode(err, reactorstore.CodeNoDevice))
	require.Equal(t, StateFailed, q.State())
}

func TestReconnectRetransmitsOutstandingRequests(t *testing.T) {
	drv := newFakeDriver()
	q := New(0, 4, drv)

	require.NoError(t, q.SubmitRead(0, 1, make([]byte, 512), func(req *Request, s Status) {}))
	q.Disable()
	require.EqualValues(t, 1, q.RequestsInFlight(), "outstanding request must survive disable, not be surfaced to the user")

	require.NoError(t, q.Reconnect())
	require.Equal(t, StateEnabled, q.State())
	require.Equal(t, 1, drv.reconnected)

	n, err := q.ProcessCompletions(16)
	require.NoError(t, err)
	require.Equal(t, 1, n, "retransmitted request must still complete")
}

func TestReconnectFailureMarksQpairFailed(t *testing.T) {
	drv := newFakeDriver()
	drv.failReconnect = true
	q := New(0, 4, drv)
	q.Disable()

	err := q.Reconnect()
	require.Error(t, err)
	require.Equal(t, StateFailed, q.State())
}

func TestFreeRejectsWhileRequestsInFlight(t *testing.T) {
	drv := newFakeDriver()
	q := New(0, 4, drv)
	require.NoError(t, q.SubmitRead(0, 1, make([]byte, 512), nil))

	err := q.Free()
	require.Error(t, err)

	_, pollErr := q.ProcessCompletions(16)
	require.NoError(t, pollErr)
	require.NoError(t, q.Free())
}

func TestScanTimeoutsOldestFirst(t *testing.T) {
	drv := newFakeDriver()
	q := New(0, 4, drv)
	require.NoError(t, q.SubmitRead(0, 1, make([]byte, 512), nil))
	require.NoError(t, q.SubmitRead(1, 1, make([]byte, 512), nil))

	var scanned []uint16
	q.ScanTimeouts(^uint64(0), 0, func(cid uint16) {
		scanned = append(scanned, cid)
	})
	require.Len(t, scanned, 2)
	require.Equal(t, []uint16{0, 1}, scanned)
}
