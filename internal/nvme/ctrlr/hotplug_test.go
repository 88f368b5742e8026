package ctrlr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reactorstore/reactorstore/internal/nvme/transport"
)

func TestMarkRemovedAndIsRemoved(t *testing.T) {
	tp := newFakeTransport()
	c, err := Probe(testTrid(t), tp)
	require.NoError(t, err)

	require.False(t, c.IsRemoved())
	c.MarkRemoved()
	require.True(t, c.IsRemoved())
}

func TestReadyToDetachRequiresRemovedAndDrained(t *testing.T) {
	tp := newFakeTransport()
	c, err := Probe(testTrid(t), tp)
	require.NoError(t, err)

	qp, err := c.AllocIOQpair(4)
	require.NoError(t, err)
	require.NoError(t, qp.SubmitRead(0, 1, make([]byte, 512), nil))

	require.False(t, c.ReadyToDetach(), "not removed yet")

	c.MarkRemoved()
	require.False(t, c.ReadyToDetach(), "in-flight request still outstanding")

	_, err = qp.ProcessCompletions(1)
	require.NoError(t, err)
	require.True(t, c.ReadyToDetach())
}

func TestReadyToDetachWithNoIOQpairs(t *testing.T) {
	tp := newFakeTransport()
	c, err := Probe(testTrid(t), tp)
	require.NoError(t, err)

	c.MarkRemoved()
	require.True(t, c.ReadyToDetach())
}

func TestHotplugMonitorMarksTrackedControllerRemovedWhenGoneFromEnumeration(t *testing.T) {
	tp := newFakeTransport()
	c, err := Probe(testTrid(t), tp)
	require.NoError(t, err)

	mon := NewHotplugMonitor(func() ([]*transport.Trid, error) {
		return nil, nil
	})
	mon.Track(c)

	newTrids, err := mon.Poll()
	require.NoError(t, err)
	require.Empty(t, newTrids)
	require.True(t, c.IsRemoved())
}

func TestHotplugMonitorReportsUntrackedTridsAsNew(t *testing.T) {
	want := otherTrid(t)
	mon := NewHotplugMonitor(func() ([]*transport.Trid, error) {
		return []*transport.Trid{want}, nil
	})

	newTrids, err := mon.Poll()
	require.NoError(t, err)
	require.Len(t, newTrids, 1)
}

func TestHotplugMonitorDoesNotReportTrackedTridsAsNew(t *testing.T) {
	tp := newFakeTransport()
	c, err := Probe(otherTrid(t), tp)
	require.NoError(t, err)

	mon := NewHotplugMonitor(func() ([]*transport.Trid, error) {
		return []*transport.Trid{c.Trid}, nil
	})
	mon.Track(c)

	newTrids, err := mon.Poll()
	require.NoError(t, err)
	require.Empty(t, newTrids)
	require.False(t, c.IsRemoved())
}

func TestHotplugMonitorUntrack(t *testing.T) {
	tp := newFakeTransport()
	c, err := Probe(otherTrid(t), tp)
	require.NoError(t, err)

	mon := NewHotplugMonitor(func() ([]*transport.Trid, error) {
		return nil, nil
	})
	mon.Track(c)
	mon.Untrack(c)

	newTrids, err := mon.Poll()
	require.NoError(t, err)
	require.Empty(t, newTrids)
	require.False(t, c.IsRemoved(), "untracked controller is no longer monitored")
}
