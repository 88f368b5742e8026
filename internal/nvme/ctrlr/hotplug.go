package ctrlr

import (
	"sync"

	"github.com/reactorstore/reactorstore/internal/nvme/transport"
)

// EnumerateFn re-enumerates the transport's currently present devices,
// returning every trid it can currently see (spec §4.6 hotplug: the
// controller periodically re-runs PCIe enumeration to detect
// insert/remove). Grounded on
// _examples/original_source/examples/nvme/hotplug/hotplug.c's
// spdk_nvme_probe() being called on a recurring timer instead of once
// at startup.
type EnumerateFn func() ([]*transport.Trid, error)

// HotplugMonitor tracks a set of controllers against repeated
// EnumerateFn calls: a controller is marked removed the moment its
// trid stops appearing (hotplug.c's remove_cb, "mark the device as
// removed, but don't detach yet"), and a trid that appears without a
// tracked controller is reported for the caller to Probe and Track
// (hotplug.c's attach_cb).
type HotplugMonitor struct {
	enumerate EnumerateFn

	mu      sync.Mutex
	tracked map[string]*Controller // keyed by Trid.String()
}

// NewHotplugMonitor constructs a monitor that re-enumerates via fn.
func NewHotplugMonitor(fn EnumerateFn) *HotplugMonitor {
	return &HotplugMonitor{enumerate: fn, tracked: make(map[string]*Controller)}
}

// Track adds c to the monitored set.
func (m *HotplugMonitor) Track(c *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[c.Trid.String()] = c
}

// Untrack drops c, normally once DetachComplete has run.
func (m *HotplugMonitor) Untrack(c *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, c.Trid.String())
}

// Poll runs one enumeration pass (spec §4.6 hotplug poll loop).
func (m *HotplugMonitor) Poll() (newTrids []*transport.Trid, err error) {
	seen, err := m.enumerate()
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(seen))
	for _, t := range seen {
		present[t.String()] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.tracked {
		if !present[key] {
			c.MarkRemoved()
		}
	}
	for _, t := range seen {
		if _, ok := m.tracked[t.String()]; !ok {
			newTrids = append(newTrids, t)
		}
	}
	return newTrids, nil
}

// MarkRemoved flags c as physically gone without detaching it yet
// (hotplug.c remove_cb). ReadyToDetach reports once in-flight I/O has
// drained.
func (c *Controller) MarkRemoved() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
}

// IsRemoved reports whether MarkRemoved has fired.
func (c *Controller) IsRemoved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// ReadyToDetach reports whether c was marked removed and every I/O
// qpair has drained its in-flight requests (hotplug.c's
// "dev->is_removed && dev->current_queue_depth == 0" drain check). The
// caller is expected to follow a true result with DetachBegin then
// DetachComplete.
func (c *Controller) ReadyToDetach() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.removed {
		return false
	}
	for _, qp := range c.ioQpairs {
		if qp.RequestsInFlight() > 0 {
			return false
		}
	}
	return true
}
