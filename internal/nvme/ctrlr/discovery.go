package ctrlr

import (
	"context"

	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/reactorstore/reactorstore"
	"github.com/reactorstore/reactorstore/internal/nvme/transport"
)

// LogPageDiscovery is the AER log-page identifier SPDK reserves for the
// discovery log (SPDK_NVME_LOG_DISCOVERY), extracted from an AER
// completion's cdw0 bits 16-23 (spec.md §9 supplemented feature, from
// _examples/original_source/examples/nvme/discovery_aer/discovery_aer.c's
// aer_cb: "log_page_id = (cpl->cdw0 & 0xFF0000) >> 16").
const LogPageDiscovery uint32 = 0x70

// DiscoveryLogEntry is one remote subsystem record (discovery_aer.c's
// print_discovery_log entry fields).
type DiscoveryLogEntry struct {
	TrType  transport.TrType
	AdrFam  transport.AdrFam
	Subnqn  string
	Traddr  string
	Trsvcid string
	PortID  uint16
	CntlID  uint16
}

// DiscoveryLogPage is the parsed discovery log fetched from a discovery
// controller (discovery_aer.c's struct spdk_nvmf_discovery_log_page).
type DiscoveryLogPage struct {
	GenCtr  uint64
	Entries []DiscoveryLogEntry
}

// DiscoveryTransport is implemented by transports that can serve a
// discovery log page fetch; ordinary I/O transports need not implement
// it. Checked via a type assertion so Transport's core method set stays
// unchanged for non-discovery controllers.
type DiscoveryTransport interface {
	FetchDiscoveryLog() (*DiscoveryLogPage, error)
}

// DiscoveryLogCallback receives a fetched discovery log page, or an
// error if the fetch failed.
type DiscoveryLogCallback func(page *DiscoveryLogPage, err error)

// FetchDiscoveryLog issues a discovery log page fetch (spec.md §9
// supplemented feature; discovery_aer.c's get_discovery_log_page). A
// fetch already in flight defers a second call rather than running
// concurrently, coalescing it into exactly one follow-up fetch once the
// first completes (discovery_aer.c's g_discovery_in_progress/
// g_pending_discovery pair) — this Controller has one in-flight
// discovery fetch at a time by construction.
func (c *Controller) FetchDiscoveryLog(cb DiscoveryLogCallback) {
	dt, ok := c.transport.(DiscoveryTransport)
	if !ok {
		cb(nil, reactorstore.NewComponentError("ctrlr_discovery_log", c.Trid.Traddr, reactorstore.CodeNotSupported, "transport does not serve discovery logs"))
		return
	}

	c.mu.Lock()
	if c.discoveryInProgress {
		c.pendingDiscovery = true
		c.mu.Unlock()
		return
	}
	c.discoveryInProgress = true
	c.mu.Unlock()

	gopool.CtxGo(context.Background(), func() {
		page, err := dt.FetchDiscoveryLog()

		c.mu.Lock()
		c.discoveryInProgress = false
		rerun := c.pendingDiscovery
		c.pendingDiscovery = false
		c.mu.Unlock()

		cb(page, err)

		if rerun {
			c.FetchDiscoveryLog(cb)
		}
	})
}

// HandleDiscoveryAER inspects an AER completion's cdw0 and, if it
// reports the discovery log changed, fetches it via FetchDiscoveryLog
// (discovery_aer.c's aer_cb). cb receives the fetched page; a non-nil
// error there is either a fetch failure or CodeInvalidArgument if cdw0
// names a log page other than the discovery log.
func (c *Controller) HandleDiscoveryAER(cdw0 uint32, cb DiscoveryLogCallback) {
	logPageID := (cdw0 & 0xFF0000) >> 16
	if logPageID != LogPageDiscovery {
		cb(nil, reactorstore.NewComponentError("ctrlr_aer", c.Trid.Traddr, reactorstore.CodeInvalidArgument, "unexpected log page in AER completion"))
		return
	}
	c.FetchDiscoveryLog(cb)
}
