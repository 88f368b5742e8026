// Package sock implements the pluggable socket abstraction (spec §4.3):
// one or more registered implementations (POSIX, and any future
// user-space transport) each contribute sockets to a sock_group, which
// sock_group_poll dispatches into per-iteration. Writes are queued via
// WritevAsync and completed exactly once, including with -ECANCELED on
// close. Grounded on the teacher's internal/uring.Ring/Batch pluggable
// capability-interface pattern (internal/uring/interface.go): sock.Impl
// plays Ring's role, sock.ImplGroup plays Batch's, one interface per
// pluggable backend instead of one fixed io_uring implementation.
package sock

import (
	"sync"

	"github.com/reactorstore/reactorstore"
)

// WriteCompletionFn is invoked exactly once per WritevAsync request: with
// res==0 on success, a negative errno-shaped value on I/O failure, or
// -ECANCELED if the socket was closed before the write completed.
type WriteCompletionFn func(res int)

const ECANCELED = -125

// Socket is one open connection, owned by exactly one Impl.
type Socket interface {
	// ImplName identifies the owning Impl, e.g. "posix".
	ImplName() string
	// WritevAsync queues a scatter-gather write; cb fires exactly once.
	WritevAsync(iovs [][]byte, cb WriteCompletionFn) error
	// Fd exposes the underlying descriptor for an Impl's readiness poll;
	// implementations not backed by a file descriptor may return -1.
	Fd() int
	// Close releases the socket. If called while a callback for this
	// socket is on the stack (depth > 0), the close is deferred until
	// the callback stack unwinds (spec §4.3, §9 reentrancy strategy).
	Close() error
}

// Impl is a pluggable socket implementation registered at startup (spec
// §4.3 "Pluggable implementations"). Concrete Impls (posixImpl) are
// registered via Register during package init.
type Impl interface {
	Name() string
	// NewGroup creates this Impl's contribution to a sock_group.
	NewGroup() ImplGroup
}

// ImplGroup is one Impl's slice of a sock_group: the sockets it owns and
// the means to poll them for readiness.
type ImplGroup interface {
	AddSocket(s Socket) error
	RemoveSocket(s Socket) error
	// Poll blocks up to timeoutUs microseconds waiting for readiness,
	// then invokes ready for every socket with I/O to process, returning
	// the count of ready sockets.
	Poll(timeoutUs int, ready func(s Socket)) (int, error)
}

var (
	implMu     sync.Mutex
	implByName = map[string]Impl{}
)

// Register adds impl to the process-wide implementation set. Registering
// the same name twice replaces the prior registration, matching the
// teacher's NewRing factory-swap pattern used in tests.
func Register(impl Impl) {
	implMu.Lock()
	defer implMu.Unlock()
	implByName[impl.Name()] = impl
}

// Lookup returns a registered Impl by name.
func Lookup(name string) (Impl, bool) {
	implMu.Lock()
	defer implMu.Unlock()
	impl, ok := implByName[name]
	return impl, ok
}

// Group bundles sockets from one or more implementations (spec §4.3
// "sock_group bundles sockets from one or more implementations").
type Group struct {
	mu     sync.Mutex
	groups map[string]ImplGroup
	socks  map[Socket]string // socket -> impl name, for RemoveSocket routing
	cbArg  any
}

// NewGroup creates an empty sock_group. cbArg is passed through to every
// cb_fn invocation from Poll, matching the C ABI's void* cb_arg.
func NewGroup(cbArg any) *Group {
	return &Group{
		groups: make(map[string]ImplGroup),
		socks:  make(map[Socket]string),
		cbArg:  cbArg,
	}
}

// AddSocket registers s with its owning Impl's group, creating that
// group on first use.
func (g *Group) AddSocket(s Socket) error {
	impl, ok := Lookup(s.ImplName())
	if !ok {
		return reactorstore.NewComponentError("sock_group_add", s.ImplName(), reactorstore.CodeInvalidArgument, "no registered sock implementation with this name")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ig, exists := g.groups[s.ImplName()]
	if !exists {
		ig = impl.NewGroup()
		g.groups[s.ImplName()] = ig
	}
	if err := ig.AddSocket(s); err != nil {
		return err
	}
	g.socks[s] = s.ImplName()
	return nil
}

// RemoveSocket removes s from its owning Impl's group.
func (g *Group) RemoveSocket(s Socket) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	implName, ok := g.socks[s]
	if !ok {
		return reactorstore.NewError("sock_group_remove", reactorstore.CodeInvalidArgument, "socket not a member of this group")
	}
	delete(g.socks, s)
	ig := g.groups[implName]
	return ig.RemoveSocket(s)
}

// GroupCallback is invoked once per ready socket by Poll (spec §4.3
// "emits cb_fn(cb_arg, group, sock) per ready socket").
type GroupCallback func(cbArg any, group *Group, sock Socket)

// Poll dispatches into every underlying Impl's group, invoking cb for
// each socket with I/O ready, and returns the total ready count across
// all implementations.
func (g *Group) Poll(timeoutUs int, cb GroupCallback) (int, error) {
	g.mu.Lock()
	groups := make([]ImplGroup, 0, len(g.groups))
	for _, ig := range g.groups {
		groups = append(groups, ig)
	}
	g.mu.Unlock()

	total := 0
	for _, ig := range groups {
		n, err := ig.Poll(timeoutUs, func(s Socket) {
			cb(g.cbArg, g, s)
		})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// CallbackGuard tracks reentrancy for one socket's close path (spec §9:
// "callbacks that re-enter their own caller ... record a per-object
// callback depth counter; destructive operations issued while depth > 0
// are marked pending and executed on unwind"). Embed it in a concrete
// Socket implementation.
type CallbackGuard struct {
	mu           sync.Mutex
	depth        int
	closed       bool
	pendingClose bool
	realClose    func() error
}

// Enter marks the start of a user callback invocation running on behalf
// of this socket.
func (g *CallbackGuard) Enter() {
	g.mu.Lock()
	g.depth++
	g.mu.Unlock()
}

// Exit marks the end of a user callback invocation. If this was the
// outermost callback and a close was requested while nested, the real
// close now runs.
func (g *CallbackGuard) Exit() error {
	g.mu.Lock()
	g.depth--
	runClose := g.depth == 0 && g.pendingClose && !g.closed
	if runClose {
		g.closed = true
		g.pendingClose = false
	}
	fn := g.realClose
	g.mu.Unlock()

	if runClose && fn != nil {
		return fn()
	}
	return nil
}

// RequestClose asks to close the socket: if no callback is currently
// executing for it, closeFn runs immediately; otherwise it is deferred
// until the outermost Exit.
func (g *CallbackGuard) RequestClose(closeFn func() error) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.realClose = closeFn
	if g.depth > 0 {
		g.pendingClose = true
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()
	return closeFn()
}

// Closed reports whether the socket has been (or is pending being)
// closed; pending requests should observe this and fail with ECANCELED.
func (g *CallbackGuard) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed || g.pendingClose
}
