//go:build linux

package sock

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/reactorstore/reactorstore"
)

// posixImpl is the default Impl (spec §4.3 "e.g. POSIX"), backed by a
// raw file descriptor and epoll for readiness. Registered automatically
// on import.
type posixImpl struct{}

func (posixImpl) Name() string { return "posix" }

func (posixImpl) NewGroup() ImplGroup {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		// EpollCreate1 failing process-wide is unrecoverable for this
		// Impl; callers observe it on first AddSocket instead of here,
		// matching ImplGroup's error-returning contract.
		return &posixGroup{createErr: err}
	}
	return &posixGroup{epfd: epfd, byFd: make(map[int]*PosixSocket)}
}

func init() {
	Register(posixImpl{})
}

type posixGroup struct {
	mu        sync.Mutex
	epfd      int
	byFd      map[int]*PosixSocket
	createErr error
}

func (g *posixGroup) AddSocket(s Socket) error {
	if g.createErr != nil {
		return reactorstore.WrapTransportFailure("sock_group_add", "posix", g.createErr)
	}
	ps, ok := s.(*PosixSocket)
	if !ok {
		return reactorstore.NewError("sock_group_add", reactorstore.CodeInvalidArgument, "socket is not a *PosixSocket")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(ps.fd)}
	if err := unix.EpollCtl(g.epfd, unix.EPOLL_CTL_ADD, ps.fd, &ev); err != nil {
		return reactorstore.WrapTransportFailure("sock_group_add", "posix", err)
	}
	g.byFd[ps.fd] = ps
	return nil
}

func (g *posixGroup) RemoveSocket(s Socket) error {
	ps, ok := s.(*PosixSocket)
	if !ok {
		return reactorstore.NewError("sock_group_remove", reactorstore.CodeInvalidArgument, "socket is not a *PosixSocket")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.byFd, ps.fd)
	_ = unix.EpollCtl(g.epfd, unix.EPOLL_CTL_DEL, ps.fd, nil)
	return nil
}

// Poll waits up to timeoutUs microseconds for readiness, draining every
// ready socket's pending writev_async queue before invoking ready.
func (g *posixGroup) Poll(timeoutUs int, ready func(s Socket)) (int, error) {
	if g.createErr != nil {
		return 0, reactorstore.WrapTransportFailure("sock_group_poll", "posix", g.createErr)
	}

	timeoutMs := timeoutUs / 1000
	events := make([]unix.EpollEvent, 32)
	n, err := unix.EpollWait(g.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, reactorstore.WrapTransportFailure("sock_group_poll", "posix", err)
	}

	g.mu.Lock()
	readySocks := make([]*PosixSocket, 0, n)
	for i := 0; i < n; i++ {
		if s, ok := g.byFd[int(events[i].Fd)]; ok {
			readySocks = append(readySocks, s)
		}
	}
	g.mu.Unlock()

	for _, s := range readySocks {
		s.drainWrites()
		ready(s)
	}
	return len(readySocks), nil
}

// pendingWrite is one queued writev_async request.
type pendingWrite struct {
	iovs [][]byte
	cb   WriteCompletionFn
}

// PosixSocket is the default file-descriptor-backed Socket. Writes are
// queued and flushed from the owning sock_group's poll loop so a slow
// peer never blocks the submitting thread (spec §4.3 writev_async).
type PosixSocket struct {
	CallbackGuard
	fd int

	mu      sync.Mutex
	pending []pendingWrite
}

// NewPosixSocket wraps an already-connected/accepted file descriptor.
func NewPosixSocket(fd int) *PosixSocket {
	return &PosixSocket{fd: fd}
}

func (s *PosixSocket) ImplName() string { return "posix" }

func (s *PosixSocket) Fd() int { return s.fd }

// WritevAsync queues iovs for the next drain (spec §4.3: "the request is
// queued, owned by the socket, and the callback invoked exactly once").
func (s *PosixSocket) WritevAsync(iovs [][]byte, cb WriteCompletionFn) error {
	if s.Closed() {
		if cb != nil {
			cb(ECANCELED)
		}
		return nil
	}
	s.mu.Lock()
	s.pending = append(s.pending, pendingWrite{iovs: iovs, cb: cb})
	s.mu.Unlock()
	return nil
}

// drainWrites flushes every queued write via a single writev(2) call
// each, invoking each request's callback under the CallbackGuard so a
// close issued from within it defers correctly.
func (s *PosixSocket) drainWrites() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, w := range batch {
		res := s.writev(w.iovs)
		if w.cb == nil {
			continue
		}
		s.Enter()
		w.cb(res)
		s.Exit()
	}
}

func (s *PosixSocket) writev(iovs [][]byte) int {
	if s.Closed() {
		return ECANCELED
	}
	_, err := unix.Writev(s.fd, iovs)
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return -int(errno)
		}
		return -1
	}
	return 0
}

// Close releases the socket's file descriptor, deferring if a callback
// for this socket is currently on the stack (spec §4.3, §9).
func (s *PosixSocket) Close() error {
	return s.RequestClose(func() error {
		s.mu.Lock()
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, w := range pending {
			if w.cb != nil {
				w.cb(ECANCELED)
			}
		}
		return unix.Close(s.fd)
	})
}
