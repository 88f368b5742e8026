package reactor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/reactorstore/reactorstore/internal/base"
	"github.com/reactorstore/reactorstore/internal/env"
)

// ForEachThread runs fn once on each registered thread that has not
// exited, in registration order, then cpl on the calling goroutine after
// the last fn completes (spec §4.1 for_each_thread). Exited threads are
// skipped, since no poll loop would pick up their message. No two fn
// invocations overlap: each is
// posted as a message to its target thread and this call blocks for that
// message to be observed processed before moving to the next thread,
// which also gives the "serial fan-out" guarantee without needing a
// barrier primitive.
func ForEachThread(fn func(t *Thread), cpl func()) {
	registryMu.Lock()
	threads := append([]*Thread(nil), registry...)
	registryMu.Unlock()

	for _, t := range threads {
		if t.Exited() {
			continue
		}
		done := make(chan struct{})
		if err := t.SendMsg(func(any) {
			fn(t)
			close(done)
		}, nil); err != nil {
			// Queue full: run inline rather than dropping the fan-out step.
			fn(t)
			close(done)
		}
		<-done
	}
	if cpl != nil {
		cpl()
	}
}

// RunAll pins and drives every registered thread's poll loop until ctx is
// canceled, using golang.org/x/sync/errgroup so that one thread's poll
// loop returning an error cancels the rest and the first error propagates
// to the caller. cpuFor maps a thread to the CPU it should be pinned to;
// a nil cpuFor skips affinity pinning (used in tests).
func RunAll(ctx context.Context, cpuFor func(t *Thread) int) error {
	registryMu.Lock()
	threads := append([]*Thread(nil), registry...)
	registryMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range threads {
		t := t
		g.Go(func() error {
			if cpuFor != nil {
				if err := env.PinCurrentThread(cpuFor(t)); err != nil {
					return err
				}
				defer env.UnpinCurrentThread()
			}
			for {
				select {
				case <-ctx.Done():
					t.Exit()
					return nil
				default:
				}
				if t.Poll(base.DefaultPollMaxMsgs) == PollIdle {
					if t.IsIdle() {
						select {
						case <-ctx.Done():
							t.Exit()
							return nil
						default:
						}
					}
				}
			}
		})
	}
	return g.Wait()
}
