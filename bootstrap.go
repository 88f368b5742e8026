package reactorstore

import (
	"context"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/reactorstore/reactorstore/internal/env"
	"github.com/reactorstore/reactorstore/internal/logging"
	"github.com/reactorstore/reactorstore/internal/reactor"
)

// BootstrapOpts is the process bootstrap call's input (spec §6 "Process
// bootstrap: initializer call taking {name, core_mask, mem_size_mb,
// shm_id, iova_mode, hugepage_single_segment_bool, no_pci_bool}").
type BootstrapOpts = env.Opts

// Runtime is the handle returned by Bootstrap: the launched environment
// plus every reactor thread created for the selected core mask, already
// running their poll loops.
type Runtime struct {
	Env *env.Env

	threads []*reactor.Thread
	cancel  context.CancelFunc
	done    chan error
	stopped sync.Once
}

// Bootstrap performs process bootstrap (spec §6): validates and applies
// opts via internal/env.Launch, creates one reactor thread per CPU
// selected by opts.CoreMask, and starts RunAll driving them. If the
// process runs under systemd, READY=1 is notified once every thread's
// poll loop has been launched — grounded on the teacher's deployment
// path assumption that go-ublk-style daemons run supervised.
func Bootstrap(opts BootstrapOpts) (*Runtime, error) {
	e, err := env.Launch(opts)
	if err != nil {
		return nil, err
	}

	cpus := env.CPUsFromMask(opts.CoreMask)
	if len(cpus) == 0 {
		cpus = []int{0}
	}

	threads := make([]*reactor.Thread, 0, len(cpus))
	cpuByThread := make(map[*reactor.Thread]int, len(cpus))
	for i, cpu := range cpus {
		t := reactor.Create(threadName(opts.Name, i), uint64(1)<<uint(cpu))
		threads = append(threads, t)
		cpuByThread[t] = cpu
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{Env: e, threads: threads, cancel: cancel, done: make(chan error, 1)}

	go func() {
		rt.done <- reactor.RunAll(ctx, func(t *reactor.Thread) int {
			cpu, ok := cpuByThread[t]
			if !ok {
				return 0
			}
			return cpu
		})
	}()

	if ok, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
		logging.Warn("sd_notify READY failed", "error", notifyErr)
	} else if ok {
		logging.Info("notified systemd of readiness", "name", opts.Name)
	}

	return rt, nil
}

func threadName(prefix string, i int) string {
	if prefix == "" {
		prefix = "reactor"
	}
	return prefix + "-" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// Threads returns every reactor thread this runtime created, in the
// order their owning CPUs appear in the core mask.
func (rt *Runtime) Threads() []*reactor.Thread {
	return append([]*reactor.Thread(nil), rt.threads...)
}

// Stop signals every reactor to terminate after draining (spec §6
// "Exit is observable via a stop call that signals all reactors to
// terminate after draining") and blocks until RunAll has returned.
// Safe to call more than once; only the first call has effect.
func (rt *Runtime) Stop() error {
	var err error
	rt.stopped.Do(func() {
		rt.cancel()
		err = <-rt.done
		env.Stop(rt.Env)
		if notifyErr := notifyStopping(); notifyErr != nil {
			logging.Warn("sd_notify STOPPING failed", "error", notifyErr)
		}
	})
	return err
}

func notifyStopping() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}
