package runner

import (
	"syscall"
	"time"

	"github.com/loykin/runsh/internal/metrics"
)

// Ladder holds the wait after each rung of the termination escalation:
// SIGTERM, then SIGINT, then SIGKILL.
type Ladder struct {
	Terminate time.Duration
	Interrupt time.Duration
	Kill      time.Duration
}

// DefaultLadder waits 10s after SIGTERM and 5s after SIGINT and SIGKILL.
func DefaultLadder() Ladder {
	return Ladder{Terminate: 10 * time.Second, Interrupt: 5 * time.Second, Kill: 5 * time.Second}
}

func (l Ladder) withDefaults() Ladder {
	d := DefaultLadder()
	if l.Terminate <= 0 {
		l.Terminate = d.Terminate
	}
	if l.Interrupt <= 0 {
		l.Interrupt = d.Interrupt
	}
	if l.Kill <= 0 {
		l.Kill = d.Kill
	}
	return l
}

// Total is the longest time the ladder can take.
func (l Ladder) Total() time.Duration { return l.Terminate + l.Interrupt + l.Kill }

type rung struct {
	sig  syscall.Signal
	name string
	wait time.Duration
}

func (l Ladder) rungs(force bool) []rung {
	rs := []rung{
		{syscall.SIGTERM, "SIGTERM", l.Terminate},
		{syscall.SIGINT, "SIGINT", l.Interrupt},
		{syscall.SIGKILL, "SIGKILL", l.Kill},
	}
	if force {
		rs[0].wait = 0
	}
	return rs
}

// terminate runs the escalation ladder against h at most once. Concurrent
// callers block until the first run finishes.
func (r *Runner) terminate(h *handle, force bool) {
	h.termOnce.Do(func() { r.escalate(h, force) })
}

func (r *Runner) escalate(h *handle, force bool) {
	for _, rg := range r.opts.Ladder.rungs(force) {
		if !h.alive() {
			return
		}
		if err := r.signal(h.pid, rg.sig); err != nil {
			// undeliverable: keep climbing
			r.log.Warn("signal delivery failed", "signal", rg.name, "pid", h.pid, "error", err)
		} else {
			metrics.IncSignal(r.prof.Name, rg.name)
			r.log.Debug("signal sent", "signal", rg.name, "pid", h.pid)
		}
		if waitExit(h, rg.wait) {
			return
		}
	}
	r.log.Error("process still alive after SIGKILL", "pid", h.pid)
}

func waitExit(h *handle, d time.Duration) bool {
	if d <= 0 {
		return !h.alive()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.exited:
		return true
	case <-t.C:
		return false
	}
}
