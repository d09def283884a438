// Package runner supervises a single service process: it launches the
// script, restarts it according to the profile's policy and terminates it
// through a bounded signal escalation ladder.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/runsh/internal/env"
	"github.com/loykin/runsh/internal/metrics"
	"github.com/loykin/runsh/internal/profile"
)

// DefaultJoinTimeout bounds how long Stop waits for the supervisory loop.
const DefaultJoinTimeout = 10 * time.Second

// Options configures a Runner. Zero values select the defaults.
type Options struct {
	Logger      *slog.Logger
	Env         *env.Env // base and global environment; nil means the OS environment
	Shell       string   // interpreter for non-executable scripts
	Ladder      Ladder
	JoinTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	o.Ladder = o.Ladder.withDefaults()
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	return o
}

// Runner owns the supervisory loop of one profile. The profile is fixed for
// the lifetime of the Runner; a changed profile gets a new Runner.
type Runner struct {
	prof   profile.Profile
	opts   Options
	log    *slog.Logger
	notify func(profile.Status)
	signal func(pid int, sig syscall.Signal) error

	ctl sync.Mutex // serializes Start, Stop and Restart

	mu     sync.Mutex
	status profile.Status
	proc   *handle
	cancel context.CancelFunc
	done   chan struct{}
	force  bool
	// stuck is set when Stop gave up waiting for the loop to exit.
	stuck bool
	// retired runners belong to a removed or replaced profile and never start again.
	retired bool

	emitMu sync.Mutex // keeps emitted snapshots in transition order
	usage  usageProbe
}

// New returns a stopped Runner. notify is invoked synchronously on every
// status change and must not block or call back into the Runner.
func New(p profile.Profile, notify func(profile.Status), opts Options) *Runner {
	opts = opts.withDefaults()
	return &Runner{
		prof:   p.Clone(),
		opts:   opts,
		log:    opts.Logger.With("service", p.Name),
		notify: notify,
		signal: signalGroup,
		status: profile.NewStatus(p.Name),
	}
}

// Profile returns a copy of the supervised profile.
func (r *Runner) Profile() profile.Profile { return r.prof.Clone() }

// Status returns a snapshot of the current status.
func (r *Runner) Status() profile.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Clone()
}

// IsRunning reports whether a child process is currently alive.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	h := r.proc
	r.mu.Unlock()
	return h != nil && h.alive()
}

// Start launches the supervisory loop. It is a no-op when the loop is already
// active or the profile is disabled.
func (r *Runner) Start() {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	r.start()
}

// Stop cancels the loop, terminates a live process through the escalation
// ladder and leaves the Runner STOPPED. With force the graceful wait is
// skipped. Stop always returns within the ladder plus join timeout.
func (r *Runner) Stop(force bool) {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	r.stop(force)
}

// Retire stops the Runner for good: later Start and Restart calls are
// ignored. The coordinator retires a runner before dropping it so a racing
// start cannot leave an unreachable process behind.
func (r *Runner) Retire() {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	r.mu.Lock()
	r.retired = true
	r.mu.Unlock()
	r.stop(false)
}

// Restart is a graceful Stop followed by Start.
func (r *Runner) Restart() {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	r.stop(false)
	r.start()
}

func (r *Runner) start() {
	if !r.prof.Enabled {
		r.log.Debug("start ignored, profile disabled")
		return
	}
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		r.log.Debug("start ignored, runner retired")
		return
	}
	if r.done != nil && !closed(r.done) {
		stuck := r.stuck
		r.mu.Unlock()
		if stuck {
			r.log.Warn("start ignored, previous supervisor loop has not exited", "timeout", r.opts.JoinTimeout)
		}
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel, r.done, r.force, r.stuck = cancel, done, false, false
	r.status.Restarts = 0
	r.status.LastError = ""
	r.status.Failure = profile.FailureNone
	r.mu.Unlock()

	go r.loop(ctx, done)
}

func (r *Runner) stop(force bool) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.force = force
	h := r.proc
	done := r.done
	r.mu.Unlock()

	if h != nil && h.alive() {
		metrics.IncStop(r.prof.Name)
		r.terminate(h, force)
	}
	if done != nil {
		t := time.NewTimer(r.opts.JoinTimeout)
		select {
		case <-done:
		case <-t.C:
			r.log.Warn("supervisor loop did not exit in time", "timeout", r.opts.JoinTimeout)
			r.mu.Lock()
			r.stuck = true
			r.mu.Unlock()
		}
		t.Stop()
	}
	now := time.Now()
	r.update(func(st *profile.Status) {
		if st.State.Active() {
			st.StoppedAt = now
		}
		st.State = profile.StateStopped
		st.PID = 0
	})
}

// loop is the supervisory control loop. Cancellation only ever comes from
// stop, which emits the final STOPPED status itself.
func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.recoverLoop()

	if !sleepCtx(ctx, r.prof.StartDelay.Duration()) {
		return
	}
	for ctx.Err() == nil {
		if !r.runOnce(ctx) {
			return
		}
	}
}

// runOnce launches the process once and handles its exit. It reports whether
// the loop should launch again.
func (r *Runner) runOnce(ctx context.Context) bool {
	r.update(func(st *profile.Status) {
		st.State = profile.StateStarting
		st.PID = 0
	})
	if ctx.Err() != nil {
		return false
	}

	h, err := r.launch()
	if err != nil {
		r.log.Error("launch failed", "error", err)
		r.fail(profile.FailureLaunch, err.Error(), nil)
		return false
	}

	r.mu.Lock()
	r.proc = h
	cancelled := ctx.Err() != nil
	force := r.force
	r.mu.Unlock()

	if cancelled {
		// stop ran before the handle was visible to it
		r.terminate(h, force)
		<-h.exited
		r.recordExit(h)
		return false
	}

	runID := uuid.NewString()
	r.update(func(st *profile.Status) {
		st.State = profile.StateRunning
		st.PID = h.pid
		st.StartTime = h.startedAt
		st.RunID = runID
	})
	metrics.IncStart(r.prof.Name)
	r.log.Info("process started", "pid", h.pid, "run_id", runID)

	<-h.exited
	code := h.exitCode
	if ctx.Err() != nil {
		r.recordExit(h)
		return false
	}
	r.mu.Lock()
	r.proc = nil
	restarts := r.status.Restarts
	r.mu.Unlock()
	r.log.Info("process exited", "pid", h.pid, "exit_code", code)

	now := time.Now()
	if !r.prof.RestartOnExit {
		r.update(func(st *profile.Status) {
			st.State = profile.StateExited
			st.PID = 0
			st.LastExitCode = &code
			st.StoppedAt = now
		})
		return false
	}
	if limit := r.prof.MaxRestarts; limit != nil && restarts >= *limit {
		msg := fmt.Sprintf("restart budget exhausted after %d restarts (last exit code %d)", restarts, code)
		r.log.Error("giving up on service", "restarts", restarts, "max_restarts", *limit)
		r.fail(profile.FailureRestartBudget, msg, &code)
		return false
	}
	r.update(func(st *profile.Status) {
		st.State = profile.StateRestarting
		st.PID = 0
		st.LastExitCode = &code
		st.StoppedAt = now
		st.Restarts++
	})
	metrics.IncRestart(r.prof.Name)
	return sleepCtx(ctx, r.prof.RestartDelay.Duration())
}

// recordExit stores the exit of a process reaped after cancellation without
// emitting; stop emits the resulting STOPPED snapshot.
func (r *Runner) recordExit(h *handle) {
	code := h.exitCode
	r.mu.Lock()
	if r.proc == h {
		r.proc = nil
	}
	r.status.LastExitCode = &code
	r.status.PID = 0
	r.status.StoppedAt = time.Now()
	r.mu.Unlock()
}

func (r *Runner) recoverLoop() {
	rec := recover()
	if rec == nil {
		return
	}
	r.log.Error("supervisor loop panicked", "panic", rec, "stack", string(debug.Stack()))
	r.mu.Lock()
	h := r.proc
	r.proc = nil
	r.mu.Unlock()
	if h != nil && h.alive() {
		_ = r.signal(h.pid, syscall.SIGKILL)
	}
	r.fail(profile.FailureUnexpected, fmt.Sprintf("unexpected error: %v", rec), nil)
}

func (r *Runner) fail(kind profile.FailureKind, msg string, code *int) {
	now := time.Now()
	r.update(func(st *profile.Status) {
		st.State = profile.StateFailed
		st.PID = 0
		st.LastError = msg
		st.Failure = kind
		st.StoppedAt = now
		if code != nil {
			st.LastExitCode = code
		}
	})
	metrics.IncFailure(r.prof.Name, string(kind))
}

// update applies fn to the status and emits the resulting snapshot.
func (r *Runner) update(fn func(st *profile.Status)) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	from := r.status.State
	fn(&r.status)
	snap := r.status.Clone()
	r.mu.Unlock()

	if from != snap.State {
		metrics.RecordStateTransition(snap.Name, string(from), string(snap.State))
		metrics.SetCurrentState(snap.Name, string(from), false)
		metrics.SetCurrentState(snap.Name, string(snap.State), true)
	}
	r.emit(snap)
}

func (r *Runner) emit(st profile.Status) {
	if r.notify == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("status callback panicked", "panic", rec)
		}
	}()
	r.notify(st)
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
