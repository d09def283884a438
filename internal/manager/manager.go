// Package manager is the registry of supervised services. It owns the
// profile set, one Runner per profile and the latest status of each, routes
// commands to runners and persists the profile set through the store.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/loykin/runsh/internal/env"
	"github.com/loykin/runsh/internal/history"
	"github.com/loykin/runsh/internal/metrics"
	"github.com/loykin/runsh/internal/pidfile"
	"github.com/loykin/runsh/internal/profile"
	"github.com/loykin/runsh/internal/runner"
	"github.com/loykin/runsh/internal/store"
)

var (
	ErrNameConflict = errors.New("name conflict")
	ErrNotFound     = errors.New("not found")
)

// Listener observes every status change. It runs on the emitting runner's
// goroutine and must not block.
type Listener func(profile.Status)

// Options configures a Manager. Zero values select the runner defaults.
type Options struct {
	Logger      *slog.Logger
	GlobalEnv   map[string]string // merged between the OS env and each profile's env
	Shell       string
	Ladder      runner.Ladder
	JoinTimeout time.Duration
	History     *history.Recorder // optional
}

// Manager starts, stops, and monitors services.
type Manager struct {
	st   *store.Store
	opts Options
	log  *slog.Logger
	env  *env.Env

	// mu serializes structural changes: add, update, remove, import, save.
	mu       sync.Mutex
	profiles map[string]profile.Profile
	// unloaded holds stored entries that could not be registered. They are
	// written back unchanged on every save.
	unloaded []profile.Profile

	// stMu guards the status view. Runner callbacks only ever take stMu so
	// they never wait on a structural change that is stopping them.
	// order and runners are written under both locks.
	stMu      sync.RWMutex
	order     []string
	runners   map[string]*runner.Runner
	statuses  map[string]profile.Status
	listeners []Listener

	pidMu sync.Mutex
	pids  pidfile.Dir
}

// New loads the profile set from st and registers a stopped Runner per
// profile. A corrupt store is reported as store.ErrCorrupt after its backup
// has been written.
func New(st *store.Store, opts Options) (*Manager, error) {
	if st == nil {
		return nil, errors.New("manager: nil store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := env.FromMap(opts.GlobalEnv)
	e.FromOS()

	m := &Manager{
		st:       st,
		opts:     opts,
		log:      opts.Logger.With("component", "manager"),
		env:      e,
		profiles: make(map[string]profile.Profile),
		runners:  make(map[string]*runner.Runner),
		statuses: make(map[string]profile.Status),
		pids:     pidfile.NewDir(st.Dir()),
	}

	loaded, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	for _, p := range loaded {
		if err := p.Validate(); err != nil {
			m.log.Warn("invalid profile not loaded, kept in the store", "name", p.Name, "error", err)
			m.unloaded = append(m.unloaded, p)
			continue
		}
		if _, dup := m.profiles[p.Name]; dup {
			m.log.Warn("duplicate profile not loaded, kept in the store", "name", p.Name, "script_path", p.ScriptPath)
			m.unloaded = append(m.unloaded, p)
			continue
		}
		m.register(p)
	}
	return m, nil
}

// register adds p with a fresh status and runner. Caller holds mu.
func (m *Manager) register(p profile.Profile) {
	m.insertAt(len(m.order), p)
}

func (m *Manager) insertAt(i int, p profile.Profile) {
	m.profiles[p.Name] = p
	r := m.newRunner(p)

	m.stMu.Lock()
	m.order = append(m.order, "")
	copy(m.order[i+1:], m.order[i:])
	m.order[i] = p.Name
	m.runners[p.Name] = r
	m.statuses[p.Name] = r.Status()
	m.stMu.Unlock()
}

// unregister drops name from every map and returns its order index. Caller
// holds mu.
func (m *Manager) unregister(name string) int {
	delete(m.profiles, name)

	m.stMu.Lock()
	idx := slices.Index(m.order, name)
	if idx >= 0 {
		m.order = slices.Delete(m.order, idx, idx+1)
	}
	delete(m.runners, name)
	delete(m.statuses, name)
	m.stMu.Unlock()
	return idx
}

func (m *Manager) newRunner(p profile.Profile) *runner.Runner {
	var r *runner.Runner
	r = runner.New(p, func(st profile.Status) { m.onStatus(r, st) }, runner.Options{
		Logger:      m.opts.Logger,
		Env:         m.env,
		Shell:       m.opts.Shell,
		Ladder:      m.opts.Ladder,
		JoinTimeout: m.opts.JoinTimeout,
	})
	return r
}

// onStatus stores st when r is still the registered runner for its name and
// fans it out to history and listeners.
func (m *Manager) onStatus(r *runner.Runner, st profile.Status) {
	m.stMu.Lock()
	if m.runners[st.Name] != r {
		m.stMu.Unlock()
		return
	}
	prev := m.statuses[st.Name].State
	m.statuses[st.Name] = st
	listeners := append([]Listener(nil), m.listeners...)
	m.stMu.Unlock()

	m.trackPID(st)
	if m.opts.History != nil {
		m.opts.History.Observe(history.NewEvent(prev, st))
	}
	for _, l := range listeners {
		m.notify(l, st)
	}
}

// trackPID keeps <data_dir>/run/<name>.pid in step with the live process.
func (m *Manager) trackPID(st profile.Status) {
	m.pidMu.Lock()
	defer m.pidMu.Unlock()
	var err error
	if st.State == profile.StateRunning && st.PID > 0 {
		err = m.pids.Write(st.Name, st.PID, st.RunID)
	} else {
		err = m.pids.Remove(st.Name)
	}
	if err != nil {
		m.log.Warn("pid file not updated", "service", st.Name, "error", err)
	}
}

func (m *Manager) notify(l Listener, st profile.Status) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("status listener panicked", "service", st.Name, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	l(st.Clone())
}

// RegisterListener subscribes fn to every status change. Listeners run in
// registration order.
func (m *Manager) RegisterListener(fn Listener) {
	if fn == nil {
		return
	}
	m.stMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.stMu.Unlock()
}

// AddProfile registers p and persists the profile set.
func (m *Manager) AddProfile(p profile.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.Name]; ok {
		return fmt.Errorf("%w: %q already exists", ErrNameConflict, p.Name)
	}
	p = p.Clone()
	if err := p.EnsurePaths(m.st.Dir()); err != nil {
		return err
	}
	m.register(p)
	m.log.Info("profile added", "name", p.Name)
	return m.saveLocked()
}

// UpdateProfile replaces the profile registered as oldName with p, which may
// carry a new name. A running service is stopped gracefully and, when p is
// enabled, started again under the new profile.
func (m *Manager) UpdateProfile(oldName string, p profile.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[oldName]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, oldName)
	}
	if p.Name != oldName {
		if _, taken := m.profiles[p.Name]; taken {
			return fmt.Errorf("%w: %q already exists", ErrNameConflict, p.Name)
		}
	}
	p = p.Clone()
	if err := p.EnsurePaths(m.st.Dir()); err != nil {
		return err
	}

	m.stMu.RLock()
	old := m.runners[oldName]
	m.stMu.RUnlock()
	wasRunning := old.IsRunning() || old.Status().State.Active()
	old.Retire()

	idx := m.unregister(oldName)
	if p.Name != oldName {
		metrics.Forget(oldName)
		m.forgetPID(oldName)
	}
	m.insertAt(idx, p)

	if wasRunning && p.Enabled {
		m.runnerFor(p.Name).Start()
	}
	m.log.Info("profile updated", "name", oldName, "new_name", p.Name, "restarted", wasRunning && p.Enabled)
	return m.saveLocked()
}

// RemoveProfile stops and discards name. Unknown names are ignored.
func (m *Manager) RemoveProfile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[name]; !ok {
		return nil
	}
	m.runnerFor(name).Retire()
	m.unregister(name)
	metrics.Forget(name)
	m.forgetPID(name)
	m.log.Info("profile removed", "name", name)
	return m.saveLocked()
}

// ImportProfiles adds every profile, renaming on conflict to name_1, name_2
// and so on. It returns the names actually registered.
func (m *Manager) ImportProfiles(ps []profile.Profile) ([]string, error) {
	for _, p := range ps {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		p = p.Clone()
		base := p.Name
		for i := 1; ; i++ {
			if _, taken := m.profiles[p.Name]; !taken {
				break
			}
			p.Name = fmt.Sprintf("%s_%d", base, i)
		}
		if p.Name != base && p.LogPath == profile.DefaultLogPath(m.st.Dir(), base) {
			p.LogPath = ""
		}
		if err := p.EnsurePaths(m.st.Dir()); err != nil {
			return names, err
		}
		m.register(p)
		names = append(names, p.Name)
	}
	m.log.Info("profiles imported", "count", len(names))
	return names, m.saveLocked()
}

// runnerFor returns the registered runner or nil.
func (m *Manager) runnerFor(name string) *runner.Runner {
	m.stMu.RLock()
	defer m.stMu.RUnlock()
	return m.runners[name]
}

// StartProfile starts name. Unknown and disabled profiles are a no-op.
func (m *Manager) StartProfile(name string) {
	if r := m.runnerFor(name); r != nil {
		r.Start()
	}
}

// StopProfile stops name; force skips the graceful wait.
func (m *Manager) StopProfile(name string, force bool) {
	if r := m.runnerFor(name); r != nil {
		r.Stop(force)
	}
}

// RestartProfile stops name gracefully and starts it again.
func (m *Manager) RestartProfile(name string) {
	if r := m.runnerFor(name); r != nil {
		r.Restart()
	}
}

// StartAutoProfiles starts every enabled profile marked auto_start.
func (m *Manager) StartAutoProfiles() int {
	var started int
	for _, p := range m.Profiles() {
		if p.Enabled && p.AutoStart {
			m.StartProfile(p.Name)
			started++
		}
	}
	return started
}

// StopAll stops every runner in parallel and returns when all have stopped.
func (m *Manager) StopAll(force bool) {
	m.stMu.RLock()
	rs := make([]*runner.Runner, 0, len(m.runners))
	for _, r := range m.runners {
		rs = append(rs, r)
	}
	m.stMu.RUnlock()

	var wg sync.WaitGroup
	for _, r := range rs {
		wg.Add(1)
		go func(r *runner.Runner) {
			defer wg.Done()
			r.Stop(force)
		}(r)
	}
	wg.Wait()
}

func (m *Manager) forgetPID(name string) {
	m.pidMu.Lock()
	defer m.pidMu.Unlock()
	if err := m.pids.Remove(name); err != nil {
		m.log.Warn("pid file not removed", "service", name, "error", err)
	}
}

// Leftovers returns the PIDs of registered services that are still alive
// from an earlier supervisor but not run by this one, for example after
// "run --keep-running". Only the lock holder should act on the result.
func (m *Manager) Leftovers() map[string]int {
	recs, err := m.pids.List()
	if err != nil {
		m.log.Warn("cannot read pid files", "dir", m.pids.Path(), "error", err)
		return nil
	}
	out := make(map[string]int)
	for name, rec := range recs {
		r := m.runnerFor(name)
		if r == nil || r.IsRunning() {
			continue
		}
		if !rec.Alive() {
			m.forgetPID(name)
			continue
		}
		out[name] = rec.PID
	}
	return out
}

// StopLeftovers terminates every leftover process group, giving each grace
// to exit after SIGTERM, and returns how many were stopped.
func (m *Manager) StopLeftovers(grace time.Duration) int {
	var stopped int
	for name, pid := range m.Leftovers() {
		rec, err := m.pids.Read(name)
		if err != nil || rec.PID != pid {
			continue
		}
		if err := rec.Terminate(grace); err != nil {
			m.log.Warn("leftover not stopped", "service", name, "pid", pid, "error", err)
			continue
		}
		m.forgetPID(name)
		m.log.Info("leftover stopped", "service", name, "pid", pid)
		stopped++
	}
	return stopped
}

// Profiles returns copies of the registered profiles in registration order.
func (m *Manager) Profiles() []profile.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Profile returns a copy of the named profile.
func (m *Manager) Profile(name string) (profile.Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[name]
	if !ok {
		return profile.Profile{}, false
	}
	return p.Clone(), true
}

func (m *Manager) snapshotLocked() []profile.Profile {
	out := make([]profile.Profile, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.profiles[n].Clone())
	}
	return out
}

// Status returns the latest status of name.
func (m *Manager) Status(name string) (profile.Status, bool) {
	m.stMu.RLock()
	defer m.stMu.RUnlock()
	st, ok := m.statuses[name]
	if !ok {
		return profile.Status{}, false
	}
	return st.Clone(), true
}

// Statuses returns the latest status of every service in registration order.
func (m *Manager) Statuses() []profile.Status {
	m.stMu.RLock()
	defer m.stMu.RUnlock()
	out := make([]profile.Status, 0, len(m.order))
	for _, n := range m.order {
		if st, ok := m.statuses[n]; ok {
			out = append(out, st.Clone())
		}
	}
	return out
}

// ResourceUsage samples cpu and memory of the live process of name.
func (m *Manager) ResourceUsage(name string) (profile.Usage, bool) {
	r := m.runnerFor(name)
	if r == nil {
		return profile.Usage{}, false
	}
	return r.ResourceUsage()
}

// Usage samples every live service. It backs the metrics usage collector.
func (m *Manager) Usage() map[string]profile.Usage {
	m.stMu.RLock()
	rs := make(map[string]*runner.Runner, len(m.runners))
	for n, r := range m.runners {
		rs[n] = r
	}
	m.stMu.RUnlock()

	out := make(map[string]profile.Usage, len(rs))
	for n, r := range rs {
		if u, ok := r.ResourceUsage(); ok {
			out[n] = u
		}
	}
	return out
}

// EnsureLogDirectory creates the default log directory and returns its path.
func (m *Manager) EnsureLogDirectory() (string, error) {
	return m.st.EnsureLogDir()
}

// Save flushes the current profile set to the store.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	set := m.snapshotLocked()
	for _, p := range m.unloaded {
		set = append(set, p.Clone())
	}
	if err := m.st.Save(set); err != nil {
		return fmt.Errorf("save profiles: %w", err)
	}
	return nil
}

// Unloaded returns copies of the stored entries that were not registered
// because they are invalid or repeat a name.
func (m *Manager) Unloaded() []profile.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]profile.Profile, 0, len(m.unloaded))
	for _, p := range m.unloaded {
		out = append(out, p.Clone())
	}
	return out
}

// Store returns the backing store.
func (m *Manager) Store() *store.Store { return m.st }
