// Package runsh supervises long-running shell scripts on a single host.
//
// A Supervisor owns the profile store in a data directory, one runner per
// profile, and the optional observability surfaces (Prometheus metrics, a
// read-only status endpoint and history sinks).
package runsh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/loykin/runsh/internal/config"
	"github.com/loykin/runsh/internal/history"
	"github.com/loykin/runsh/internal/history/factory"
	"github.com/loykin/runsh/internal/history/sqlite"
	"github.com/loykin/runsh/internal/manager"
	"github.com/loykin/runsh/internal/metrics"
	"github.com/loykin/runsh/internal/profile"
	"github.com/loykin/runsh/internal/server"
	"github.com/loykin/runsh/internal/store"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Profile = profile.Profile

type Status = profile.Status

type State = profile.State

type Usage = profile.Usage

// Seconds is a delay in (fractional) seconds, as stored in profiles.json.
type Seconds = profile.Seconds

type Listener = manager.Listener

type Config = config.Config

type HistoryEvent = history.Event

const (
	StateStopped    = profile.StateStopped
	StateStarting   = profile.StateStarting
	StateRunning    = profile.StateRunning
	StateRestarting = profile.StateRestarting
	StateExited     = profile.StateExited
	StateFailed     = profile.StateFailed
)

var (
	ErrNameConflict = manager.ErrNameConflict
	ErrNotFound     = manager.ErrNotFound
	ErrInvalid      = profile.ErrInvalid
	ErrCorrupt      = store.ErrCorrupt
	ErrLocked       = store.ErrLocked
)

// NewProfile returns a profile with default settings.
func NewProfile(name, scriptPath string) Profile { return profile.New(name, scriptPath) }

func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Options selects which parts of a Supervisor are wired up by Open.
type Options struct {
	Logger *slog.Logger
	// Lock holds the data directory lock until Close. Open fails with
	// ErrLocked when another process holds it. Without it the Supervisor
	// must only be read from.
	Lock bool
	// History starts the configured history sinks.
	History bool
}

// Supervisor is the public facade over the profile manager.
type Supervisor struct {
	cfg Config
	log *slog.Logger
	st  *store.Store
	mgr *manager.Manager
	rec *history.Recorder

	registry *prometheus.Registry
	srv      *server.Server
}

// Open loads the profile set from cfg.DataDir. No script is started.
func Open(cfg Config, opts Options) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{cfg: cfg, log: log, st: st}
	if opts.Lock {
		if err := st.Lock(); err != nil {
			return nil, err
		}
	}

	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		s.release()
		return nil, err
	}
	if opts.History && cfg.History.Enabled {
		sinks, err := factory.NewSinks(cfg.HistoryDSNs())
		if err != nil {
			s.release()
			return nil, err
		}
		s.rec = history.NewRecorder(log, cfg.History.Buffer, sinks...)
	}

	s.mgr, err = manager.New(st, manager.Options{
		Logger:      log,
		GlobalEnv:   globalEnv,
		Shell:       cfg.Supervisor.Shell,
		Ladder:      cfg.Ladder(),
		JoinTimeout: cfg.Supervisor.JoinTimeout,
		History:     s.rec,
	})
	if err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) release() {
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			s.log.Warn("close history sinks", "error", err)
		}
		s.rec = nil
	}
	if s.st.Locked() {
		_ = s.st.Unlock()
	}
}

// ServeObservability registers the Prometheus collectors and starts the
// read-only HTTP endpoint on cfg.Metrics.Listen. It is a no-op when metrics
// are disabled.
func (s *Supervisor) ServeObservability() error {
	if !s.cfg.Metrics.Enabled || s.srv != nil {
		return nil
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if err := metrics.Register(reg); err != nil {
		return err
	}
	if _, err := metrics.RegisterUsage(reg, s.mgr.Usage); err != nil {
		return err
	}
	srv, err := server.Start(s.cfg.Metrics.Listen, server.NewRouter(s.mgr, reg, ""))
	if err != nil {
		return fmt.Errorf("start metrics listener: %w", err)
	}
	s.registry = reg
	s.srv = srv
	s.log.Info("observability endpoint listening", "addr", srv.Addr())
	return nil
}

// ObservabilityAddr is the bound listener address, empty when not serving.
func (s *Supervisor) ObservabilityAddr() string {
	if s.srv == nil {
		return ""
	}
	return s.srv.Addr()
}

// Close saves the profile set when s holds the lock and releases every
// resource held by s. When stop is true running scripts are stopped first;
// otherwise they keep running in their own sessions.
func (s *Supervisor) Close(ctx context.Context, stop bool) error {
	var errs []error
	if s.st.Locked() {
		if err := s.mgr.Save(); err != nil {
			errs = append(errs, err)
		}
	}
	if stop {
		s.mgr.StopAll(false)
	}
	if s.srv != nil {
		if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		s.srv = nil
	}
	s.release()
	return errors.Join(errs...)
}

func (s *Supervisor) Config() Config  { return s.cfg }
func (s *Supervisor) DataDir() string { return s.st.Dir() }
func (s *Supervisor) Locked() bool    { return s.st.Locked() }

func (s *Supervisor) RegisterListener(fn Listener)              { s.mgr.RegisterListener(fn) }
func (s *Supervisor) AddProfile(p Profile) error                { return s.mgr.AddProfile(p) }
func (s *Supervisor) UpdateProfile(old string, p Profile) error { return s.mgr.UpdateProfile(old, p) }
func (s *Supervisor) RemoveProfile(name string) error           { return s.mgr.RemoveProfile(name) }
func (s *Supervisor) Profiles() []Profile                       { return s.mgr.Profiles() }
func (s *Supervisor) Profile(name string) (Profile, bool)       { return s.mgr.Profile(name) }
func (s *Supervisor) StartProfile(name string)                  { s.mgr.StartProfile(name) }
func (s *Supervisor) StopProfile(name string, force bool)       { s.mgr.StopProfile(name, force) }
func (s *Supervisor) RestartProfile(name string)                { s.mgr.RestartProfile(name) }
func (s *Supervisor) StartAutoProfiles() int                    { return s.mgr.StartAutoProfiles() }
func (s *Supervisor) StopAll(force bool)                        { s.mgr.StopAll(force) }
func (s *Supervisor) Status(name string) (Status, bool)         { return s.mgr.Status(name) }
func (s *Supervisor) Statuses() []Status                        { return s.mgr.Statuses() }
func (s *Supervisor) ResourceUsage(name string) (Usage, bool)   { return s.mgr.ResourceUsage(name) }
func (s *Supervisor) EnsureLogDirectory() (string, error)       { return s.mgr.EnsureLogDirectory() }
func (s *Supervisor) Save() error                               { return s.mgr.Save() }

// Leftovers lists services still alive from an earlier supervisor, keyed by
// name. The answer is only meaningful while the data directory is locked.
func (s *Supervisor) Leftovers() map[string]int { return s.mgr.Leftovers() }

// StopLeftovers terminates the leftover process groups.
func (s *Supervisor) StopLeftovers(grace time.Duration) int { return s.mgr.StopLeftovers(grace) }

// ImportFile reads a JSON or YAML profile list and adds it, renaming
// conflicting names. It returns the names actually assigned.
func (s *Supervisor) ImportFile(path string) ([]string, error) {
	ps, err := store.Import(path)
	if err != nil {
		return nil, err
	}
	return s.mgr.ImportProfiles(ps)
}

// ExportFile writes the profile set to path; the extension picks the format.
func (s *Supervisor) ExportFile(path string) error {
	return store.Export(path, s.mgr.Profiles())
}

// ErrNoHistory is returned by History when no SQLite history database is
// configured.
var ErrNoHistory = errors.New("no sqlite history database configured")

// History returns up to limit recorded status changes of name, newest first,
// from the first SQLite history DSN.
func (s *Supervisor) History(ctx context.Context, name string, limit int) ([]HistoryEvent, error) {
	for _, dsn := range s.cfg.HistoryDSNs() {
		if kind, err := factory.KindOf(dsn); err != nil || kind != factory.KindSQLite {
			continue
		}
		sink, err := sqlite.New(dsn)
		if err != nil {
			return nil, err
		}
		defer func() { _ = sink.Close() }()
		return sink.Recent(ctx, name, limit)
	}
	return nil, ErrNoHistory
}

// WaitState polls until name reaches one of states or timeout elapses.
func (s *Supervisor) WaitState(name string, timeout time.Duration, states ...State) (Status, bool) {
	deadline := time.Now().Add(timeout)
	for {
		st, ok := s.mgr.Status(name)
		if ok {
			for _, want := range states {
				if st.State == want {
					return st, true
				}
			}
		}
		if time.Now().After(deadline) {
			return st, false
		}
		time.Sleep(20 * time.Millisecond)
	}
}
