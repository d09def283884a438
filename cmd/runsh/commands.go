package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/runsh"
	"github.com/loykin/runsh/internal/logger"
	"github.com/loykin/runsh/internal/logtail"
)

type command struct {
	global *GlobalFlags
	out    io.Writer
	errOut io.Writer
}

func (c *command) loadConfig() (runsh.Config, error) {
	cfg, err := runsh.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return runsh.Config{}, err
	}
	if c.global.DataDir != "" {
		cfg.DataDir = c.global.DataDir
	}
	return cfg, nil
}

// quietLogger is used by the short-lived editing commands: only warnings
// and errors reach the terminal.
func (c *command) quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(c.errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// open opens the data directory. Editing commands pass lock=true and fail
// while a supervisor is running.
func (c *command) open(lock bool) (*runsh.Supervisor, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := runsh.Open(cfg, runsh.Options{Logger: c.quietLogger(), Lock: lock})
	if errors.Is(err, runsh.ErrLocked) {
		return nil, fmt.Errorf("%w: stop 'runsh run' before editing profiles", err)
	}
	return s, err
}

func closeQuietly(s *runsh.Supervisor) {
	_ = s.Close(context.Background(), false)
}

// Run supervises the profile set until ctx is cancelled.
func (c *command) Run(ctx context.Context, f RunFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log, logCloser, err := logger.New(cfg.Logger(), c.errOut)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	sup, err := runsh.Open(cfg, runsh.Options{Logger: log, Lock: true, History: true})
	if errors.Is(err, runsh.ErrLocked) {
		return fmt.Errorf("%w: is another 'runsh run' active?", err)
	}
	if err != nil {
		return err
	}
	sup.RegisterListener(func(st runsh.Status) {
		attrs := []any{"service", st.Name, "state", st.State, "pid", st.PID, "restarts", st.Restarts}
		if st.LastError != "" {
			attrs = append(attrs, "error", st.LastError)
		}
		log.Info("status changed", attrs...)
	})
	if err := sup.ServeObservability(); err != nil {
		closeQuietly(sup)
		return err
	}

	leftovers := sup.Leftovers()
	if len(leftovers) > 0 && f.ReplaceLeftovers {
		n := sup.StopLeftovers(cfg.Supervisor.TerminateTimeout)
		log.Info("stopped leftover services", "count", n)
		leftovers = sup.Leftovers()
	}
	for name, pid := range leftovers {
		log.Warn("service still running from an earlier supervisor, not starting it", "service", name, "pid", pid)
	}

	var n int
	for _, p := range sup.Profiles() {
		if _, busy := leftovers[p.Name]; busy || !p.Enabled || !p.AutoStart {
			continue
		}
		sup.StartProfile(p.Name)
		n++
	}
	log.Info("supervisor started", "data_dir", sup.DataDir(), "config", cfg.File, "profiles", len(sup.Profiles()), "auto_started", n)

	<-ctx.Done()

	log.Info("shutting down", "stop_services", !f.KeepRunning)
	timeout := f.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return sup.Close(shutdownCtx, !f.KeepRunning)
}

type listEntry struct {
	runsh.Profile
	Status *runsh.Status `json:"status,omitempty"`
}

// List prints the stored profiles, optionally with live states.
func (c *command) List(ctx context.Context, f ListFlags) error {
	s, err := c.open(false)
	if err != nil {
		return err
	}
	defer closeQuietly(s)

	var live map[string]runsh.Status
	if f.Live {
		cfg := s.Config()
		if !cfg.Metrics.Enabled {
			return errors.New("--live needs metrics.enabled so the supervisor serves /statuses")
		}
		sts, err := NewStatusClient(baseURL(cfg.Metrics.Listen), f.APITimeout).Statuses(ctx)
		if err != nil {
			return fmt.Errorf("supervisor not reachable: %w", err)
		}
		live = make(map[string]runsh.Status, len(sts))
		for _, st := range sts {
			live[st.Name] = st
		}
	}

	entries := make([]listEntry, 0)
	for _, p := range s.Profiles() {
		e := listEntry{Profile: p}
		if st, ok := live[p.Name]; ok {
			e.Status = &st
		}
		entries = append(entries, e)
	}
	if f.JSON {
		return printJSON(c.out, entries)
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	if f.Live {
		_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPID\tRESTARTS\tAUTO\tENABLED\tSCRIPT")
	} else {
		_, _ = fmt.Fprintln(tw, "NAME\tAUTO\tENABLED\tSCRIPT")
	}
	for _, e := range entries {
		if f.Live {
			state, pid, restarts := "-", "-", "-"
			if e.Status != nil {
				state = string(e.Status.State)
				restarts = fmt.Sprint(e.Status.Restarts)
				if e.Status.PID > 0 {
					pid = fmt.Sprint(e.Status.PID)
				}
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%t\t%s\n", e.Name, state, pid, restarts, e.AutoStart, e.Enabled, e.ScriptPath)
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%t\t%t\t%s\n", e.Name, e.AutoStart, e.Enabled, e.ScriptPath)
	}
	return tw.Flush()
}

// Add creates a profile from flags.
func (c *command) Add(name, script string, f *ProfileFlags, changed func(string) bool) error {
	p := runsh.NewProfile(name, script)
	if err := f.apply(changed, &p); err != nil {
		return err
	}

	s, err := c.open(true)
	if err != nil {
		return err
	}
	defer closeQuietly(s)
	if err := s.AddProfile(p); err != nil {
		return err
	}
	stored, _ := s.Profile(name)
	_, _ = fmt.Fprintf(c.out, "added %q (log: %s)\n", name, stored.LogPath)
	return nil
}

// Edit applies the changed flags to an existing profile.
func (c *command) Edit(name string, f *ProfileFlags, changed func(string) bool) error {
	s, err := c.open(true)
	if err != nil {
		return err
	}
	defer closeQuietly(s)

	p, ok := s.Profile(name)
	if !ok {
		return fmt.Errorf("profile %q: %w", name, runsh.ErrNotFound)
	}
	if err := f.apply(changed, &p); err != nil {
		return err
	}
	if err := s.UpdateProfile(name, p); err != nil {
		return err
	}
	if p.Name != name {
		_, _ = fmt.Fprintf(c.out, "updated %q (renamed to %q)\n", name, p.Name)
	} else {
		_, _ = fmt.Fprintf(c.out, "updated %q\n", name)
	}
	return nil
}

// Remove deletes a profile. Removing an unknown name succeeds.
func (c *command) Remove(name string) error {
	s, err := c.open(true)
	if err != nil {
		return err
	}
	defer closeQuietly(s)
	if _, ok := s.Profile(name); !ok {
		_, _ = fmt.Fprintf(c.errOut, "no profile named %q\n", name)
		return nil
	}
	if err := s.RemoveProfile(name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "removed %q\n", name)
	return nil
}

// Import adds every profile in path.
func (c *command) Import(path string) error {
	s, err := c.open(true)
	if err != nil {
		return err
	}
	defer closeQuietly(s)
	names, err := s.ImportFile(path)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "imported %d profile(s): %s\n", len(names), strings.Join(names, ", "))
	return nil
}

// Export writes the profile set to path.
func (c *command) Export(path string) error {
	s, err := c.open(false)
	if err != nil {
		return err
	}
	defer closeQuietly(s)
	if err := s.ExportFile(path); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "exported %d profile(s) to %s\n", len(s.Profiles()), path)
	return nil
}

// Logs prints the tail of a profile's log file and optionally follows it.
func (c *command) Logs(ctx context.Context, name string, f LogsFlags) error {
	s, err := c.open(false)
	if err != nil {
		return err
	}
	p, ok := s.Profile(name)
	closeQuietly(s)
	if !ok {
		return fmt.Errorf("profile %q: %w", name, runsh.ErrNotFound)
	}

	lines, size, err := logtail.Last(p.LogPath, f.Lines)
	if err != nil {
		return err
	}
	for _, l := range lines {
		_, _ = fmt.Fprintln(c.out, l)
	}
	if !f.Follow {
		return nil
	}
	return logtail.Follow(ctx, p.LogPath, size, c.out)
}

// LogDir creates the default log directory and prints it.
func (c *command) LogDir() error {
	s, err := c.open(false)
	if err != nil {
		return err
	}
	defer closeQuietly(s)
	dir, err := s.EnsureLogDirectory()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, dir)
	return nil
}

// History prints recorded status changes of a profile.
func (c *command) History(ctx context.Context, name string, f HistoryFlags) error {
	s, err := c.open(false)
	if err != nil {
		return err
	}
	defer closeQuietly(s)
	events, err := s.History(ctx, name, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, events)
	}
	slices.Reverse(events) // oldest first
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tFROM\tSTATE\tPID\tEXIT\tERROR")
	for _, e := range events {
		exit := "-"
		if e.ExitCode != nil {
			exit = fmt.Sprint(*e.ExitCode)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.OccurredAt.Local().Format(time.DateTime), e.From, e.State, e.PID, exit, e.Error)
	}
	return tw.Flush()
}
