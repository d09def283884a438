//go:build !windows

package runner

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/runsh/internal/env"
	"github.com/loykin/runsh/internal/profile"
)

// recorder collects emitted statuses.
type recorder struct {
	mu  sync.Mutex
	all []profile.Status
}

func (c *recorder) notify(st profile.Status) {
	c.mu.Lock()
	c.all = append(c.all, st)
	c.mu.Unlock()
}

func (c *recorder) states() []profile.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]profile.State, 0, len(c.all))
	for _, st := range c.all {
		out = append(out, st.State)
	}
	return out
}

func (c *recorder) count(s profile.State) int {
	n := 0
	for _, got := range c.states() {
		if got == s {
			n++
		}
	}
	return n
}

// signalLog wraps the real signaller and remembers what was sent.
type signalLog struct {
	mu   sync.Mutex
	sent []syscall.Signal
}

func (l *signalLog) install(r *Runner) {
	r.signal = func(pid int, sig syscall.Signal) error {
		l.mu.Lock()
		l.sent = append(l.sent, sig)
		l.mu.Unlock()
		return signalGroup(pid, sig)
	}
}

func (l *signalLog) signals() []syscall.Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]syscall.Signal(nil), l.sent...)
}

func writeScript(t *testing.T, dir, name, body string, executable bool) string {
	t.Helper()
	path := filepath.Join(dir, name)
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), mode); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func testProfile(t *testing.T, name, body string) profile.Profile {
	t.Helper()
	dir := t.TempDir()
	p := profile.New(name, writeScript(t, dir, name+".sh", body, true))
	p.RestartDelay = 0.1
	p.LogPath = filepath.Join(dir, "logs", name+".log")
	return p
}

func testOptions() Options {
	return Options{
		Env:         env.New(),
		Ladder:      Ladder{Terminate: 2 * time.Second, Interrupt: time.Second, Kill: time.Second},
		JoinTimeout: 5 * time.Second,
	}
}

func waitState(t *testing.T, r *Runner, want profile.State, timeout time.Duration) profile.Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st := r.Status(); st.State == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state %s not reached within %v; last=%+v", want, timeout, r.Status())
	return profile.Status{}
}

func waitCount(t *testing.T, c *recorder, s profile.State, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.count(s) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s emitted fewer than %d times within %v: %v", s, n, timeout, c.states())
}

func waitFile(t *testing.T, path string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s not created within %v", path, timeout)
}
