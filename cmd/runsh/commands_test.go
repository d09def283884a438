//go:build !windows

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/runsh"
)

type cli struct {
	dataDir string
	config  string
}

func newCLI(t *testing.T, extraConfig string) cli {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "runsh.toml")
	body := `[supervisor]
terminate_timeout = "2s"
interrupt_timeout = "1s"
kill_timeout = "1s"
join_timeout = "5s"
` + extraConfig
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o600))
	return cli{dataDir: filepath.Join(dir, "data"), config: cfg}
}

func (c cli) exec(ctx context.Context, args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	root := buildRoot(&out, &errOut)
	root.SetArgs(append([]string{"--config", c.config, "--data-dir", c.dataDir}, args...))
	err := root.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func (c cli) run(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, err := c.exec(context.Background(), args...)
	require.NoError(t, err, "runsh %v: %s", args, errOut)
	return out
}

func (c cli) profiles(t *testing.T) []runsh.Profile {
	t.Helper()
	var entries []runsh.Profile
	require.NoError(t, json.Unmarshal([]byte(c.run(t, "list", "--json")), &entries))
	return entries
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "svc.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestAddListEditRemove(t *testing.T) {
	c := newCLI(t, "")
	out := c.run(t, "add", "web", "/opt/web/serve.sh", "--auto-start", "--env", "PORT=8080", "--max-restarts", "3", "--restart-delay", "0.5")
	assert.Contains(t, out, `added "web"`)
	assert.Contains(t, out, filepath.Join(c.dataDir, "logs", "web.log"))

	ps := c.profiles(t)
	require.Len(t, ps, 1)
	p := ps[0]
	assert.True(t, p.AutoStart)
	assert.True(t, p.RestartOnExit)
	assert.Equal(t, "8080", p.Environment["PORT"])
	require.NotNil(t, p.MaxRestarts)
	assert.Equal(t, 3, *p.MaxRestarts)
	assert.Equal(t, runsh.Seconds(0.5), p.RestartDelay)

	_, _, err := c.exec(context.Background(), "add", "web", "/other.sh")
	assert.True(t, errors.Is(err, runsh.ErrNameConflict), "got %v", err)

	out = c.run(t, "edit", "web", "--name", "web-v2", "--restart-on-exit=false", "--unset-env", "PORT", "--max-restarts", "-1")
	assert.Contains(t, out, `renamed to "web-v2"`)
	ps = c.profiles(t)
	require.Len(t, ps, 1)
	assert.Equal(t, "web-v2", ps[0].Name)
	assert.False(t, ps[0].RestartOnExit)
	assert.True(t, ps[0].AutoStart, "unchanged flags keep their value")
	assert.Nil(t, ps[0].MaxRestarts)
	assert.NotContains(t, ps[0].Environment, "PORT")

	table := c.run(t, "list")
	assert.Contains(t, table, "NAME")
	assert.Contains(t, table, "web-v2")

	_, _, err = c.exec(context.Background(), "edit", "missing", "--auto-start")
	assert.True(t, errors.Is(err, runsh.ErrNotFound))

	assert.Contains(t, c.run(t, "remove", "web-v2"), `removed "web-v2"`)
	_, errOut, err := c.exec(context.Background(), "rm", "web-v2")
	require.NoError(t, err)
	assert.Contains(t, errOut, "no profile named")
	assert.Empty(t, c.profiles(t))
}

func TestAddRejectsInvalidInput(t *testing.T) {
	c := newCLI(t, "")
	_, _, err := c.exec(context.Background(), "add", "bad/name", "/x.sh")
	assert.True(t, errors.Is(err, runsh.ErrInvalid), "got %v", err)
	_, _, err = c.exec(context.Background(), "add", "x", "/x.sh", "--env", "NOVALUE")
	assert.Error(t, err)
	_, _, err = c.exec(context.Background(), "add", "only-name")
	assert.Error(t, err)
}

func TestExportImportRenames(t *testing.T) {
	c := newCLI(t, "")
	c.run(t, "add", "svc", "/opt/svc.sh")
	file := filepath.Join(t.TempDir(), "profiles.yaml")
	assert.Contains(t, c.run(t, "export", file), "exported 1 profile(s)")

	out := c.run(t, "import", file)
	assert.Contains(t, out, "imported 1 profile(s): svc_1")
	ps := c.profiles(t)
	require.Len(t, ps, 2)
	assert.Equal(t, filepath.Join(c.dataDir, "logs", "svc_1.log"), ps[1].LogPath)
}

func TestLogDir(t *testing.T) {
	c := newCLI(t, "")
	out := strings.TrimSpace(c.run(t, "logdir"))
	assert.Equal(t, filepath.Join(c.dataDir, "logs"), out)
	fi, err := os.Stat(out)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestEditingCommandsFailWhileLocked(t *testing.T) {
	c := newCLI(t, "")
	c.run(t, "add", "svc", "/opt/svc.sh")

	cfg, err := runsh.LoadConfig(c.config)
	require.NoError(t, err)
	cfg.DataDir = c.dataDir
	holder, err := runsh.Open(cfg, runsh.Options{Lock: true})
	require.NoError(t, err)

	for _, args := range [][]string{
		{"add", "other", "/x.sh"},
		{"edit", "svc", "--auto-start"},
		{"remove", "svc"},
	} {
		_, _, err := c.exec(context.Background(), args...)
		assert.True(t, errors.Is(err, runsh.ErrLocked), "%v: got %v", args, err)
	}
	// readers still work
	assert.Len(t, c.profiles(t), 1)

	require.NoError(t, holder.Close(context.Background(), false))
	c.run(t, "add", "other", "/x.sh")
}

func TestLogsTailAndFollow(t *testing.T) {
	c := newCLI(t, "")
	logPath := filepath.Join(t.TempDir(), "svc.log")
	require.NoError(t, os.WriteFile(logPath, []byte("one\ntwo\nthree\n"), 0o600))
	c.run(t, "add", "svc", "/opt/svc.sh", "--log-path", logPath)

	assert.Equal(t, "two\nthree\n", c.run(t, "logs", "svc", "-n", "2"))

	_, _, err := c.exec(context.Background(), "logs", "missing")
	assert.True(t, errors.Is(err, runsh.ErrNotFound))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	cmd := &command{global: &GlobalFlags{ConfigPath: c.config, DataDir: c.dataDir}, out: out, errOut: &bytes.Buffer{}}
	done := make(chan error, 1)
	go func() { done <- cmd.Logs(ctx, "svc", LogsFlags{Lines: 1, Follow: true}) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "three") }, 5*time.Second, 20*time.Millisecond)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, _ = f.WriteString("four\n")
	_ = f.Close()
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "four") }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("logs --follow did not return after cancel")
	}
	assert.NotContains(t, out.String(), "one")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunSupervisesUntilCancelled(t *testing.T) {
	addr := freeAddr(t)
	c := newCLI(t, fmt.Sprintf("\n[metrics]\nenabled = true\nlisten = %q\n\n[history]\nenabled = true\n", addr))
	marker := filepath.Join(t.TempDir(), "started")
	c.run(t, "add", "worker", writeScript(t, "touch "+marker+"; exec sleep 30"), "--auto-start")
	c.run(t, "add", "idle", writeScript(t, "exec sleep 30"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	var errOut syncBuffer
	go func() {
		root := buildRoot(&bytes.Buffer{}, &errOut)
		root.SetArgs([]string{"--config", c.config, "--data-dir", c.dataDir, "run"})
		done <- root.ExecuteContext(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	// editing is refused while the supervisor holds the lock
	_, _, err := c.exec(context.Background(), "add", "late", "/x.sh")
	assert.True(t, errors.Is(err, runsh.ErrLocked))

	var live []struct {
		Name   string        `json:"name"`
		Status *runsh.Status `json:"status"`
	}
	require.Eventually(t, func() bool {
		out, _, err := c.exec(context.Background(), "list", "--live", "--json")
		if err != nil || json.Unmarshal([]byte(out), &live) != nil || len(live) != 2 {
			return false
		}
		return live[0].Status != nil && live[0].Status.State == runsh.StateRunning
	}, 10*time.Second, 50*time.Millisecond)
	require.NotNil(t, live[1].Status)
	assert.Equal(t, runsh.StateStopped, live[1].Status.State)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Contains(t, errOut.String(), "supervisor started")

	hist := c.run(t, "history", "worker")
	assert.Contains(t, hist, "running")
	assert.Contains(t, hist, "stopped")

	// lock released on exit
	c.run(t, "add", "late", "/x.sh")
}

func TestListLiveRequiresMetrics(t *testing.T) {
	c := newCLI(t, "")
	_, _, err := c.exec(context.Background(), "list", "--live")
	assert.ErrorContains(t, err, "metrics.enabled")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunReplacesLeftovers(t *testing.T) {
	c := newCLI(t, "")
	pidFile := filepath.Join(t.TempDir(), "pid")
	c.run(t, "add", "worker", writeScript(t, "echo $$ > "+pidFile+"; exec sleep 30"), "--auto-start", "--restart-on-exit=false")

	readPID := func() int {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return 0
		}
		var pid int
		_, _ = fmt.Sscan(string(b), &pid)
		return pid
	}
	supervise := func(errOut *syncBuffer, args ...string) (context.CancelFunc, chan error) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			root := buildRoot(&bytes.Buffer{}, errOut)
			root.SetArgs(append([]string{"--config", c.config, "--data-dir", c.dataDir, "run"}, args...))
			done <- root.ExecuteContext(ctx)
		}()
		return cancel, done
	}
	wait := func(done chan error) {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(20 * time.Second):
			t.Fatal("run did not return after cancel")
		}
	}

	var first syncBuffer
	cancel, done := supervise(&first, "--keep-running")
	require.Eventually(t, func() bool { return readPID() > 0 }, 10*time.Second, 20*time.Millisecond)
	old := readPID()
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(c.dataDir, "run", "worker.pid"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	wait(done)
	t.Cleanup(func() { _ = syscall.Kill(-old, syscall.SIGKILL) })
	require.NoError(t, syscall.Kill(old, 0), "--keep-running leaves the script alive")

	var second syncBuffer
	cancel, done = supervise(&second, "--replace-leftovers")
	defer cancel()
	require.Eventually(t, func() bool {
		pid := readPID()
		return pid > 0 && pid != old
	}, 15*time.Second, 20*time.Millisecond)
	assert.Contains(t, second.String(), "stopped leftover services")
	cancel()
	wait(done)
}
