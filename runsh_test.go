//go:build !windows

package runsh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dataDir, extra string) Config {
	t.Helper()
	body := fmt.Sprintf(`data_dir = %q

[supervisor]
terminate_timeout = "2s"
interrupt_timeout = "1s"
kill_timeout = "1s"
join_timeout = "5s"
env = ["RUNSH_TEST_GLOBAL=yes"]
%s`, dataDir, extra)
	path := filepath.Join(t.TempDir(), "runsh.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "svc.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestOpenLockExcludesSecondSupervisor(t *testing.T) {
	cfg := writeConfig(t, filepath.Join(t.TempDir(), "data"), "")
	s, err := Open(cfg, Options{Lock: true})
	require.NoError(t, err)
	assert.True(t, s.Locked())

	_, err = Open(cfg, Options{Lock: true})
	assert.True(t, errors.Is(err, ErrLocked), "got %v", err)

	// readers do not need the lock
	r, err := Open(cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Close(context.Background(), false))

	require.NoError(t, s.Close(context.Background(), true))
	assert.False(t, s.Locked())

	again, err := Open(cfg, Options{Lock: true})
	require.NoError(t, err)
	require.NoError(t, again.Close(context.Background(), true))
}

func TestSupervisorLifecycleAndPersistence(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	cfg := writeConfig(t, dataDir, "")
	s, err := Open(cfg, Options{Lock: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background(), true) })

	p := NewProfile("web api", writeScript(t, `echo "global=$RUNSH_TEST_GLOBAL"; exec sleep 30`))
	p.AutoStart = true
	require.NoError(t, s.AddProfile(p))
	assert.True(t, errors.Is(s.AddProfile(p), ErrNameConflict))

	assert.Equal(t, 1, s.StartAutoProfiles())
	st, ok := s.WaitState("web api", 10*time.Second, StateRunning)
	require.True(t, ok, "status %+v", st)
	assert.NotZero(t, st.PID)

	stored, ok := s.Profile("web api")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(stored.LogPath)
		return strings.Contains(string(b), "global=yes")
	}, 5*time.Second, 20*time.Millisecond)

	s.StopProfile("web api", false)
	_, ok = s.WaitState("web api", 10*time.Second, StateStopped)
	require.True(t, ok)
	require.NoError(t, s.Close(context.Background(), true))

	reopened, err := Open(cfg, Options{})
	require.NoError(t, err)
	defer func() { _ = reopened.Close(context.Background(), false) }()
	got := reopened.Profiles()
	require.Len(t, got, 1)
	assert.Equal(t, "web api", got[0].Name)
	assert.True(t, got[0].AutoStart)
	st, ok = reopened.Status("web api")
	require.True(t, ok)
	assert.Equal(t, StateStopped, st.State)
}

func TestServeObservability(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	cfg := writeConfig(t, dataDir, `
[metrics]
enabled = true
listen = "127.0.0.1:0"

[history]
enabled = true
`)
	s, err := Open(cfg, Options{Lock: true, History: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background(), true) })

	require.NoError(t, s.ServeObservability())
	addr := s.ObservabilityAddr()
	require.NotEmpty(t, addr)

	require.NoError(t, s.AddProfile(NewProfile("ticker", writeScript(t, "exec sleep 30"))))
	s.StartProfile("ticker")
	_, ok := s.WaitState("ticker", 10*time.Second, StateRunning)
	require.True(t, ok)

	resp, err := http.Get("http://" + addr + "/statuses/ticker")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "ticker", view["name"])
	assert.Equal(t, string(StateRunning), view["state"])

	mresp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(mresp.Body)
	_ = mresp.Body.Close()
	assert.Contains(t, string(body), `runsh_service_starts_total{name="ticker"}`)
	assert.Contains(t, string(body), "go_goroutines")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx, true))
	assert.Empty(t, s.ObservabilityAddr())

	_, err = os.Stat(filepath.Join(dataDir, "history.db"))
	require.NoError(t, err)

	reader, err := Open(cfg, Options{})
	require.NoError(t, err)
	defer func() { _ = reader.Close(context.Background(), false) }()
	events, err := reader.History(context.Background(), "ticker", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, StateStopped, events[0].State)
	for _, e := range events {
		assert.Equal(t, "ticker", e.Name)
	}
}

func TestHistoryWithoutSQLite(t *testing.T) {
	cfg := writeConfig(t, filepath.Join(t.TempDir(), "data"), "")
	s, err := Open(cfg, Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close(context.Background(), false) }()
	_, err = s.History(context.Background(), "x", 5)
	assert.True(t, errors.Is(err, ErrNoHistory))
}

func TestServeObservabilityDisabledIsNoop(t *testing.T) {
	cfg := writeConfig(t, filepath.Join(t.TempDir(), "data"), "")
	s, err := Open(cfg, Options{})
	require.NoError(t, err)
	defer func() { _ = s.Close(context.Background(), false) }()
	require.NoError(t, s.ServeObservability())
	assert.Empty(t, s.ObservabilityAddr())
}

func TestImportExportFiles(t *testing.T) {
	cfg := writeConfig(t, filepath.Join(t.TempDir(), "data"), "")
	s, err := Open(cfg, Options{Lock: true})
	require.NoError(t, err)
	defer func() { _ = s.Close(context.Background(), true) }()

	require.NoError(t, s.AddProfile(NewProfile("svc", "/opt/svc.sh")))
	out := filepath.Join(t.TempDir(), "set.yaml")
	require.NoError(t, s.ExportFile(out))

	names, err := s.ImportFile(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"svc_1"}, names)
	assert.Len(t, s.Profiles(), 2)
}

func TestOpenRejectsBadGlobalEnv(t *testing.T) {
	cfg := writeConfig(t, filepath.Join(t.TempDir(), "data"), "")
	cfg.Supervisor.Env = []string{"NOEQUALS"}
	_, err := Open(cfg, Options{Lock: true})
	require.Error(t, err)

	// the lock taken before the failure is released
	cfg.Supervisor.Env = nil
	s, err := Open(cfg, Options{Lock: true})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background(), false))
}
