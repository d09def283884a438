package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// handle is one launched child process.
type handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	exited    chan struct{}
	exitCode  int // valid after exited is closed
	termOnce  sync.Once
}

func (h *handle) alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *handle) wait() {
	err := h.cmd.Wait()
	h.exitCode = exitCode(h.cmd.ProcessState, err)
	close(h.exited)
}

// exitCode returns the process exit status, or minus the signal number when
// the process was killed by a signal.
func exitCode(ps *os.ProcessState, err error) int {
	if ps == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

// launch starts the profile's script in its own session with output appended
// to the log file.
func (r *Runner) launch() (*handle, error) {
	script := r.prof.ResolvedScriptPath()
	fi, err := os.Stat(script)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("script not found: %s", script)
	}
	if err != nil {
		return nil, fmt.Errorf("stat script %s: %w", script, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("script path is a directory: %s", script)
	}

	var cmd *exec.Cmd
	if isExecutable(script) {
		cmd = exec.Command(script) // #nosec G204 -- operator-configured script
	} else {
		cmd = exec.Command(resolveShell(r.opts.Shell), script) // #nosec G204
	}
	cmd.Dir = r.prof.ResolvedWorkDir()
	cmd.Env = r.opts.Env.Merge(r.prof.Environment)
	configureSysProcAttr(cmd)

	out, err := openLog(r.prof.LogPath)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("launch %s: %w", script, err)
	}
	// the child holds its own descriptor
	_ = out.Close()

	h := &handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// resolveShell returns the first available interpreter among preferred,
// /bin/bash and /bin/sh.
func resolveShell(preferred string) string {
	for _, c := range []string{preferred, "/bin/bash", "/bin/sh"} {
		if c == "" {
			continue
		}
		if !filepath.IsAbs(c) {
			if p, err := exec.LookPath(c); err == nil {
				return p
			}
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "/bin/sh"
}
