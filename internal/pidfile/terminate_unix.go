//go:build !windows

package pidfile

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Terminate sends SIGTERM to the recorded process group, waits up to grace
// for it to go away and then sends SIGKILL. A process that is already gone
// counts as success.
func (r Record) Terminate(grace time.Duration) error {
	if !r.Alive() {
		return nil
	}
	if err := killGroup(r.PID, unix.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !r.Alive() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return killGroup(r.PID, unix.SIGKILL)
}

func killGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.EPERM) {
		err = unix.Kill(pid, sig)
	}
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
