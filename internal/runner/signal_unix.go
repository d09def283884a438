//go:build !windows

package runner

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalGroup sends sig to the process group led by pid. When the group
// cannot be signalled for lack of permission it falls back to the leader
// alone, which leaves other group members untouched. A process that is
// already gone counts as success.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	if !errors.Is(err, unix.EPERM) {
		return err
	}
	err = unix.Kill(pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// isExecutable reports whether the current user may execute path directly.
func isExecutable(path string) bool {
	return unix.Access(path, unix.X_OK) == nil
}
