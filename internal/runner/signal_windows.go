//go:build windows

package runner

import (
	"errors"
	"os"
	"syscall"
)

// signalGroup terminates the process; Windows has no signal ladder, so every
// rung is a kill.
func signalGroup(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func isExecutable(string) bool { return false }
