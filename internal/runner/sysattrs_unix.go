//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts the child in a new session so the whole process
// group can be signalled and the child has no controlling terminal.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
