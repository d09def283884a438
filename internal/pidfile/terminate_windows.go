//go:build windows

package pidfile

import (
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Terminate kills the recorded process; there is no graceful rung on Windows.
func (r Record) Terminate(time.Duration) error {
	if !r.Alive() {
		return nil
	}
	p, err := gopsproc.NewProcess(int32(r.PID))
	if err != nil {
		return nil
	}
	return p.Kill()
}
