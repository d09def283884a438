package profile

import "time"

// State is the supervision state of one service.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateExited     State = "exited"
	StateFailed     State = "failed"
)

// States lists every state in display order.
var States = []State{StateStopped, StateStarting, StateRunning, StateRestarting, StateExited, StateFailed}

// Active reports whether a process may be alive in this state.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateRestarting
}

// Terminal reports whether the supervision loop has ended in this state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateExited || s == StateFailed
}

// FailureKind classifies why a service ended in StateFailed.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureLaunch        FailureKind = "launch_failure"
	FailureRestartBudget FailureKind = "restart_budget_exceeded"
	FailureUnexpected    FailureKind = "unexpected"
)

// Status is a point-in-time snapshot of a service.
type Status struct {
	Name         string      `json:"name"`
	State        State       `json:"state"`
	PID          int         `json:"pid"`
	StartTime    time.Time   `json:"start_time"`
	StoppedAt    time.Time   `json:"stopped_at"`
	Restarts     int         `json:"restarts"`
	LastExitCode *int        `json:"last_exit_code"`
	LastError    string      `json:"last_error,omitempty"`
	Failure      FailureKind `json:"failure,omitempty"`
	RunID        string      `json:"run_id,omitempty"`
}

// NewStatus returns the initial STOPPED status for name.
func NewStatus(name string) Status {
	return Status{Name: name, State: StateStopped}
}

// Clone returns a copy that shares nothing mutable with s.
func (s Status) Clone() Status {
	c := s
	if s.LastExitCode != nil {
		code := *s.LastExitCode
		c.LastExitCode = &code
	}
	return c
}

// Uptime is how long the current process has been running, or zero.
func (s Status) Uptime(now time.Time) time.Duration {
	if s.State != StateRunning || s.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.StartTime)
}

// Usage is a resource snapshot for a live service process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}
