package runner

import (
	"sync"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/runsh/internal/profile"
)

// usageProbe keeps the gopsutil handle of the current pid so successive cpu
// samples are measured against the previous one.
type usageProbe struct {
	mu  sync.Mutex
	pid int32
	p   *process.Process
}

// ResourceUsage samples cpu and resident memory of the live process. ok is
// false when no process is alive or it vanished during the query.
func (r *Runner) ResourceUsage() (profile.Usage, bool) {
	r.mu.Lock()
	h := r.proc
	r.mu.Unlock()
	if h == nil || !h.alive() {
		return profile.Usage{}, false
	}
	return r.usage.sample(int32(h.pid)) // #nosec G115 -- pids fit in int32
}

func (u *usageProbe) sample(pid int32) (profile.Usage, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.p == nil || u.pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			u.p = nil
			return profile.Usage{}, false
		}
		u.p, u.pid = p, pid
	}
	cpu, err := u.p.Percent(0)
	if err != nil {
		return profile.Usage{}, false
	}
	mem, err := u.p.MemoryInfo()
	if err != nil || mem == nil {
		return profile.Usage{}, false
	}
	return profile.Usage{CPUPercent: cpu, MemoryMB: float64(mem.RSS) / (1024 * 1024)}, true
}
