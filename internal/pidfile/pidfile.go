// Package pidfile records the process group leader of every running service
// under <data_dir>/run so that a later supervisor can find scripts that were
// left running by a previous one.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const DirName = "run"

// Record is the content of one PID file: the PID on the first line and a
// JSON line with the process start time, used to detect PID reuse.
type Record struct {
	PID         int    `json:"-"`
	StartMillis int64  `json:"start_ms,omitempty"`
	RunID       string `json:"run_id,omitempty"`
}

// Dir is the PID file directory of one data directory.
type Dir struct {
	path string
}

func NewDir(dataDir string) Dir {
	return Dir{path: filepath.Join(dataDir, DirName)}
}

func (d Dir) Path() string { return d.path }

// File returns the PID file path for a service. Names are path-escaped so
// that "a b" and "a_b" never share a file.
func (d Dir) File(name string) string {
	return filepath.Join(d.path, url.PathEscape(name)+".pid")
}

// Write records pid for name, replacing any previous record.
func (d Dir) Write(name string, pid int, runID string) error {
	if pid <= 0 {
		return fmt.Errorf("pidfile: invalid pid %d", pid)
	}
	if err := os.MkdirAll(d.path, 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(Record{StartMillis: startMillis(pid), RunID: runID})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.path, ".pid-*.tmp")
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(tmp, "%d\n%s\n", pid, meta)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), d.File(name)); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Read parses the PID file of name. Files holding only a PID are accepted.
func (d Dir) Read(name string) (Record, error) {
	return readFile(d.File(name))
}

func readFile(path string) (Record, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Record{}, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("invalid pid in %s", path)
	}
	var rec Record
	if rest = strings.TrimSpace(rest); rest != "" {
		// a damaged meta line still yields the pid
		_ = json.Unmarshal([]byte(rest), &rec)
	}
	rec.PID = pid
	return rec, nil
}

// Remove deletes the PID file of name. A missing file is not an error.
func (d Dir) Remove(name string) error {
	err := os.Remove(d.File(name))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// List returns every readable record keyed by service name.
func (d Dir) List() (map[string]Record, error) {
	entries, err := os.ReadDir(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(entries))
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".pid")
		if e.IsDir() || !ok {
			continue
		}
		name, err := url.PathUnescape(base)
		if err != nil {
			continue
		}
		rec, err := readFile(filepath.Join(d.path, e.Name()))
		if err != nil {
			continue
		}
		out[name] = rec
	}
	return out, nil
}

// Alive reports whether the recorded process still exists and is the same
// process that was recorded.
func (r Record) Alive() bool {
	if r.PID <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(r.PID))
	if err != nil || !ok {
		return false
	}
	if r.StartMillis > 0 {
		if cur := startMillis(r.PID); cur > 0 && cur != r.StartMillis {
			return false // pid reused
		}
	}
	return true
}

// startMillis returns the process creation time in Unix milliseconds, or 0.
func startMillis(pid int) int64 {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}
