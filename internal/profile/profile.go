package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalid is returned by Validate for profiles that cannot be supervised.
var ErrInvalid = errors.New("invalid profile")

// Default policy values applied to profiles that omit them.
const (
	DefaultRestartOnExit = true
	DefaultRestartDelay  = Seconds(5)
	DefaultEnabled       = true

	// LogDirName is the directory under the data dir holding derived log files.
	LogDirName = "logs"
)

// Seconds is a non-negative delay expressed in (fractional) seconds.
// It is stored as a plain number so profile files stay hand-editable.
type Seconds float64

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(float64(s) * float64(time.Second))
}

// SecondsOf converts d to Seconds.
func SecondsOf(d time.Duration) Seconds { return Seconds(d.Seconds()) }

// Profile describes one supervised script.
type Profile struct {
	Name          string            `json:"name" yaml:"name"`
	ScriptPath    string            `json:"script_path" yaml:"script_path"`
	WorkingDir    string            `json:"working_dir" yaml:"working_dir"` // empty = script's directory
	AutoStart     bool              `json:"auto_start" yaml:"auto_start"`
	RestartOnExit bool              `json:"restart_on_exit" yaml:"restart_on_exit"`
	RestartDelay  Seconds           `json:"restart_delay" yaml:"restart_delay"`
	StartDelay    Seconds           `json:"start_delay" yaml:"start_delay"`
	Environment   map[string]string `json:"environment" yaml:"environment"`
	LogPath       string            `json:"log_path" yaml:"log_path"`         // empty = derived from name
	MaxRestarts   *int              `json:"max_restarts" yaml:"max_restarts"` // nil = unlimited
	Enabled       bool              `json:"enabled" yaml:"enabled"`
}

// Defaults returns a profile carrying the default policy and no identity.
func Defaults() Profile {
	return Profile{
		RestartOnExit: DefaultRestartOnExit,
		RestartDelay:  DefaultRestartDelay,
		Enabled:       DefaultEnabled,
		Environment:   map[string]string{},
	}
}

// New returns a profile with default policy for the given name and script.
func New(name, scriptPath string) Profile {
	p := Defaults()
	p.Name = name
	p.ScriptPath = scriptPath
	return p
}

// UnmarshalJSON applies Defaults before decoding so missing optional fields keep
// their documented defaults.
func (p *Profile) UnmarshalJSON(b []byte) error {
	type plain Profile
	v := plain(Defaults())
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Profile(v)
	if p.Environment == nil {
		p.Environment = map[string]string{}
	}
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML documents.
func (p *Profile) UnmarshalYAML(unmarshal func(any) error) error {
	type plain Profile
	v := plain(Defaults())
	if err := unmarshal(&v); err != nil {
		return err
	}
	*p = Profile(v)
	if p.Environment == nil {
		p.Environment = map[string]string{}
	}
	return nil
}

// Validate reports whether the profile can be registered.
func (p Profile) Validate() error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: name %q contains a path separator", ErrInvalid, p.Name)
	}
	if strings.TrimSpace(p.ScriptPath) == "" {
		return fmt.Errorf("%w: %q requires script_path", ErrInvalid, p.Name)
	}
	if p.RestartDelay < 0 {
		return fmt.Errorf("%w: %q restart_delay cannot be negative", ErrInvalid, p.Name)
	}
	if p.StartDelay < 0 {
		return fmt.Errorf("%w: %q start_delay cannot be negative", ErrInvalid, p.Name)
	}
	if p.MaxRestarts != nil && *p.MaxRestarts < 0 {
		return fmt.Errorf("%w: %q max_restarts cannot be negative", ErrInvalid, p.Name)
	}
	for k := range p.Environment {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("%w: %q has invalid environment key %q", ErrInvalid, p.Name, k)
		}
	}
	return nil
}

// DefaultLogPath derives the log file path for name under baseDir.
func DefaultLogPath(baseDir, name string) string {
	safe := strings.ReplaceAll(name, " ", "_")
	return filepath.Join(baseDir, LogDirName, safe+".log")
}

// EnsurePaths fills in a derived LogPath when absent and creates the log
// file's parent directory.
func (p *Profile) EnsurePaths(baseDir string) error {
	if p.LogPath == "" {
		p.LogPath = DefaultLogPath(baseDir, p.Name)
	}
	if err := os.MkdirAll(filepath.Dir(p.LogPath), 0o750); err != nil {
		return fmt.Errorf("create log directory for %q: %w", p.Name, err)
	}
	return nil
}

// ResolvedScriptPath expands a leading "~" in ScriptPath.
func (p Profile) ResolvedScriptPath() string {
	return expandHome(p.ScriptPath)
}

// ResolvedWorkDir returns WorkingDir or, when unset, the script's directory.
func (p Profile) ResolvedWorkDir() string {
	if p.WorkingDir != "" {
		return expandHome(p.WorkingDir)
	}
	return filepath.Dir(p.ResolvedScriptPath())
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	c := p
	if p.Environment != nil {
		c.Environment = make(map[string]string, len(p.Environment))
		for k, v := range p.Environment {
			c.Environment[k] = v
		}
	}
	if p.MaxRestarts != nil {
		n := *p.MaxRestarts
		c.MaxRestarts = &n
	}
	return c
}

// IntPtr is a helper for setting MaxRestarts.
func IntPtr(n int) *int { return &n }

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
