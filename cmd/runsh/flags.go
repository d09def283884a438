package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/runsh"
)

// ProfileFlags holds the profile fields settable from add and edit.
// Only flags the user actually set are applied.
type ProfileFlags struct {
	Name     string // edit only
	Script   string // edit only
	UnsetEnv []string

	WorkDir       string
	AutoStart     bool
	RestartOnExit bool
	RestartDelay  float64
	StartDelay    float64
	MaxRestarts   int
	LogPath       string
	Env           []string
	Enabled       bool
}

func (f *ProfileFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.WorkDir, "workdir", "", "working directory (default: the script's directory)")
	fs.BoolVar(&f.AutoStart, "auto-start", false, "start when 'runsh run' starts")
	fs.BoolVar(&f.RestartOnExit, "restart-on-exit", true, "relaunch after the script exits")
	fs.Float64Var(&f.RestartDelay, "restart-delay", 5, "seconds to wait before a relaunch")
	fs.Float64Var(&f.StartDelay, "start-delay", 0, "seconds to wait before each launch")
	fs.IntVar(&f.MaxRestarts, "max-restarts", -1, "restart budget per start request, -1 for unlimited")
	fs.StringVar(&f.LogPath, "log-path", "", "log file (default: <data_dir>/logs/<name>.log)")
	fs.StringArrayVar(&f.Env, "env", nil, "KEY=VALUE added to the script environment (repeatable)")
	fs.BoolVar(&f.Enabled, "enabled", true, "allow the profile to be started")
}

// apply copies every changed flag onto p.
func (f *ProfileFlags) apply(changed func(string) bool, p *runsh.Profile) error {
	if changed("name") {
		p.Name = f.Name
	}
	if changed("script") {
		p.ScriptPath = f.Script
	}
	if changed("workdir") {
		p.WorkingDir = f.WorkDir
	}
	if changed("auto-start") {
		p.AutoStart = f.AutoStart
	}
	if changed("restart-on-exit") {
		p.RestartOnExit = f.RestartOnExit
	}
	if changed("restart-delay") {
		p.RestartDelay = runsh.Seconds(f.RestartDelay)
	}
	if changed("start-delay") {
		p.StartDelay = runsh.Seconds(f.StartDelay)
	}
	if changed("max-restarts") {
		if f.MaxRestarts < 0 {
			p.MaxRestarts = nil
		} else {
			n := f.MaxRestarts
			p.MaxRestarts = &n
		}
	}
	if changed("log-path") {
		p.LogPath = f.LogPath
	}
	if changed("enabled") {
		p.Enabled = f.Enabled
	}
	if p.Environment == nil {
		p.Environment = make(map[string]string)
	}
	for _, kv := range f.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("--env %q is not KEY=VALUE", kv)
		}
		p.Environment[k] = v
	}
	for _, k := range f.UnsetEnv {
		delete(p.Environment, k)
	}
	return nil
}
