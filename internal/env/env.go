package env

import (
	"os"
	"sort"
	"strings"
)

// Var is a set of environment variables keyed by name.
type Var map[string]string

// Env composes child environments in three layers: the supervisor's own
// environment, then global variables, then a service's variables.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromMap returns an Env whose global layer is a copy of vars.
func FromMap(vars map[string]string) *Env {
	e := New()
	for k, v := range vars {
		e.Set(k, v)
	}
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = Parse(os.Environ())
}

// WithBase replaces the cached base layer. Tests use it to avoid depending on
// the real process environment.
func (e *Env) WithBase(kv []string) *Env {
	e.env = Parse(kv)
	return e
}

// Set sets a global variable K=V. Empty keys are ignored.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge returns the final "K=V" list for a child process. Later layers win:
// base (OS env), then e.Var, then perProc. The result is sorted by key.
func (e *Env) Merge(perProc map[string]string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for _, layer := range []Var{e.env, e.Var, Var(perProc)} {
		for k, v := range layer {
			if k == "" {
				continue
			}
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// Parse converts a "K=V" list into a Var, skipping malformed entries.
func Parse(kv []string) Var {
	m := make(Var, len(kv))
	for _, item := range kv {
		i := strings.IndexByte(item, '=')
		if i <= 0 {
			continue
		}
		m[item[:i]] = item[i+1:]
	}
	return m
}
