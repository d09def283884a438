// Package config loads the supervisor's application settings: an optional
// TOML file layered under RUNSH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/runsh/internal/logger"
	"github.com/loykin/runsh/internal/runner"
)

// EnvPrefix prefixes every environment override, e.g. RUNSH_LOG_LEVEL.
const EnvPrefix = "RUNSH"

// DefaultDataDir holds profiles.json, logs/ and the lock file.
const DefaultDataDir = "~/.local/share/run_sh_manager"

// Config is the top-level TOML structure.
type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	Log        LogConfig        `mapstructure:"log"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	History    HistoryConfig    `mapstructure:"history"`

	// File is the config file actually read, empty when none was found.
	File string `mapstructure:"-"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type SupervisorConfig struct {
	Shell            string        `mapstructure:"shell"`
	TerminateTimeout time.Duration `mapstructure:"terminate_timeout"`
	InterruptTimeout time.Duration `mapstructure:"interrupt_timeout"`
	KillTimeout      time.Duration `mapstructure:"kill_timeout"`
	JoinTimeout      time.Duration `mapstructure:"join_timeout"`
	Env              []string      `mapstructure:"env"`       // KEY=VALUE, applied after env_files
	EnvFiles         []string      `mapstructure:"env_files"` // simple .env files
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
	Buffer  int      `mapstructure:"buffer"`
}

func setDefaults(v *viper.Viper) {
	ladder := runner.DefaultLadder()
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("supervisor.shell", "/bin/bash")
	v.SetDefault("supervisor.terminate_timeout", ladder.Terminate)
	v.SetDefault("supervisor.interrupt_timeout", ladder.Interrupt)
	v.SetDefault("supervisor.kill_timeout", ladder.Kill)
	v.SetDefault("supervisor.join_timeout", runner.DefaultJoinTimeout)
	v.SetDefault("supervisor.env", []string{})
	v.SetDefault("supervisor.env_files", []string{})
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("history.buffer", 256)
}

// Load reads path when given, otherwise runsh.toml from the user config
// directory when present, and applies RUNSH_* overrides on top.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("runsh")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "runsh"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.File = v.ConfigFileUsed()
	c.DataDir = expandHome(c.DataDir)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings that cannot be applied.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: data_dir is required")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	s := c.Supervisor
	if s.TerminateTimeout < 0 || s.InterruptTimeout < 0 || s.KillTimeout < 0 || s.JoinTimeout < 0 {
		return errors.New("config: supervisor timeouts cannot be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("config: metrics.listen is required when metrics are enabled")
	}
	return nil
}

// Logger maps the log section onto the logger package.
func (c Config) Logger() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		Color:      c.Log.Color,
		File:       expandHome(c.Log.File),
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// Ladder returns the configured termination ladder.
func (c Config) Ladder() runner.Ladder {
	return runner.Ladder{
		Terminate: c.Supervisor.TerminateTimeout,
		Interrupt: c.Supervisor.InterruptTimeout,
		Kill:      c.Supervisor.KillTimeout,
	}
}

// HistoryDSNs returns the configured sinks, defaulting to a SQLite database in
// the data dir when history is enabled without any DSN.
func (c Config) HistoryDSNs() []string {
	if !c.History.Enabled {
		return nil
	}
	if len(c.History.DSNs) == 0 {
		return []string{"sqlite://" + filepath.Join(c.DataDir, "history.db")}
	}
	return append([]string(nil), c.History.DSNs...)
}

// GlobalEnv merges env_files in order and then the env list; later entries win.
func (c Config) GlobalEnv() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range c.Supervisor.EnvFiles {
		pairs, err := loadEnvFile(expandHome(p))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Supervisor.Env {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return nil, fmt.Errorf("supervisor.env entry %q is not KEY=VALUE", kv)
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}

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
