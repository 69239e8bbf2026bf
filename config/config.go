// Package config loads the voice client configuration: built-in defaults,
// then an optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	voice "github.com/bt-bridge/pacer-voice"
	"github.com/bt-bridge/pacer-voice/api"
	"github.com/bt-bridge/pacer-voice/shared"
	"github.com/goccy/go-yaml"
)

// Environment variable keys
const (
	EnvAPIBaseURL  = "PACER_API_BASE_URL"
	EnvAPIToken    = "PACER_API_TOKEN"
	EnvLogFile     = "PACER_LOG_FILE"
	EnvMetricsAddr = "PACER_METRICS_ADDR"
)

type Config struct {
	API        api.Config           `yaml:"api"`
	Session    voice.SessionConfig  `yaml:"session"`
	UserName   string               `yaml:"user_name"`
	Gate       voice.GateConfig     `yaml:"gate"`
	Capture    voice.CaptureConfig  `yaml:"capture"`
	Playback   voice.PlaybackConfig `yaml:"playback"`
	Supervisor Supervisor           `yaml:"supervisor"`
	Log        Log                  `yaml:"log"`
	Metrics    Metrics              `yaml:"metrics"`
}

type Supervisor struct {
	Debounce          time.Duration         `yaml:"debounce"`
	Keepalive         time.Duration         `yaml:"keepalive"`
	WriteTimeout      time.Duration         `yaml:"write_timeout"`
	ConnectTimeout    time.Duration         `yaml:"connect_timeout"`
	RestartDelay      time.Duration         `yaml:"restart_delay"`
	ResponseDelay     time.Duration         `yaml:"response_delay"`
	DrainTimeout      time.Duration         `yaml:"drain_timeout"`
	PersistTimeout    time.Duration         `yaml:"persist_timeout"`
	RecoverableRepeat int                   `yaml:"recoverable_repeat"`
	Reconnect         voice.ReconnectPolicy `yaml:"reconnect"`
}

type Log struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type Metrics struct {
	// Addr is the listen address of the Prometheus endpoint; empty disables it.
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

func Default() Config {
	opts := voice.DefaultOptions()
	return Config{
		API:      api.Config{Timeout: 15 * time.Second},
		Session:  opts.Session,
		UserName: opts.UserName,
		Gate:     opts.Gate,
		Capture:  opts.Capture,
		Playback: opts.Playback,
		Supervisor: Supervisor{
			Debounce:          opts.Protocol.Debounce,
			Keepalive:         opts.Protocol.Keepalive,
			WriteTimeout:      opts.Protocol.WriteTimeout,
			ConnectTimeout:    opts.ConnectTimeout,
			RestartDelay:      opts.RestartDelay,
			ResponseDelay:     opts.ResponseDelay,
			DrainTimeout:      opts.DrainTimeout,
			PersistTimeout:    opts.PersistTimeout,
			RecoverableRepeat: opts.RecoverableRepeat,
			Reconnect:         opts.Reconnect,
		},
		Log: Log{
			File:       "cli/cli.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
		Metrics: Metrics{Path: "/metrics"},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	overrides := []struct {
		key string
		dst *string
	}{
		{EnvAPIBaseURL, &c.API.BaseURL},
		{EnvAPIToken, &c.API.AccessToken},
		{EnvLogFile, &c.Log.File},
		{EnvMetricsAddr, &c.Metrics.Addr},
	}
	for _, o := range overrides {
		v, err := shared.Getenv(shared.GetenvString, o.key, false, *o.dst)
		if err != nil {
			return err
		}
		*o.dst = v
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.API.BaseURL != "", "api.base_url is required")
	check(c.Session.Model != "", "session.model is required")
	check(c.Gate.Threshold > 0 && c.Gate.Threshold < 1, "gate.threshold must be in (0, 1), got %v", c.Gate.Threshold)
	check(c.Gate.SilenceFrames > 0, "gate.silence_frames must be positive")
	check(c.Gate.MaxTurn > 0, "gate.max_turn must be positive")
	check(c.Gate.MinCommitSamples > 0, "gate.min_commit_samples must be positive")
	check(c.Capture.TargetRate > 0, "capture.target_rate must be positive")
	check(c.Capture.NativeRate >= c.Capture.TargetRate, "capture.native_rate must not be below capture.target_rate")
	check(c.Capture.FrameSize > 0, "capture.frame_size must be positive")
	check(c.Capture.Buffer > 0, "capture.buffer must be positive")
	check(c.Playback.SampleRate > 0, "playback.sample_rate must be positive")
	check(c.Supervisor.Debounce >= 0, "supervisor.debounce must not be negative")
	check(c.Supervisor.Reconnect.MaxAttempts >= 0, "supervisor.reconnect.max_attempts must not be negative")
	check(c.Supervisor.Reconnect.MaxAttempts == 0 || c.Supervisor.Reconnect.Initial > 0,
		"supervisor.reconnect.initial must be positive when reconnecting")
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Options maps the configuration onto supervisor options. Collaborators
// (backend, dialer, devices, metrics) are left for the caller.
func (c *Config) Options() voice.Options {
	opts := voice.DefaultOptions()
	opts.Session = c.Session
	opts.UserName = c.UserName
	opts.Gate = c.Gate
	opts.Capture = c.Capture
	opts.Playback = c.Playback
	opts.Protocol.Debounce = c.Supervisor.Debounce
	opts.Protocol.Keepalive = c.Supervisor.Keepalive
	opts.Protocol.WriteTimeout = c.Supervisor.WriteTimeout
	opts.ConnectTimeout = c.Supervisor.ConnectTimeout
	opts.RestartDelay = c.Supervisor.RestartDelay
	opts.ResponseDelay = c.Supervisor.ResponseDelay
	opts.DrainTimeout = c.Supervisor.DrainTimeout
	opts.PersistTimeout = c.Supervisor.PersistTimeout
	opts.RecoverableRepeat = c.Supervisor.RecoverableRepeat
	opts.Reconnect = c.Supervisor.Reconnect
	return opts
}

// Dump renders the configuration as YAML with the access token masked.
func (c Config) Dump() ([]byte, error) {
	if c.API.AccessToken != "" {
		c.API.AccessToken = "***"
	}
	return yaml.Marshal(c)
}
