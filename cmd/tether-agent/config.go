// ABOUTME: Configuration loading for tether-agent
// ABOUTME: Loads TOML config from the user config dir with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/tether/internal/collect"
	"github.com/2389/tether/internal/executor"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/runner"
)

// EnvConfigPath overrides the agent config location.
const EnvConfigPath = "TETHER_AGENT_CONFIG"

type Config struct {
	Hub       HubConfig       `toml:"hub"`
	Agent     AgentConfig     `toml:"agent"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Logging   LoggingConfig   `toml:"logging"`
}

type HubConfig struct {
	URL           string `toml:"url"`
	MaxFrameBytes int64  `toml:"max_frame_bytes"`
}

type AgentConfig struct {
	// ID pins the identity. Left empty, one is allocated and kept in IDFile.
	ID             string   `toml:"id"`
	Name           string   `toml:"name"`
	IDFile         string   `toml:"id_file"`
	IdentityLog    string   `toml:"identity_log"`
	ReportMin      duration `toml:"report_min"`
	ReportMax      duration `toml:"report_max"`
	CommandTimeout duration `toml:"command_timeout"`
	DiskPath       string   `toml:"disk_path"`
}

type ReconnectConfig struct {
	InitialBackoff duration `toml:"initial_backoff"`
	MaxBackoff     duration `toml:"max_backoff"`
	Jitter         float64  `toml:"jitter"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// duration decodes TOML strings such as "5s" or "2m30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML config content, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file: explicit path, then $TETHER_AGENT_CONFIG,
// then tether/agent.toml under the user config directory.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "agent.toml"
	}
	return filepath.Join(dir, "tether", "agent.toml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	stateDir := defaultStateDir()
	if c.Agent.IDFile == "" {
		c.Agent.IDFile = filepath.Join(stateDir, "agent-id")
	}
	if c.Agent.IdentityLog == "" {
		c.Agent.IdentityLog = filepath.Join(stateDir, "identities.log")
	}
	if c.Agent.ReportMin.Duration == 0 {
		c.Agent.ReportMin.Duration = runner.DefaultReportMin
	}
	if c.Agent.ReportMax.Duration == 0 {
		c.Agent.ReportMax.Duration = max(runner.DefaultReportMax, c.Agent.ReportMin.Duration)
	}
	if c.Agent.CommandTimeout.Duration == 0 {
		c.Agent.CommandTimeout.Duration = executor.DefaultTimeout
	}
	if c.Agent.DiskPath == "" {
		c.Agent.DiskPath = collect.DefaultDiskPath()
	}
	if c.Reconnect.InitialBackoff.Duration == 0 {
		c.Reconnect.InitialBackoff.Duration = runner.DefaultInitialBackoff
	}
	if c.Reconnect.MaxBackoff.Duration == 0 {
		c.Reconnect.MaxBackoff.Duration = max(runner.DefaultMaxBackoff, c.Reconnect.InitialBackoff.Duration)
	}
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = runner.DefaultJitter
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "tether")
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Hub.URL == "" {
		return fmt.Errorf("hub.url is required")
	}
	u, err := url.Parse(c.Hub.URL)
	if err != nil {
		return fmt.Errorf("hub.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hub.url must use ws or wss scheme")
	}
	if c.Agent.ID != "" && !identity.Valid(c.Agent.ID) {
		return fmt.Errorf("agent.id %q: %w", c.Agent.ID, identity.ErrInvalidFormat)
	}
	if c.Agent.ReportMin.Duration < 0 || c.Agent.ReportMax.Duration < c.Agent.ReportMin.Duration {
		return fmt.Errorf("agent.report_max must not be less than agent.report_min")
	}
	if c.Agent.CommandTimeout.Duration < 0 {
		return fmt.Errorf("agent.command_timeout must be positive")
	}
	if c.Reconnect.MaxBackoff.Duration < c.Reconnect.InitialBackoff.Duration {
		return fmt.Errorf("reconnect.max_backoff must not be less than reconnect.initial_backoff")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be in [0, 1)")
	}
	if c.Hub.MaxFrameBytes < 0 {
		return fmt.Errorf("hub.max_frame_bytes must not be negative")
	}
	return nil
}

// RunnerConfig converts the file settings for one identity.
func (c *Config) RunnerConfig(id identity.Identity) runner.Config {
	return runner.Config{
		HubURL:         c.Hub.URL,
		ID:             id,
		Name:           c.Agent.Name,
		ReportMin:      c.Agent.ReportMin.Duration,
		ReportMax:      c.Agent.ReportMax.Duration,
		InitialBackoff: c.Reconnect.InitialBackoff.Duration,
		MaxBackoff:     c.Reconnect.MaxBackoff.Duration,
		Jitter:         c.Reconnect.Jitter,
		MaxFrameBytes:  c.Hub.MaxFrameBytes,
	}
}
