// ABOUTME: Configuration loading and parsing for tether-hub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "TETHER_CONFIG"

// Config represents the complete tether-hub configuration
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Tailscale TailscaleConfig         `yaml:"tailscale"`
	Database  DatabaseConfig          `yaml:"database"`
	Agents    AgentsConfig            `yaml:"agents"`
	Requests  RequestsConfig          `yaml:"requests"`
	Scripts   map[string]ScriptConfig `yaml:"scripts"`
	Logging   LoggingConfig           `yaml:"logging"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"` // serve on :443 with tailnet certs
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds command ledger configuration.
// An empty path disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent connection timing
type AgentsConfig struct {
	IdleTimeout      time.Duration `yaml:"-"`
	HandshakeTimeout time.Duration `yaml:"-"`
	ProbeAfter       time.Duration `yaml:"-"`
	EvictAfter       time.Duration `yaml:"-"`
	MonitorInterval  time.Duration `yaml:"-"`
	MaxFrameBytes    int64         `yaml:"max_frame_bytes"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw      string `yaml:"idle_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	ProbeAfterRaw       string `yaml:"probe_after"`
	EvictAfterRaw       string `yaml:"evict_after"`
	MonitorIntervalRaw  string `yaml:"monitor_interval"`
}

// RequestsConfig holds command correlation limits
type RequestsConfig struct {
	MaxAge        time.Duration `yaml:"-"`
	ResultTTL     time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	MaxRetained   int           `yaml:"max_retained"`

	MaxAgeRaw        string `yaml:"max_age"`
	ResultTTLRaw     string `yaml:"result_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// ScriptConfig is a named command with one variant per agent platform
type ScriptConfig struct {
	Linux   ScriptVariant `yaml:"linux"`
	Windows ScriptVariant `yaml:"windows"`
}

// ScriptVariant is the shell and script sent for one platform
type ScriptVariant struct {
	Shell  string `yaml:"shell"`
	Script string `yaml:"script"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default values applied when a field is left unset.
const (
	DefaultHTTPAddr         = "0.0.0.0:8080"
	DefaultIdleTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultProbeAfter       = 45 * time.Second
	DefaultEvictAfter       = 15 * time.Second
	DefaultMonitorInterval  = 5 * time.Second
	DefaultMaxFrameBytes    = 4 << 20
	DefaultMaxAge           = 10 * time.Minute
	DefaultResultTTL        = 15 * time.Minute
	DefaultSweepInterval    = 30 * time.Second
	DefaultMaxRetained      = 1024
)

// BuiltinScripts are available even when the config file names none.
func BuiltinScripts() map[string]ScriptConfig {
	return map[string]ScriptConfig{
		"sysinfo": {
			Linux: ScriptVariant{
				Shell:  "bash",
				Script: "uname -a; uptime; df -h /; free -m",
			},
			Windows: ScriptVariant{
				Shell:  "powershell",
				Script: "Get-ComputerInfo | Select-Object CsName,OsName,OsVersion,CsTotalPhysicalMemory | Format-List",
			},
		},
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration content.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file location: the explicit path if given,
// then $TETHER_CONFIG, then tether/hub.yaml under the user config directory.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "hub.yaml"
	}
	return filepath.Join(dir, "tether", "hub.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}

	a := &c.Agents
	setDuration(&a.IdleTimeout, DefaultIdleTimeout)
	setDuration(&a.HandshakeTimeout, DefaultHandshakeTimeout)
	setDuration(&a.ProbeAfter, DefaultProbeAfter)
	setDuration(&a.EvictAfter, DefaultEvictAfter)
	setDuration(&a.MonitorInterval, DefaultMonitorInterval)
	if a.MaxFrameBytes == 0 {
		a.MaxFrameBytes = DefaultMaxFrameBytes
	}

	r := &c.Requests
	setDuration(&r.MaxAge, DefaultMaxAge)
	setDuration(&r.ResultTTL, DefaultResultTTL)
	setDuration(&r.SweepInterval, DefaultSweepInterval)
	if r.MaxRetained == 0 {
		r.MaxRetained = DefaultMaxRetained
	}

	scripts := BuiltinScripts()
	for name, s := range c.Scripts {
		scripts[name] = s
	}
	c.Scripts = scripts

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	nonNegative := []struct {
		name string
		val  time.Duration
	}{
		{"agents.idle_timeout", c.Agents.IdleTimeout},
		{"agents.handshake_timeout", c.Agents.HandshakeTimeout},
		{"agents.probe_after", c.Agents.ProbeAfter},
		{"agents.evict_after", c.Agents.EvictAfter},
		{"agents.monitor_interval", c.Agents.MonitorInterval},
		{"requests.sweep_interval", c.Requests.SweepInterval},
	}
	for _, p := range nonNegative {
		if p.val < 0 {
			return fmt.Errorf("%s must not be negative, got %s", p.name, p.val)
		}
	}
	if c.Requests.MaxAge < 0 || c.Requests.ResultTTL < 0 {
		return errors.New("requests.max_age and requests.result_ttl must not be negative")
	}
	if c.Agents.MaxFrameBytes < 0 {
		return fmt.Errorf("agents.max_frame_bytes must not be negative, got %d", c.Agents.MaxFrameBytes)
	}
	if c.Requests.MaxRetained < 0 {
		return fmt.Errorf("requests.max_retained must not be negative, got %d", c.Requests.MaxRetained)
	}

	for name, s := range c.Scripts {
		if err := s.validate(); err != nil {
			return fmt.Errorf("scripts.%s: %w", name, err)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

func (s ScriptConfig) validate() error {
	if s.Linux.Shell == "" && s.Windows.Shell == "" {
		return errors.New("at least one of linux or windows must be set")
	}
	for platform, v := range map[string]ScriptVariant{"linux": s.Linux, "windows": s.Windows} {
		if v.Shell == "" && v.Script == "" {
			continue
		}
		if v.Shell == "" || v.Script == "" {
			return fmt.Errorf("%s needs both shell and script", platform)
		}
	}
	return nil
}

// Variant returns the script variant for an agent whose environment
// descriptor is osName. Windows hosts get the windows variant, all others
// the linux one.
func (s ScriptConfig) Variant(osName string) (ScriptVariant, bool) {
	v := s.Linux
	if strings.Contains(strings.ToLower(osName), "windows") {
		v = s.Windows
	}
	return v, v.Shell != "" && v.Script != ""
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"idle_timeout", cfg.Agents.IdleTimeoutRaw, &cfg.Agents.IdleTimeout},
		{"handshake_timeout", cfg.Agents.HandshakeTimeoutRaw, &cfg.Agents.HandshakeTimeout},
		{"probe_after", cfg.Agents.ProbeAfterRaw, &cfg.Agents.ProbeAfter},
		{"evict_after", cfg.Agents.EvictAfterRaw, &cfg.Agents.EvictAfter},
		{"monitor_interval", cfg.Agents.MonitorIntervalRaw, &cfg.Agents.MonitorInterval},
		{"max_age", cfg.Requests.MaxAgeRaw, &cfg.Requests.MaxAge},
		{"result_ttl", cfg.Requests.ResultTTLRaw, &cfg.Requests.ResultTTL},
		{"sweep_interval", cfg.Requests.SweepIntervalRaw, &cfg.Requests.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
