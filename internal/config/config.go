// Package config provides configuration parsing and validation for hostwatch.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/hostwatch/internal/logging"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Hosts    HostsConfig    `yaml:"hosts"`
	Probe    ProbeConfig    `yaml:"probe"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// AgentConfig contains logging settings.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	LogFile   string `yaml:"log_file"`   // empty logs to stderr
}

// HostsConfig locates the host file.
type HostsConfig struct {
	File     string        `yaml:"file"`
	Debounce time.Duration `yaml:"debounce"`
}

// ProbeConfig holds settings shared by every monitor.
type ProbeConfig struct {
	BindAddress string  `yaml:"bind_address"`
	StartRate   float64 `yaml:"start_rate"` // monitors per second, 0 = unlimited
	StartBurst  int     `yaml:"start_burst"`
}

// ShutdownConfig bounds how long termination may take.
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// HTTPConfig configures the status and metrics server.
type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Hosts: HostsConfig{
			File:     "./hosts.json",
			Debounce: 100 * time.Millisecond,
		},
		Probe: ProbeConfig{
			StartRate:  10,
			StartBurst: 10,
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled:      false,
			Address:      ":9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !logging.IsValidLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, error, or critical)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Hosts.File == "" {
		errs = append(errs, "hosts.file is required")
	}
	if c.Hosts.Debounce < 0 {
		errs = append(errs, "hosts.debounce must not be negative")
	}

	if c.Probe.BindAddress != "" && !isIPv4(c.Probe.BindAddress) {
		errs = append(errs, fmt.Sprintf("probe.bind_address: %s is not an IPv4 address", c.Probe.BindAddress))
	}
	if c.Probe.StartRate < 0 {
		errs = append(errs, "probe.start_rate must not be negative")
	}
	if c.Probe.StartRate > 0 && c.Probe.StartBurst < 1 {
		errs = append(errs, "probe.start_burst must be positive when start_rate is set")
	}

	if c.Shutdown.GracePeriod <= 0 {
		errs = append(errs, "shutdown.grace_period must be positive")
	}

	if c.HTTP.Enabled && c.HTTP.Address == "" {
		errs = append(errs, "http.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// String returns the effective configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
