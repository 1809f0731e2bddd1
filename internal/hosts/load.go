package hosts

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/hostwatch/internal/icmp"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid host configuration")

// Source returns the current host set.
type Source interface {
	Load() (HostSet, error)
}

// FileSource reads the host set from a file on every Load.
type FileSource struct {
	Path string
}

// Load implements Source.
func (f FileSource) Load() (HostSet, error) {
	return Load(f.Path)
}

// rawHost keeps pointers so a missing field can be told apart from zero.
type rawHost struct {
	Timeout     *float64 `yaml:"timeout" toml:"timeout"`
	MaxRTT      *float64 `yaml:"max_rtt" toml:"max_rtt"`
	SleepPeriod *float64 `yaml:"sleep_period" toml:"sleep_period"`
	PacketSize  *int     `yaml:"packet_size" toml:"packet_size"`
}

// Load reads and validates a host file. Files ending in .toml are TOML;
// anything else is parsed as YAML, which also accepts JSON.
func Load(path string) (HostSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes host file contents in the given format ("yaml", "json" or
// "toml").
func Parse(data []byte, format string) (HostSet, error) {
	raw := make(map[string]rawHost)

	switch strings.ToLower(format) {
	case "toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, fmt.Errorf("parse host file: %w", err)
		}
	case "yaml", "yml", "json", "":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse host file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported host file format %q", format)
	}

	return build(raw)
}

func build(raw map[string]rawHost) (HostSet, error) {
	set := make(HostSet, len(raw))
	var errs []string

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg, problems := convert(name, raw[name])
		if len(problems) > 0 {
			errs = append(errs, problems...)
			continue
		}
		set[name] = cfg
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w:\n  - %s", ErrInvalid, strings.Join(errs, "\n  - "))
	}
	return set, nil
}

func convert(name string, r rawHost) (HostConfig, []string) {
	var errs []string

	if strings.TrimSpace(name) == "" {
		return HostConfig{}, []string{"host name must not be empty"}
	}
	if strings.Contains(name, ":") {
		if ip := net.ParseIP(name); ip != nil {
			return HostConfig{}, []string{fmt.Sprintf("%s: IPv6 addresses are not supported", name)}
		}
		return HostConfig{}, []string{fmt.Sprintf("%s: invalid host name", name)}
	}
	cfg := HostConfig{PacketSizeBytes: DefaultPacketSize}

	switch {
	case r.Timeout == nil:
		errs = append(errs, fmt.Sprintf("%s: timeout is required", name))
	case *r.Timeout <= 0:
		errs = append(errs, fmt.Sprintf("%s: timeout must be positive", name))
	default:
		cfg.TimeoutMs = *r.Timeout
	}

	switch {
	case r.MaxRTT == nil:
		errs = append(errs, fmt.Sprintf("%s: max_rtt is required", name))
	case *r.MaxRTT <= 0:
		errs = append(errs, fmt.Sprintf("%s: max_rtt must be positive", name))
	default:
		cfg.MaxRttMs = *r.MaxRTT
	}

	switch {
	case r.SleepPeriod == nil:
		errs = append(errs, fmt.Sprintf("%s: sleep_period is required", name))
	case *r.SleepPeriod < 0:
		errs = append(errs, fmt.Sprintf("%s: sleep_period must not be negative", name))
	default:
		cfg.SleepPeriodSeconds = *r.SleepPeriod
	}

	if r.PacketSize != nil {
		if *r.PacketSize < 0 || *r.PacketSize > icmp.MaxPayload {
			errs = append(errs, fmt.Sprintf("%s: packet_size must be between 0 and %d", name, icmp.MaxPayload))
		} else {
			cfg.PacketSizeBytes = *r.PacketSize
		}
	}

	return cfg, errs
}
