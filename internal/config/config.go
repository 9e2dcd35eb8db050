// Package config provides configuration loading for vertiportd.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/vertiport/internal/discovery"
	"github.com/marcus-qen/vertiport/internal/protocol"
)

// DefaultPath is where vertiportd looks for its config file.
const DefaultPath = "/etc/vertiport/config.yaml"

var ErrInvalidConfig = errors.New("invalid config")

// Config holds all vertiportd configuration.
type Config struct {
	// Listen address of the local status server (default "127.0.0.1:8502").
	ListenAddr string `yaml:"listen_addr"`

	// Device side
	DevicePort      int           `yaml:"device_port"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	ScanConcurrency int           `yaml:"scan_concurrency"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	IOTimeout       time.Duration `yaml:"io_timeout"`

	// LocalAddress pins the address whose /24 is scanned. Empty means detect.
	LocalAddress string `yaml:"local_address,omitempty"`
	// Device is a fixed controller host to connect to at startup.
	Device      string `yaml:"device,omitempty"`
	AutoConnect bool   `yaml:"auto_connect"`

	// LivenessSchedule is a cron expression or "@every <duration>". Empty
	// disables periodic liveness checks.
	LivenessSchedule string `yaml:"liveness_schedule,omitempty"`

	// OTLP gRPC endpoint for traces. Empty disables export.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:       "127.0.0.1:8502",
		DevicePort:       protocol.DefaultPort,
		ProbeTimeout:     protocol.DefaultTimeout,
		ScanConcurrency:  discovery.HostsPerSubnet,
		RetryInterval:    time.Second,
		IOTimeout:        protocol.DefaultTimeout,
		AutoConnect:      true,
		LivenessSchedule: "@every 30s",
		LogLevel:         "info",
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("VERTIPORT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("VERTIPORT_DEVICE_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: VERTIPORT_DEVICE_PORT: %w", ErrInvalidConfig, err)
		}
		cfg.DevicePort = n
	}
	if v := os.Getenv("VERTIPORT_SCAN_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: VERTIPORT_SCAN_CONCURRENCY: %w", ErrInvalidConfig, err)
		}
		cfg.ScanConcurrency = n
	}
	for env, dst := range map[string]*time.Duration{
		"VERTIPORT_PROBE_TIMEOUT":  &cfg.ProbeTimeout,
		"VERTIPORT_RETRY_INTERVAL": &cfg.RetryInterval,
		"VERTIPORT_IO_TIMEOUT":     &cfg.IOTimeout,
	} {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, env, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("VERTIPORT_LOCAL_ADDRESS"); v != "" {
		cfg.LocalAddress = v
	}
	if v := os.Getenv("VERTIPORT_DEVICE"); v != "" {
		cfg.Device = v
	}
	if v := os.Getenv("VERTIPORT_AUTO_CONNECT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: VERTIPORT_AUTO_CONNECT: %w", ErrInvalidConfig, err)
		}
		cfg.AutoConnect = b
	}
	if v, ok := os.LookupEnv("VERTIPORT_LIVENESS_SCHEDULE"); ok {
		cfg.LivenessSchedule = v
	}
	if v := os.Getenv("VERTIPORT_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("VERTIPORT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// Validate checks every field and joins all problems into one error.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if strings.TrimSpace(c.ListenAddr) == "" {
		add("listen_addr is required")
	}
	if c.DevicePort < 1 || c.DevicePort > 65535 {
		add("device_port %d outside 1-65535", c.DevicePort)
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout > 5*time.Second {
		add("probe_timeout %s outside (0, 5s]", c.ProbeTimeout)
	}
	if c.ScanConcurrency < 1 || c.ScanConcurrency > discovery.HostsPerSubnet {
		add("scan_concurrency %d outside 1-%d", c.ScanConcurrency, discovery.HostsPerSubnet)
	}
	if c.RetryInterval <= 0 {
		add("retry_interval must be positive")
	}
	if c.IOTimeout <= 0 {
		add("io_timeout must be positive")
	}
	if c.LocalAddress != "" && !protocol.IsValidAddress(c.LocalAddress) {
		add("local_address %q is not an IPv4 address", c.LocalAddress)
	}
	if c.Device != "" && !protocol.IsValidAddress(c.Device) {
		add("device %q is not an IPv4 address", c.Device)
	}
	if c.LivenessSchedule != "" {
		if _, err := cron.ParseStandard(c.LivenessSchedule); err != nil {
			add("liveness_schedule %q: %v", c.LivenessSchedule, err)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("log_level %q (want debug, info, warn or error)", c.LogLevel)
	}

	return errors.Join(errs...)
}

// Save writes the config as YAML with restrictive permissions, creating the
// directory if needed.
func (c Config) Save(path string) error {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
