// Package config loads, validates and saves the portscribe configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portscribe/internal/db"
	"github.com/anstrom/portscribe/internal/errors"
	"github.com/anstrom/portscribe/internal/logging"
	"github.com/anstrom/portscribe/internal/scanning"
	"github.com/anstrom/portscribe/internal/sink"
)

// Config represents the complete configuration
type Config struct {
	// Daemon configuration
	Daemon DaemonConfig `yaml:"daemon" json:"daemon"`

	// Scanner configuration
	Scanner ScannerConfig `yaml:"scanner" json:"scanner"`

	// Where findings are recorded
	Sink sink.Config `yaml:"sink" json:"sink"`

	// Database configuration, used by the postgres sink
	Database db.Config `yaml:"database" json:"database"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Periodic rescans
	Schedule []ScheduledScan `yaml:"schedule" json:"schedule"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`
}

// DaemonConfig holds settings for the long-running serve mode
type DaemonConfig struct {
	// Grace period for an active scan on shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// PID file, empty to skip
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// How often to re-probe nmap, zero to probe only at startup
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
}

// ScannerConfig holds nmap settings
type ScannerConfig struct {
	// Path or name of the nmap executable
	Binary string `yaml:"binary" json:"binary"`

	// Directory for raw transcripts
	TranscriptDir string `yaml:"transcript_dir" json:"transcript_dir"`

	// Extension of transcript files
	TranscriptExtension string `yaml:"transcript_extension" json:"transcript_extension"`

	// Timeout of the availability probe
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`

	// Timeout for recording a finding
	SinkTimeout time.Duration `yaml:"sink_timeout" json:"sink_timeout"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	Host string `yaml:"host" json:"host"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// Maximum request body size in bytes
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`

	// Directory that POST /export writes into; empty disables the endpoint
	ExportDir string `yaml:"export_dir" json:"export_dir"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// ScheduledScan is a hostname rescanned on a cron schedule
type ScheduledScan struct {
	Name     string `yaml:"name" json:"name"`
	Cron     string `yaml:"cron" json:"cron"`
	Hostname string `yaml:"hostname" json:"hostname"`
	Token    string `yaml:"token" json:"token"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ShutdownTimeout: 10 * time.Second,
			ProbeInterval:   5 * time.Minute,
		},
		Scanner: ScannerConfig{
			Binary:              scanning.DefaultBinary,
			TranscriptDir:       ".",
			TranscriptExtension: scanning.DefaultTranscriptExtension,
			ProbeTimeout:        scanning.DefaultProbeTimeout,
			SinkTimeout:         scanning.DefaultSinkTimeout,
		},
		Sink:     sink.DefaultConfig(),
		Database: db.DefaultConfig(),
		API: APIConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           8080,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxRequestSize: 1024 * 1024, // 1MB
			ExportDir:      "exports",
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
			},
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// JSON is a subset of YAML, so one decoder serves both.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves configuration to a file as YAML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to create config directory", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to marshal config", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to write config file", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Daemon.ShutdownTimeout <= 0 {
		return errors.ErrConfigInvalid("daemon.shutdown_timeout", c.Daemon.ShutdownTimeout)
	}
	if c.Daemon.ProbeInterval < 0 {
		return errors.ErrConfigInvalid("daemon.probe_interval", c.Daemon.ProbeInterval)
	}

	if c.Scanner.Binary == "" {
		return errors.ErrConfigMissing("scanner.binary")
	}
	if c.Scanner.ProbeTimeout <= 0 {
		return errors.ErrConfigInvalid("scanner.probe_timeout", c.Scanner.ProbeTimeout)
	}
	if c.Scanner.SinkTimeout <= 0 {
		return errors.ErrConfigInvalid("scanner.sink_timeout", c.Scanner.SinkTimeout)
	}

	if err := c.validateSink(); err != nil {
		return err
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return errors.ErrConfigInvalid("api.port", c.API.Port)
		}
		if c.API.Host == "" {
			return errors.ErrConfigMissing("api.host")
		}
	}

	names := make(map[string]struct{}, len(c.Schedule))
	for i, s := range c.Schedule {
		field := fmt.Sprintf("schedule[%d]", i)
		if s.Name == "" {
			return errors.ErrConfigMissing(field + ".name")
		}
		if _, dup := names[s.Name]; dup {
			return errors.ErrConfigInvalid(field+".name", s.Name)
		}
		names[s.Name] = struct{}{}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return errors.ErrConfigInvalid(field+".cron", s.Cron)
		}
		if err := scanning.ValidateTarget(s.Hostname); err != nil {
			return errors.ErrConfigInvalid(field+".hostname", s.Hostname)
		}
	}

	switch c.Logging.Level {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case logging.FormatText, logging.FormatJSON:
	default:
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateSink() error {
	switch c.Sink.Type {
	case sink.TypeLog:
	case sink.TypeFile:
		if c.Sink.Path == "" {
			return errors.ErrConfigMissing("sink.path")
		}
		if c.Sink.Format != sink.FormatJSON && c.Sink.Format != sink.FormatYAML {
			return errors.ErrConfigInvalid("sink.format", c.Sink.Format)
		}
	case sink.TypePostgres:
		if c.Database.Host == "" {
			return errors.ErrConfigMissing("database.host")
		}
		if c.Database.Database == "" {
			return errors.ErrConfigMissing("database.database")
		}
		if c.Database.Username == "" {
			return errors.ErrConfigMissing("database.username")
		}
	default:
		return errors.ErrConfigInvalid("sink.type", c.Sink.Type)
	}
	return nil
}

// ToolConfig returns the scanner settings for scanning.NewTool.
func (c *Config) ToolConfig() scanning.ToolConfig {
	return scanning.ToolConfig{
		Binary:              c.Scanner.Binary,
		TranscriptDir:       c.Scanner.TranscriptDir,
		TranscriptExtension: c.Scanner.TranscriptExtension,
		ProbeTimeout:        c.Scanner.ProbeTimeout,
	}
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

// EnabledSchedules returns the schedule entries that are switched on.
func (c *Config) EnabledSchedules() []ScheduledScan {
	var out []ScheduledScan
	for _, s := range c.Schedule {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
