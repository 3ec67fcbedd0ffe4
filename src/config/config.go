package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	API      APIConfig     `yaml:"api"`
	Proxy    ProxyConfig   `yaml:"proxy"`
	Capture  CaptureConfig `yaml:"capture"`
	System   SystemConfig  `yaml:"system"`
	Replay   ReplayConfig  `yaml:"replay"`
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`
	Persist  PersistConfig `yaml:"persist"`
}

// APIConfig is the control API listener.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// ProxyConfig is the capture listener started by the control plane.
type ProxyConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AutoStart bool   `yaml:"auto_start"`
	MITM      bool   `yaml:"mitm"`

	// upstream TLS verification for proxied traffic
	InsecureUpstream bool `yaml:"insecure_upstream"`
}

// CaptureConfig controls the recorder and finalizer.
type CaptureConfig struct {
	MaxEntries      int      `yaml:"max_entries"`
	KeepBodies      bool     `yaml:"keep_bodies"`
	Targets         []string `yaml:"targets"`
	FinalizeWorkers int      `yaml:"finalize_workers"`
	FinalizeQueue   int      `yaml:"finalize_queue"`
	InlineLimit     int      `yaml:"inline_limit"`

	// per-direction in-memory buffer cap; larger bodies are stored truncated
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// SystemConfig bounds the OS helper processes (registry, certutil, networksetup...).
type SystemConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	CASubject      string        `yaml:"ca_subject"`
}

// ReplayConfig controls live re-execution of captured requests.
type ReplayConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Insecure bool          `yaml:"insecure"`
}

// PersistConfig is the optional metadata snapshot file.
type PersistConfig struct {
	File     string        `yaml:"file"`
	Interval time.Duration `yaml:"interval"`
}

// CLIOptions represents command-line overrides. Zero values mean "not set".
type CLIOptions struct {
	Listen     string
	ProxyHost  string
	ProxyPort  int
	DataDir    string
	MaxEntries int
	Targets    string
	NoBodies   bool
	AutoStart  bool
	LogLevel   string
	Persist    string
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		API:   APIConfig{Listen: "127.0.0.1:9090"},
		Proxy: ProxyConfig{Host: "127.0.0.1", Port: 8888, MITM: true},
		Capture: CaptureConfig{
			MaxEntries:      1000,
			KeepBodies:      true,
			FinalizeWorkers: 2,
			FinalizeQueue:   256,
			InlineLimit:     256 << 10,
			MaxBodyBytes:    64 << 20,
		},
		System: SystemConfig{
			CommandTimeout: 15 * time.Second,
			CASubject:      "HTTPCaptureBox Root CA",
		},
		Replay:   ReplayConfig{Timeout: 30 * time.Second},
		DataDir:  defaultDataDir(),
		LogLevel: "info",
		Persist:  PersistConfig{Interval: 5 * time.Second},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "httpcapturebox")
	}
	return "./capture-data"
}

// Load loads configuration from a YAML file (optional) and merges CLI options
func Load(configFile string, cli CLIOptions) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.apply(cli)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) apply(cli CLIOptions) {
	if cli.Listen != "" {
		c.API.Listen = cli.Listen
	}
	if cli.ProxyHost != "" {
		c.Proxy.Host = cli.ProxyHost
	}
	if cli.ProxyPort != 0 {
		c.Proxy.Port = cli.ProxyPort
	}
	if cli.DataDir != "" {
		c.DataDir = cli.DataDir
	}
	if cli.MaxEntries != 0 {
		c.Capture.MaxEntries = cli.MaxEntries
	}
	if cli.Targets != "" {
		c.Capture.Targets = SplitCSV(cli.Targets)
	}
	if cli.NoBodies {
		c.Capture.KeepBodies = false
	}
	if cli.AutoStart {
		c.Proxy.AutoStart = true
	}
	if cli.LogLevel != "" {
		c.LogLevel = cli.LogLevel
	}
	if cli.Persist != "" {
		c.Persist.File = cli.Persist
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d", c.Proxy.Port)
	}
	if c.Capture.MaxEntries < 1 {
		return fmt.Errorf("max_entries must be at least 1")
	}
	if c.Capture.FinalizeWorkers < 1 {
		return fmt.Errorf("finalize_workers must be at least 1")
	}
	if c.Capture.FinalizeQueue < 1 {
		return fmt.Errorf("finalize_queue must be at least 1")
	}
	if c.Capture.InlineLimit < 1 {
		return fmt.Errorf("inline_limit must be positive")
	}
	if c.Capture.MaxBodyBytes < 1 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.System.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}
	if c.Replay.Timeout <= 0 {
		return fmt.Errorf("replay timeout must be positive")
	}
	return nil
}

// CADir is where the MITM root certificate and key live.
func (c *Config) CADir() string { return filepath.Join(c.DataDir, "ca") }

// BodiesDir holds spill files named {id}_req.bin / {id}_resp.bin.
func (c *Config) BodiesDir() string { return filepath.Join(c.DataDir, "bodies") }

// SplitCSV splits comma-separated tokens trimming whitespace and skipping empties.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
