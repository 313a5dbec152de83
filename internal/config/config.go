// Package config loads the YAML configuration shared by every treenet
// process.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Network  NetworkConfig  `yaml:"network"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Admin    AdminConfig    `yaml:"admin"`
	Events   EventsConfig   `yaml:"events"`
	PerfData PerfDataConfig `yaml:"perfdata"`
	Log      LogConfig      `yaml:"log"`
}

type NodeConfig struct {
	// Host is the name this process advertises to its children.
	Host string `yaml:"host"`
	// ListenAddr is where children connect. Port 0 picks a free port.
	ListenAddr string `yaml:"listen_addr"`
	// DataDir receives topology snapshots. Empty disables them.
	DataDir string `yaml:"data_dir"`
}

type NetworkConfig struct {
	MaxFrameBytes    int           `yaml:"max_frame_bytes"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	Recovery         bool          `yaml:"recovery"`
	RecoveryAttempts int           `yaml:"recovery_attempts"`
	// ReconnectRate limits reconnection attempts per second. 0 is unlimited.
	ReconnectRate float64 `yaml:"reconnect_rate"`
	EventLogSize  int     `yaml:"event_log_size"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type PerfDataConfig struct {
	// ArchiveDir holds the badger archive. Empty keeps it in memory.
	ArchiveDir string `yaml:"archive_dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Config{
		Node: NodeConfig{
			Host:       host,
			ListenAddr: ":0",
		},
		Network: NetworkConfig{
			MaxFrameBytes:    64 << 20,
			DialTimeout:      10 * time.Second,
			ShutdownGrace:    5 * time.Second,
			AckTimeout:       30 * time.Second,
			Recovery:         true,
			RecoveryAttempts: 0,
			ReconnectRate:    0,
			EventLogSize:     1024,
		},
		Events: EventsConfig{
			SubjectPrefix: "treenet.events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r over the defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.Host == "" {
		errs = append(errs, errors.New("node.host is required"))
	}
	if strings.ContainsAny(c.Node.Host, "[]:") {
		errs = append(errs, fmt.Errorf("node.host %q may not contain ':', '[' or ']'", c.Node.Host))
	}
	if _, _, err := net.SplitHostPort(c.Node.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("node.listen_addr: %w", err))
	}
	if c.Network.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("network.max_frame_bytes must be positive"))
	}
	if c.Network.DialTimeout <= 0 {
		errs = append(errs, errors.New("network.dial_timeout must be positive"))
	}
	if c.Network.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("network.shutdown_grace must be positive"))
	}
	if c.Network.AckTimeout <= 0 {
		errs = append(errs, errors.New("network.ack_timeout must be positive"))
	}
	if c.Network.RecoveryAttempts < 0 {
		errs = append(errs, errors.New("network.recovery_attempts may not be negative"))
	}
	if c.Network.ReconnectRate < 0 {
		errs = append(errs, errors.New("network.reconnect_rate may not be negative"))
	}
	if c.Network.EventLogSize <= 0 {
		errs = append(errs, errors.New("network.event_log_size must be positive"))
	}
	if c.Events.NATSURL != "" && c.Events.SubjectPrefix == "" {
		errs = append(errs, errors.New("events.subject_prefix is required with events.nats_url"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

// Runtime is the process-wide context handed to constructors.
type Runtime struct {
	Config *Config
	Logger *slog.Logger
}

// NewRuntime builds the logger described by cfg, writing to w.
func NewRuntime(cfg *Config, w io.Writer) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &Runtime{Config: cfg, Logger: slog.New(h)}, nil
}

// Discard is a runtime with default configuration and a silent logger.
func Discard() *Runtime {
	return &Runtime{Config: DefaultConfig(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
