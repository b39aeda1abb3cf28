// Package config manages tinyportmapper's configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/tinyportmapper/internal/addr"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete tinyportmapper configuration (spec §6:
// "A configuration record containing: listen endpoint, remote endpoint,
// enable-TCP flag, enable-UDP flag, FwdType, ...").
type Config struct {
	Forward ForwardConfig `koanf:"forward"`
	Limits  LimitsConfig  `koanf:"limits"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// ForwardConfig describes the listen/remote pair and the translation
// applied between them.
type ForwardConfig struct {
	// Listen is the local endpoint accepting client traffic, e.g.
	// ":3322" or "127.0.0.1:3322".
	Listen string `koanf:"listen"`

	// Remote is the fixed endpoint traffic is forwarded to.
	Remote string `koanf:"remote"`

	// EnableTCP and EnableUDP select which protocols this listener
	// forwards. At least one must be true.
	EnableTCP bool `koanf:"enable_tcp"`
	EnableUDP bool `koanf:"enable_udp"`

	// FwdType is one of "normal", "4to6", "6to4" (spec §3, §6).
	FwdType string `koanf:"fwd_type"`

	// BufferSizeKB is the per-socket buffer size in KiB, bounded to
	// [10, 10240] (spec §6).
	BufferSizeKB int `koanf:"buffer_size_kb"`

	// Interface binds outbound sockets to a specific network device via
	// SO_BINDTODEVICE (Linux only, optional).
	Interface string `koanf:"interface"`

	// Fragment enables full-size (65,535-byte) UDP receive buffers
	// instead of the configured BufferSizeKB (spec §6 "UDP
	// fragmentation flag").
	Fragment bool `koanf:"fragment"`
}

// LimitsConfig holds the timeout, capacity, and eviction-sweep
// parameters shared by the TCP and UDP tables (spec §4.2, §4.3, §4.4,
// §6).
type LimitsConfig struct {
	// TCPTimeout and UDPTimeout are idle timeouts before a connection
	// or session is swept.
	TCPTimeout time.Duration `koanf:"tcp_timeout"`
	UDPTimeout time.Duration `koanf:"udp_timeout"`

	// MaxConnections bounds the combined TCP connection + UDP session
	// count (spec §5 "Resource caps").
	MaxConnections int `koanf:"max_connections"`

	// SweepRatio and SweepMin determine the per-sweep eviction quota:
	// quota = max(size/SweepRatio, SweepMin) (spec §4.2, §8).
	SweepRatio int `koanf:"sweep_ratio"`
	SweepMin   int `koanf:"sweep_min"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
	// StatsInterval is the cadence of the periodic statistics log line
	// (spec §6: "Periodic statistics line every 10 s").
	StatsInterval time.Duration `koanf:"stats_interval"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is one of the seven levels in spec §6:
	// never, fatal, error, warn, info, debug, trace.
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Derived accessors
// -------------------------------------------------------------------------

// ListenEndpoint parses Forward.Listen as an addr.Endpoint.
func (c Config) ListenEndpoint() (addr.Endpoint, error) {
	ep, err := addr.Parse(c.Forward.Listen)
	if err != nil {
		return addr.Endpoint{}, fmt.Errorf("forward.listen: %w", err)
	}
	return ep, nil
}

// RemoteEndpoint parses Forward.Remote as an addr.Endpoint.
func (c Config) RemoteEndpoint() (addr.Endpoint, error) {
	ep, err := addr.Parse(c.Forward.Remote)
	if err != nil {
		return addr.Endpoint{}, fmt.Errorf("forward.remote: %w", err)
	}
	return ep, nil
}

// FwdTypeValue parses Forward.FwdType.
func (c Config) FwdTypeValue() (addr.FwdType, error) {
	return addr.ParseFwdType(c.Forward.FwdType)
}

// BufferSizeBytes returns the per-socket buffer size in bytes.
func (c Config) BufferSizeBytes() int {
	return c.Forward.BufferSizeKB * 1024
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults
// (spec §6, §4.3, §4.4: 360s TCP / 180s UDP timeouts, 1/30 sweep ratio,
// minimum 1, 20,000 max connections).
func DefaultConfig() *Config {
	return &Config{
		Forward: ForwardConfig{
			EnableTCP:    true,
			EnableUDP:    false,
			FwdType:      "normal",
			BufferSizeKB: 16,
		},
		Limits: LimitsConfig{
			TCPTimeout:     360 * time.Second,
			UDPTimeout:     180 * time.Second,
			MaxConnections: 20000,
			SweepRatio:     30,
			SweepMin:       1,
		},
		Metrics: MetricsConfig{
			Addr:          ":9100",
			Path:          "/metrics",
			StatsInterval: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for tinyportmapper
// configuration. Variables are named TPM_<section>_<key>, e.g.
// TPM_FORWARD_LISTEN.
const envPrefix = "TPM_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (TPM_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file provider and loads defaults + environment only.
//
// Environment variable mapping:
//
//	TPM_FORWARD_LISTEN         -> forward.listen
//	TPM_FORWARD_REMOTE         -> forward.remote
//	TPM_FORWARD_ENABLE_TCP     -> forward.enable_tcp
//	TPM_LIMITS_MAX_CONNECTIONS -> limits.max_connections
//	TPM_LOG_LEVEL              -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms TPM_FORWARD_LISTEN -> forward.listen.
// Strips the TPM_ prefix, lowercases, and replaces _ with .
//
// Multi-word keys (e.g. enable_tcp) would split incorrectly under the
// naive rule, so knownEnvKeys lists the exact mapping for those instead
// of relying on the generic fallback.
func envKeyMapper(s string) string {
	if mapped, ok := knownEnvKeys[s]; ok {
		return mapped
	}
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// knownEnvKeys lists the environment variable names whose koanf key
// itself contains an underscore, so the generic "_ -> ." rule would
// otherwise split them at the wrong position.
var knownEnvKeys = map[string]string{
	envPrefix + "FORWARD_ENABLE_TCP":     "forward.enable_tcp",
	envPrefix + "FORWARD_ENABLE_UDP":     "forward.enable_udp",
	envPrefix + "FORWARD_FWD_TYPE":       "forward.fwd_type",
	envPrefix + "FORWARD_BUFFER_SIZE_KB": "forward.buffer_size_kb",
	envPrefix + "LIMITS_TCP_TIMEOUT":     "limits.tcp_timeout",
	envPrefix + "LIMITS_UDP_TIMEOUT":     "limits.udp_timeout",
	envPrefix + "LIMITS_MAX_CONNECTIONS": "limits.max_connections",
	envPrefix + "LIMITS_SWEEP_RATIO":     "limits.sweep_ratio",
	envPrefix + "LIMITS_SWEEP_MIN":       "limits.sweep_min",
	envPrefix + "METRICS_STATS_INTERVAL": "metrics.stats_interval",
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"forward.listen":         defaults.Forward.Listen,
		"forward.remote":         defaults.Forward.Remote,
		"forward.enable_tcp":     defaults.Forward.EnableTCP,
		"forward.enable_udp":     defaults.Forward.EnableUDP,
		"forward.fwd_type":       defaults.Forward.FwdType,
		"forward.buffer_size_kb": defaults.Forward.BufferSizeKB,
		"forward.interface":      defaults.Forward.Interface,
		"forward.fragment":       defaults.Forward.Fragment,
		"limits.tcp_timeout":     defaults.Limits.TCPTimeout.String(),
		"limits.udp_timeout":     defaults.Limits.UDPTimeout.String(),
		"limits.max_connections": defaults.Limits.MaxConnections,
		"limits.sweep_ratio":     defaults.Limits.SweepRatio,
		"limits.sweep_min":       defaults.Limits.SweepMin,
		"metrics.addr":           defaults.Metrics.Addr,
		"metrics.path":           defaults.Metrics.Path,
		"metrics.stats_interval": defaults.Metrics.StatsInterval.String(),
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyListen indicates the forward listen address is empty.
	ErrEmptyListen = errors.New("forward.listen must not be empty")

	// ErrEmptyRemote indicates the forward remote address is empty.
	ErrEmptyRemote = errors.New("forward.remote must not be empty")

	// ErrNoProtocolEnabled indicates neither TCP nor UDP forwarding is enabled.
	ErrNoProtocolEnabled = errors.New("at least one of forward.enable_tcp or forward.enable_udp must be true")

	// ErrInvalidBufferSize indicates the buffer size falls outside
	// spec §6's 10-10,240 KiB range.
	ErrInvalidBufferSize = errors.New("forward.buffer_size_kb must be between 10 and 10240")

	// ErrInvalidTCPTimeout indicates the TCP timeout is non-positive.
	ErrInvalidTCPTimeout = errors.New("limits.tcp_timeout must be > 0")

	// ErrInvalidUDPTimeout indicates the UDP timeout is non-positive.
	ErrInvalidUDPTimeout = errors.New("limits.udp_timeout must be > 0")

	// ErrInvalidMaxConnections indicates max_connections is non-positive.
	ErrInvalidMaxConnections = errors.New("limits.max_connections must be > 0")

	// ErrInvalidSweepRatio indicates the sweep ratio is non-positive.
	ErrInvalidSweepRatio = errors.New("limits.sweep_ratio must be > 0")

	// ErrInvalidSweepMin indicates the sweep minimum is negative.
	ErrInvalidSweepMin = errors.New("limits.sweep_min must be >= 0")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered (spec §7 "Configuration-fatal").
func Validate(cfg *Config) error {
	if cfg.Forward.Listen == "" {
		return ErrEmptyListen
	}
	if cfg.Forward.Remote == "" {
		return ErrEmptyRemote
	}
	if !cfg.Forward.EnableTCP && !cfg.Forward.EnableUDP {
		return ErrNoProtocolEnabled
	}
	if _, err := addr.ParseFwdType(cfg.Forward.FwdType); err != nil {
		return fmt.Errorf("forward.fwd_type: %w", err)
	}
	if cfg.Forward.BufferSizeKB < 10 || cfg.Forward.BufferSizeKB > 10240 {
		return ErrInvalidBufferSize
	}
	if _, err := cfg.ListenEndpoint(); err != nil {
		return err
	}
	if _, err := cfg.RemoteEndpoint(); err != nil {
		return err
	}

	if cfg.Limits.TCPTimeout <= 0 {
		return ErrInvalidTCPTimeout
	}
	if cfg.Limits.UDPTimeout <= 0 {
		return ErrInvalidUDPTimeout
	}
	if cfg.Limits.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	if cfg.Limits.SweepRatio <= 0 {
		return ErrInvalidSweepRatio
	}
	if cfg.Limits.SweepMin < 0 {
		return ErrInvalidSweepMin
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level, following the seven-level taxonomy in spec
// §6 (never, fatal, error, warn, info, debug, trace). slog has no
// native levels more severe than Error or more verbose than Debug, so
// never and fatal are given values above slog's Error and trace a value
// below slog's Debug, so a threshold comparison still orders them
// correctly.
//
// Recognized values (case-insensitive): never, fatal, error, warn,
// info, debug, trace. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "never":
		return slog.LevelError + 8
	case "fatal":
		return slog.LevelError + 4
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "trace":
		return slog.LevelDebug - 4
	default:
		return slog.LevelInfo
	}
}
