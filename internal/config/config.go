// Package config manages FBSP service configuration using koanf/v2.
//
// Supports YAML files and environment variables.
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

	"github.com/firebird-butler/fbsp-go/internal/endpoint"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete service configuration.
type Config struct {
	Service ServiceConfig `koanf:"service"`
	Flow    FlowConfig    `koanf:"flow"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Pipes   []PipeConfig  `koanf:"pipes"`
}

// ServiceConfig identifies the service and where it listens.
type ServiceConfig struct {
	// Name is the agent name announced in the WELCOME greeting.
	Name string `koanf:"name"`

	// Version is the agent version announced in the WELCOME greeting.
	Version string `koanf:"version"`

	// Classification is the agent classification string (e.g.
	// "example/echo").
	Classification string `koanf:"classification"`

	// Endpoints are the transport endpoints the service binds its ROUTER
	// channel to (e.g. "tcp://*:5661", "inproc://echo").
	Endpoints []string `koanf:"endpoints"`
}

// FlowConfig holds the protocol flow-control tunables.
type FlowConfig struct {
	// ResumeTimeout bounds how long a session may stay suspended under
	// send backpressure before it is cancelled.
	ResumeTimeout time.Duration `koanf:"resume_timeout"`

	// BatchSize is the default data-pipe voucher granted per READY.
	BatchSize uint16 `koanf:"batch_size"`

	// PollTimeout bounds one container-loop poll.
	PollTimeout time.Duration `koanf:"poll_timeout"`

	// ProcessAllDeferred drains the whole deferred queue each loop tick
	// instead of one task per tick.
	ProcessAllDeferred bool `koanf:"process_all_deferred"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// PipeConfig describes a declarative data pipe the service serves or
// attaches to on startup.
type PipeConfig struct {
	// ID is the pipe identification negotiated in OPEN.
	ID string `koanf:"id"`

	// Stream is "input", "output" or "monitor".
	Stream string `koanf:"stream"`

	// Endpoint is the pipe channel's transport endpoint.
	Endpoint string `koanf:"endpoint"`

	// Mode is "bind" or "connect".
	Mode string `koanf:"mode"`

	// Format is the MIME data format (e.g. "text/plain;charset=utf-8").
	Format string `koanf:"format"`

	// BatchSize overrides flow.batch_size for this pipe when non-zero.
	BatchSize uint16 `koanf:"batch_size"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The
// flow defaults match the protocol's documented ones: a 10 s resume
// timeout for suspended sessions and a 1 s container poll.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "fbsp-service",
			Version:   "1.0",
			Endpoints: []string{"tcp://*:5661"},
		},
		Flow: FlowConfig{
			ResumeTimeout: 10 * time.Second,
			BatchSize:     50,
			PollTimeout:   1 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
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

// envPrefix is the environment variable prefix for service configuration.
// Variables are named FBSP_<section>_<key>, e.g., FBSP_METRICS_ADDR.
const envPrefix = "FBSP_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (FBSP_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	FBSP_SERVICE_NAME        -> service.name
//	FBSP_METRICS_ADDR        -> metrics.addr
//	FBSP_METRICS_PATH        -> metrics.path
//	FBSP_LOG_LEVEL           -> log.level
//	FBSP_LOG_FORMAT          -> log.format
//	FBSP_FLOW_RESUME_TIMEOUT -> flow.resume_timeout
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// FBSP_METRICS_ADDR -> metrics.addr (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms FBSP_METRICS_ADDR -> metrics.addr.
// Strips the FBSP_ prefix, lowercases, and replaces the first _ with .
// Later underscores are kept, so multi-word keys survive the section split:
// FBSP_FLOW_RESUME_TIMEOUT maps to flow.resume_timeout.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 2 {
		return parts[0] + "." + parts[1]
	}
	return s
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"service.name":        defaults.Service.Name,
		"service.version":     defaults.Service.Version,
		"service.endpoints":   defaults.Service.Endpoints,
		"flow.resume_timeout": defaults.Flow.ResumeTimeout.String(),
		"flow.batch_size":     defaults.Flow.BatchSize,
		"flow.poll_timeout":   defaults.Flow.PollTimeout.String(),
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
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
	// ErrEmptyServiceName indicates the announced service name is empty.
	ErrEmptyServiceName = errors.New("service.name must not be empty")

	// ErrNoEndpoints indicates the service has no endpoint to bind.
	ErrNoEndpoints = errors.New("service.endpoints must list at least one endpoint")

	// ErrInvalidResumeTimeout indicates the resume timeout is not positive.
	ErrInvalidResumeTimeout = errors.New("flow.resume_timeout must be > 0")

	// ErrInvalidBatchSize indicates the default pipe voucher is zero.
	ErrInvalidBatchSize = errors.New("flow.batch_size must be >= 1")

	// ErrInvalidPollTimeout indicates the loop poll timeout is not positive.
	ErrInvalidPollTimeout = errors.New("flow.poll_timeout must be > 0")

	// ErrInvalidPipeStream indicates a pipe has an unrecognized stream.
	ErrInvalidPipeStream = errors.New("pipe stream must be input, output or monitor")

	// ErrInvalidPipeMode indicates a pipe has an unrecognized mode.
	ErrInvalidPipeMode = errors.New("pipe mode must be bind or connect")

	// ErrEmptyPipeID indicates a pipe entry has no identification.
	ErrEmptyPipeID = errors.New("pipe id must not be empty")

	// ErrDuplicatePipeID indicates two pipe entries share an id.
	ErrDuplicatePipeID = errors.New("duplicate pipe id")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Service.Name == "" {
		return ErrEmptyServiceName
	}

	if len(cfg.Service.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	for i, ep := range cfg.Service.Endpoints {
		if _, err := endpoint.Parse(ep); err != nil {
			return fmt.Errorf("service.endpoints[%d]: %w", i, err)
		}
	}

	if cfg.Flow.ResumeTimeout <= 0 {
		return ErrInvalidResumeTimeout
	}
	if cfg.Flow.BatchSize < 1 {
		return ErrInvalidBatchSize
	}
	if cfg.Flow.PollTimeout <= 0 {
		return ErrInvalidPollTimeout
	}

	return validatePipes(cfg.Pipes)
}

// ValidPipeStreams lists the recognized pipe stream strings.
var ValidPipeStreams = map[string]bool{
	"input":   true,
	"output":  true,
	"monitor": true,
}

// ValidPipeModes lists the recognized pipe mode strings.
var ValidPipeModes = map[string]bool{
	"bind":    true,
	"connect": true,
}

// validatePipes checks each declarative pipe entry for correctness.
func validatePipes(pipes []PipeConfig) error {
	seen := make(map[string]struct{}, len(pipes))

	for i, pc := range pipes {
		if pc.ID == "" {
			return fmt.Errorf("pipes[%d]: %w", i, ErrEmptyPipeID)
		}

		if !ValidPipeStreams[pc.Stream] {
			return fmt.Errorf("pipes[%d] stream %q: %w", i, pc.Stream, ErrInvalidPipeStream)
		}

		if !ValidPipeModes[pc.Mode] {
			return fmt.Errorf("pipes[%d] mode %q: %w", i, pc.Mode, ErrInvalidPipeMode)
		}

		if _, err := endpoint.Parse(pc.Endpoint); err != nil {
			return fmt.Errorf("pipes[%d]: %w", i, err)
		}

		if _, dup := seen[pc.ID]; dup {
			return fmt.Errorf("pipes[%d] id %q: %w", i, pc.ID, ErrDuplicatePipeID)
		}
		seen[pc.ID] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
