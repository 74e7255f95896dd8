package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/baaaht/pktrelay/pkg/types"
)

// Config represents the relay daemon and client configuration
type Config struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Relay   RelayConfig   `json:"relay" yaml:"relay"`
	GRPC    GRPCConfig    `json:"grpc" yaml:"grpc"`
	Client  ClientConfig  `json:"client" yaml:"client"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// RelayConfig contains packet routing configuration
type RelayConfig struct {
	// Workers is the size of the relay worker pool
	Workers int `json:"workers" yaml:"workers"`
	// MaxPacketSize caps the payload length of a written packet; 0 disables the cap
	MaxPacketSize int `json:"max_packet_size" yaml:"max_packet_size"`
	// ShutdownTimeout bounds how long Close waits for workers to drain
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// GRPCConfig contains the session transport configuration
type GRPCConfig struct {
	SocketPath      string        `json:"socket_path" yaml:"socket_path"`
	MaxRecvMsgSize  int           `json:"max_recv_msg_size" yaml:"max_recv_msg_size"`
	MaxSendMsgSize  int           `json:"max_send_msg_size" yaml:"max_send_msg_size"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogAllRequests  bool          `json:"log_all_requests" yaml:"log_all_requests"`
}

// ClientConfig contains client library configuration
type ClientConfig struct {
	// InitialRecvPayload is the payload room of the first receive buffer
	InitialRecvPayload int           `json:"initial_recv_payload" yaml:"initial_recv_payload"`
	WaitTimeout        time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
	DialTimeout        time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// MetricsConfig contains OpenTelemetry metrics configuration
type MetricsConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"service_name" yaml:"service_name"`
	Environment  string `json:"environment" yaml:"environment"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
}

// Default returns a configuration with every section at its default
func Default() *Config {
	return &Config{
		Logging: DefaultLoggingConfig(),
		Relay:   DefaultRelayConfig(),
		GRPC:    DefaultGRPCConfig(),
		Client:  DefaultClientConfig(),
		Metrics: DefaultMetricsConfig(),
	}
}

// applyDefaults fills zero-valued fields left unset by a YAML file
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = DefaultLogOutput
	}

	if cfg.Relay.Workers == 0 {
		cfg.Relay.Workers = DefaultRelayWorkers
	}
	if cfg.Relay.ShutdownTimeout == 0 {
		cfg.Relay.ShutdownTimeout = DefaultRelayShutdownTimeout
	}

	if cfg.GRPC.SocketPath == "" {
		cfg.GRPC.SocketPath = DefaultGRPCSocketPath
	}
	if cfg.GRPC.MaxRecvMsgSize == 0 {
		cfg.GRPC.MaxRecvMsgSize = DefaultGRPCMaxMsgSize
	}
	if cfg.GRPC.MaxSendMsgSize == 0 {
		cfg.GRPC.MaxSendMsgSize = DefaultGRPCMaxMsgSize
	}
	if cfg.GRPC.Timeout == 0 {
		cfg.GRPC.Timeout = DefaultGRPCTimeout
	}
	if cfg.GRPC.ShutdownTimeout == 0 {
		cfg.GRPC.ShutdownTimeout = DefaultGRPCShutdownTimeout
	}

	if cfg.Client.InitialRecvPayload == 0 {
		cfg.Client.InitialRecvPayload = DefaultInitialRecvPayload
	}
	if cfg.Client.WaitTimeout == 0 {
		cfg.Client.WaitTimeout = DefaultClientWaitTimeout
	}
	if cfg.Client.DialTimeout == 0 {
		cfg.Client.DialTimeout = DefaultClientDialTimeout
	}

	if cfg.Metrics.ServiceName == "" {
		cfg.Metrics.ServiceName = DefaultMetricsServiceName
	}
	if cfg.Metrics.Environment == "" {
		cfg.Metrics.Environment = DefaultMetricsEnvironment
	}
}

// applyEnvOverrides loads PKTRELAY_* environment variables over cfg
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvRelayWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvRelayWorkers, err)
		}
		cfg.Relay.Workers = n
	}
	if v := os.Getenv(EnvRelayMaxPacketSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvRelayMaxPacketSize, err)
		}
		cfg.Relay.MaxPacketSize = n
	}

	if v := os.Getenv(EnvGRPCSocketPath); v != "" {
		cfg.GRPC.SocketPath = v
	}
	if v := os.Getenv(EnvGRPCTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvGRPCTimeout, err)
		}
		cfg.GRPC.Timeout = d
	}

	if v := os.Getenv(EnvInitialRecvPayload); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvInitialRecvPayload, err)
		}
		cfg.Client.InitialRecvPayload = n
	}

	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvMetricsOTLPEndpoint); v != "" {
		cfg.Metrics.OTLPEndpoint = v
	}

	return nil
}

// Load builds the configuration from defaults, the YAML file at path (or the
// default config path when empty, if that file exists) and the environment.
func Load(path string) (*Config, error) {
	var cfg *Config

	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if configPath, err := GetDefaultConfigPath(); err == nil {
		if _, err := os.Stat(configPath); err == nil {
			loaded, err := LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Relay.Workers <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "relay workers must be positive")
	}
	if c.Relay.MaxPacketSize < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "relay max packet size cannot be negative")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "relay shutdown timeout must be positive")
	}

	if c.GRPC.SocketPath == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "grpc socket path cannot be empty")
	}
	if c.GRPC.MaxRecvMsgSize <= 0 || c.GRPC.MaxSendMsgSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "grpc message sizes must be positive")
	}
	if c.GRPC.Timeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "grpc timeout must be positive")
	}
	if c.GRPC.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "grpc shutdown timeout must be positive")
	}

	if c.Client.InitialRecvPayload < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client initial receive payload cannot be negative")
	}
	if c.Client.WaitTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client wait timeout must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.ServiceName == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "metrics service name cannot be empty")
	}

	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{%s, %s, %s, %s, %s}",
		c.Logging.String(),
		c.Relay.String(),
		c.GRPC.String(),
		c.Client.String(),
		c.Metrics.String(),
	)
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// This is used by the commands to apply flag values after loading from
// defaults, YAML file, and environment variables.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}

	if opts.RelayWorkers > 0 {
		c.Relay.Workers = opts.RelayWorkers
	}

	if opts.GRPCSocketPath != "" {
		c.GRPC.SocketPath = opts.GRPCSocketPath
	}
	if opts.GRPCTimeout != "" {
		if d, err := time.ParseDuration(opts.GRPCTimeout); err == nil {
			c.GRPC.Timeout = d
		}
	}

	if opts.MetricsOTLPEndpoint != "" {
		c.Metrics.Enabled = true
		c.Metrics.OTLPEndpoint = opts.MetricsOTLPEndpoint
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	LogLevel  string
	LogFormat string
	LogOutput string

	RelayWorkers int

	GRPCSocketPath string
	GRPCTimeout    string

	MetricsOTLPEndpoint string
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}",
		c.Level, c.Format, c.Output)
}

func (c RelayConfig) String() string {
	return fmt.Sprintf("RelayConfig{Workers: %d, MaxPacketSize: %d, ShutdownTimeout: %s}",
		c.Workers, c.MaxPacketSize, c.ShutdownTimeout)
}

func (c GRPCConfig) String() string {
	return fmt.Sprintf("GRPCConfig{SocketPath: %s, MaxRecvMsgSize: %d, MaxSendMsgSize: %d, Timeout: %s}",
		c.SocketPath, c.MaxRecvMsgSize, c.MaxSendMsgSize, c.Timeout)
}

func (c ClientConfig) String() string {
	return fmt.Sprintf("ClientConfig{InitialRecvPayload: %d, WaitTimeout: %s, DialTimeout: %s}",
		c.InitialRecvPayload, c.WaitTimeout, c.DialTimeout)
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %v, ServiceName: %s, OTLPEndpoint: %s}",
		c.Enabled, c.ServiceName, c.OTLPEndpoint)
}
