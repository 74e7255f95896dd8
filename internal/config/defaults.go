package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the pktrelay configuration directory
// Uses ~/.config/pktrelay/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "pktrelay"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel            = "PKTRELAY_LOG_LEVEL"
	EnvLogFormat           = "PKTRELAY_LOG_FORMAT"
	EnvLogOutput           = "PKTRELAY_LOG_OUTPUT"
	EnvRelayWorkers        = "PKTRELAY_RELAY_WORKERS"
	EnvRelayMaxPacketSize  = "PKTRELAY_MAX_PACKET_SIZE"
	EnvGRPCSocketPath      = "PKTRELAY_SOCKET_PATH"
	EnvGRPCTimeout         = "PKTRELAY_GRPC_TIMEOUT"
	EnvInitialRecvPayload  = "PKTRELAY_INITIAL_RECV_PAYLOAD"
	EnvMetricsEnabled      = "PKTRELAY_METRICS_ENABLED"
	EnvMetricsOTLPEndpoint = "PKTRELAY_OTLP_ENDPOINT"
)

const (
	// Default logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stdout"

	// Default relay settings
	DefaultRelayWorkers         = 4
	DefaultRelayShutdownTimeout = 10 * time.Second

	// Default gRPC settings
	DefaultGRPCSocketPath      = "/tmp/pktrelay.sock"
	DefaultGRPCMaxMsgSize      = 16 * 1024 * 1024 // 16 MB
	DefaultGRPCTimeout         = 30 * time.Second
	DefaultGRPCShutdownTimeout = 10 * time.Second

	// Default client settings
	DefaultInitialRecvPayload = 255
	DefaultClientWaitTimeout  = 5 * time.Second
	DefaultClientDialTimeout  = 10 * time.Second

	// Default metrics settings
	DefaultMetricsServiceName = "pktrelay"
	DefaultMetricsEnvironment = "local"
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultRelayConfig returns the default relay configuration
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Workers:         DefaultRelayWorkers,
		MaxPacketSize:   0,
		ShutdownTimeout: DefaultRelayShutdownTimeout,
	}
}

// DefaultGRPCConfig returns the default gRPC configuration
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		SocketPath:      DefaultGRPCSocketPath,
		MaxRecvMsgSize:  DefaultGRPCMaxMsgSize,
		MaxSendMsgSize:  DefaultGRPCMaxMsgSize,
		Timeout:         DefaultGRPCTimeout,
		ShutdownTimeout: DefaultGRPCShutdownTimeout,
		LogAllRequests:  false,
	}
}

// DefaultClientConfig returns the default client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		InitialRecvPayload: DefaultInitialRecvPayload,
		WaitTimeout:        DefaultClientWaitTimeout,
		DialTimeout:        DefaultClientDialTimeout,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:     false,
		ServiceName: DefaultMetricsServiceName,
		Environment: DefaultMetricsEnvironment,
	}
}
