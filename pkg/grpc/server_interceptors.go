package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/baaaht/pktrelay/internal/logger"
)

// InterceptorConfig contains configuration for server interceptors
type InterceptorConfig struct {
	// LogAllRequests logs successful calls too, not just failures
	LogAllRequests bool
	// ExcludeMethods are never logged on success. Wait and Read are polled
	// by idle clients and would flood the log.
	ExcludeMethods []string
}

// DefaultInterceptorConfig returns default interceptor configuration
func DefaultInterceptorConfig() InterceptorConfig {
	return InterceptorConfig{
		ExcludeMethods: []string{
			Router_Wait_FullMethodName,
			Router_Read_FullMethodName,
		},
	}
}

type loggingConfig struct {
	logger  *logger.Logger
	logAll  bool
	exclude map[string]bool
}

func newLoggingConfig(log *logger.Logger, cfg InterceptorConfig) loggingConfig {
	exclude := make(map[string]bool, len(cfg.ExcludeMethods))
	for _, m := range cfg.ExcludeMethods {
		exclude[m] = true
	}
	return loggingConfig{
		logger:  log.With("component", "grpc_logging_interceptor"),
		logAll:  cfg.LogAllRequests,
		exclude: exclude,
	}
}

// NewLoggingInterceptors returns server options that log unary and stream
// calls and translate pktrelay errors into gRPC statuses.
func NewLoggingInterceptors(log *logger.Logger, cfg InterceptorConfig) []grpc.ServerOption {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil
		}
	}
	lc := newLoggingConfig(log, cfg)
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(lc)),
		grpc.ChainStreamInterceptor(loggingStreamInterceptor(lc)),
	}
}

func (c loggingConfig) done(kind, method string, start time.Time, err error) {
	duration := time.Since(start)
	if err != nil {
		st, _ := status.FromError(err)
		c.logger.Warn(kind+" failed",
			"method", method,
			"code", st.Code().String(),
			"message", st.Message(),
			"duration_ms", duration.Milliseconds())
		return
	}
	if c.logAll && !c.exclude[method] {
		c.logger.Debug(kind+" completed",
			"method", method,
			"duration_ms", duration.Milliseconds())
	}
}

func loggingUnaryInterceptor(cfg loggingConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = ToGRPCError(err)
		cfg.done("RPC", info.FullMethod, start, err)
		return resp, err
	}
}

func loggingStreamInterceptor(cfg loggingConfig) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		if cfg.logAll {
			cfg.logger.Debug("Stream started", "method", info.FullMethod)
		}
		err := ToGRPCError(handler(srv, stream))
		cfg.done("Stream", info.FullMethod, start, err)
		return err
	}
}
