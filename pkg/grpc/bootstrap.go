package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/ipc"
	"github.com/baaaht/pktrelay/pkg/types"
)

// DefaultVersion is the default version reported by the daemon
const DefaultVersion = "0.1.0"

// BootstrapResult contains the result of a gRPC bootstrap operation
type BootstrapResult struct {
	Server     *Server
	Health     *HealthServer
	Router     *RouterService
	StartedAt  time.Time
	Version    string
	SocketPath string
	Error      error
}

// BootstrapConfig contains configuration for the gRPC bootstrap process
type BootstrapConfig struct {
	Config            config.GRPCConfig
	Logger            *logger.Logger
	Broker            *ipc.Broker
	Version           string
	EnableHealthCheck bool
	// Optional interceptors to add to the gRPC server
	Interceptors []grpc.ServerOption
}

// NewDefaultBootstrapConfig creates a default gRPC bootstrap configuration
func NewDefaultBootstrapConfig(cfg config.GRPCConfig, broker *ipc.Broker, log *logger.Logger) BootstrapConfig {
	return BootstrapConfig{
		Config:            cfg,
		Logger:            log,
		Broker:            broker,
		Version:           DefaultVersion,
		EnableHealthCheck: true,
	}
}

// Bootstrap creates the gRPC server on the configured socket, registers
// the health and Router services and starts serving.
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*BootstrapResult, error) {
	startedAt := time.Now()
	result := &BootstrapResult{
		StartedAt:  startedAt,
		Version:    cfg.Version,
		SocketPath: cfg.Config.SocketPath,
	}
	fail := func(err error) (*BootstrapResult, error) {
		result.Error = err
		return result, err
	}

	log := cfg.Logger
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return fail(types.WrapError(types.ErrCodeInternal, "failed to create logger", err))
		}
	}
	if cfg.Broker == nil {
		return fail(types.NewError(types.ErrCodeInvalidArgument, "broker is required"))
	}

	icfg := DefaultInterceptorConfig()
	icfg.LogAllRequests = cfg.Config.LogAllRequests
	serverCfg := ServerConfigFrom(cfg.Config)
	serverCfg.Interceptors = append(NewLoggingInterceptors(log, icfg), cfg.Interceptors...)

	server, err := NewServer(cfg.Config.SocketPath, serverCfg, log)
	if err != nil {
		return fail(types.WrapError(types.ErrCodeInternal, "failed to create gRPC server", err))
	}
	result.Server = server

	health, err := NewHealthServer(HealthServerConfig{}, log)
	if err != nil {
		_ = server.Stop()
		return fail(types.WrapError(types.ErrCodeInternal, "failed to create health server", err))
	}
	result.Health = health
	if err := server.RegisterService(&grpc_health.Health_ServiceDesc, health); err != nil {
		_ = server.Stop()
		return fail(types.WrapError(types.ErrCodeInternal, "failed to register health service", err))
	}

	router, err := NewRouterService(cfg.Broker, PayloadCapacity(serverCfg.MaxSendMsgSize), log)
	if err != nil {
		_ = server.Stop()
		return fail(types.WrapError(types.ErrCodeInternal, "failed to create router service", err))
	}
	result.Router = router
	if err := server.RegisterService(&Router_ServiceDesc, router); err != nil {
		_ = server.Stop()
		return fail(types.WrapError(types.ErrCodeInternal, "failed to register router service", err))
	}
	health.SetServing(RouterServiceName)

	if err := server.Start(ctx); err != nil {
		_ = server.Stop()
		return fail(types.WrapError(types.ErrCodeInternal, "failed to start gRPC server", err))
	}

	if cfg.EnableHealthCheck {
		for _, service := range []string{"", RouterServiceName} {
			if st := health.GetStatus(service); st != grpc_health.HealthCheckResponse_SERVING {
				log.Error("gRPC service health check failed", "service", service, "status", st.String())
				result.Shutdown()
				return fail(types.NewError(types.ErrCodeInternal, "gRPC health check failed"))
			}
		}
	}

	log.Info("gRPC server bootstrapped successfully",
		"version", cfg.Version,
		"socket_path", cfg.Config.SocketPath,
		"duration", time.Since(startedAt))

	return result, nil
}

// Shutdown marks the services not serving, releases attached clients and
// stops the server.
func (r *BootstrapResult) Shutdown() error {
	if r == nil || r.Server == nil {
		return nil
	}
	if r.Health != nil {
		r.Health.Shutdown()
	}
	if r.Router != nil {
		r.Router.Shutdown()
	}
	return r.Server.Stop()
}

// WaitForReady waits for the gRPC server to be serving
func WaitForReady(ctx context.Context, server *Server, timeout time.Duration, checkInterval time.Duration) error {
	if server == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "gRPC server is nil")
	}
	if checkInterval == 0 {
		checkInterval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if server.IsServing() {
			return nil
		}
		select {
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeTimeout, "gRPC server not ready within timeout", ctx.Err())
		case <-ticker.C:
		}
	}
}

// String returns a string representation of the bootstrap result
func (r *BootstrapResult) String() string {
	if r.Error != nil {
		return fmt.Sprintf("GRPCBootstrapResult{version: %s, socket_path: %s, error: %v}",
			r.Version, r.SocketPath, r.Error)
	}
	return fmt.Sprintf("GRPCBootstrapResult{version: %s, socket_path: %s, started_at: %s, serving: %v}",
		r.Version, r.SocketPath, r.StartedAt.Format(time.RFC3339), r.Server != nil && r.Server.IsServing())
}

// IsSuccessful returns true if the bootstrap was successful
func (r *BootstrapResult) IsSuccessful() bool {
	return r.Error == nil && r.Server != nil && r.Server.IsServing()
}
