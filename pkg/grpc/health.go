package grpc

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/types"
)

// HealthServer implements the gRPC health checking protocol
// See https://github.com/grpc/grpc/blob/master/doc/health-checking.md
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	logger   *logger.Logger
	mu       sync.RWMutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	watchers map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}
	shutdown bool
}

// HealthServerConfig contains health server configuration
type HealthServerConfig struct {
	// InitialStatuses maps service names to their initial health status
	InitialStatuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
}

// NewHealthServer creates a new health check server. The overall status
// (service "") starts as SERVING unless configured otherwise.
func NewHealthServer(cfg HealthServerConfig, log *logger.Logger) (*HealthServer, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	statuses := make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus, len(cfg.InitialStatuses)+1)
	for k, v := range cfg.InitialStatuses {
		statuses[k] = v
	}
	if _, exists := statuses[""]; !exists {
		statuses[""] = grpc_health_v1.HealthCheckResponse_SERVING
	}

	hs := &HealthServer{
		logger:   log.With("component", "health_server"),
		statuses: statuses,
		watchers: make(map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}),
	}

	hs.logger.Debug("Health server initialized", "services", len(statuses))
	return hs, nil
}

// Check implements the health check RPC
func (s *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	service := req.GetService()
	if s.shutdown {
		return &grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		}, nil
	}

	servingStatus, exists := s.statuses[service]
	if !exists {
		return nil, status.Error(codes.NotFound, "unknown service")
	}
	return &grpc_health_v1.HealthCheckResponse{Status: servingStatus}, nil
}

// Watch sends the current status of the service and then every change to it
// until the client goes away or the server shuts down.
func (s *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	service := req.GetService()
	updates := make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 1)

	s.mu.Lock()
	current := s.getStatus(service)
	shutdown := s.shutdown
	if !shutdown {
		if s.watchers[service] == nil {
			s.watchers[service] = make(map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{})
		}
		s.watchers[service][updates] = struct{}{}
	}
	s.mu.Unlock()

	defer s.removeWatcher(service, updates)

	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
		return err
	}
	if shutdown {
		return nil
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st}); err != nil {
				return err
			}
		}
	}
}

func (s *HealthServer) removeWatcher(service string, ch chan grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.watchers[service]; ok {
		if _, present := set[ch]; present {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(s.watchers, service)
		}
	}
}

// notify must be called with the lock held. A slow watcher only sees the
// latest status.
func (s *HealthServer) notify(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	for ch := range s.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// SetServingStatus sets the serving status of the given service
func (s *HealthServer) SetServingStatus(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	old := s.statuses[service]
	s.statuses[service] = st
	s.notify(service, st)

	if old != st {
		s.logger.Info("Health status updated",
			"service", service,
			"old_status", old.String(),
			"new_status", st.String())
	}
}

// Shutdown reports NOT_SERVING for every service from now on and ends
// all watches.
func (s *HealthServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.shutdown = true
	for service, set := range s.watchers {
		s.notify(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		for ch := range set {
			close(ch)
		}
		delete(s.watchers, service)
	}
	s.logger.Info("Health server shutdown")
}

// GetStatus returns the current serving status for a service.
// Unknown services report SERVICE_UNKNOWN.
func (s *HealthServer) GetStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStatus(service)
}

// getStatus must be called with the lock held
func (s *HealthServer) getStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	st, exists := s.statuses[service]
	if !exists {
		return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return st
}

// SetServing sets the service status to SERVING
func (s *HealthServer) SetServing(service string) {
	s.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetNotServing sets the service status to NOT_SERVING
func (s *HealthServer) SetNotServing(service string) {
	s.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// IsServing returns true if the service is currently SERVING
func (s *HealthServer) IsServing(service string) bool {
	return s.GetStatus(service) == grpc_health_v1.HealthCheckResponse_SERVING
}
