package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/types"
)

// Server is a gRPC server listening on a Unix domain socket
type Server struct {
	path            string
	listener        net.Listener
	server          *grpc.Server
	logger          *logger.Logger
	mu              sync.RWMutex
	closed          bool
	started         bool
	wg              sync.WaitGroup
	shutdownTimeout time.Duration
	maxRecvMsgSize  int
	maxSendMsgSize  int
	startTime       time.Time
	totalRPCs       atomic.Int64
}

// ServerStats represents server statistics
type ServerStats struct {
	StartTime time.Time `json:"start_time"`
	TotalRPCs int64     `json:"total_rpcs"`
	IsServing bool      `json:"is_serving"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	MaxRecvMsgSize  int
	MaxSendMsgSize  int
	ShutdownTimeout time.Duration
	Interceptors    []grpc.ServerOption
}

// ServerConfigFrom derives the server settings from the daemon configuration
func ServerConfigFrom(cfg config.GRPCConfig) ServerConfig {
	return ServerConfig{
		MaxRecvMsgSize:  cfg.MaxRecvMsgSize,
		MaxSendMsgSize:  cfg.MaxSendMsgSize,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

// NewServer creates a new gRPC server bound to path. A stale socket or
// regular file at path is removed; any other file type is an error.
func NewServer(path string, cfg ServerConfig, log *logger.Logger) (*Server, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket path is required")
	}

	maxRecvSize := cfg.MaxRecvMsgSize
	if maxRecvSize <= 0 {
		maxRecvSize = config.DefaultGRPCMaxMsgSize
	}
	maxSendSize := cfg.MaxSendMsgSize
	if maxSendSize <= 0 {
		maxSendSize = config.DefaultGRPCMaxMsgSize
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = config.DefaultGRPCShutdownTimeout
	}

	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}

	s := &Server{
		path:            path,
		logger:          log.With("component", "grpc_server", "socket_path", path),
		shutdownTimeout: shutdownTimeout,
		maxRecvMsgSize:  maxRecvSize,
		maxSendMsgSize:  maxSendSize,
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.maxRecvMsgSize),
		grpc.MaxSendMsgSize(s.maxSendMsgSize),
		grpc.Creds(insecure.NewCredentials()),
		grpc.ChainUnaryInterceptor(s.countUnary),
		grpc.ChainStreamInterceptor(s.countStream),
	}
	opts = append(opts, cfg.Interceptors...)
	s.server = grpc.NewServer(opts...)

	s.logger.Info("gRPC server initialized",
		"max_recv_msg_size", s.maxRecvMsgSize,
		"max_send_msg_size", s.maxSendMsgSize,
		"shutdown_timeout", s.shutdownTimeout.String())

	return s, nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.WrapError(types.ErrCodeInternal, "failed to stat existing path at socket path", err)
	}

	mode := fi.Mode()
	if mode&os.ModeSocket == 0 && !mode.IsRegular() {
		return types.NewError(types.ErrCodeInternal,
			fmt.Sprintf("existing path at socket path is of unsafe type %v; refusing to remove", mode))
	}
	if err := os.Remove(path); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to remove existing file at socket path", err)
	}
	return nil
}

func (s *Server) countUnary(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	s.totalRPCs.Add(1)
	return handler(ctx, req)
}

func (s *Server) countStream(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	s.totalRPCs.Add(1)
	return handler(srv, ss)
}

// Start listens on the socket and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "server already started")
	}
	s.started = true
	s.mu.Unlock()

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", s.path)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return types.WrapError(types.ErrCodeInternal, "failed to listen on socket", err)
	}

	// Any local user may attach; identities are trusted as supplied.
	if err := os.Chmod(s.path, 0o666); err != nil {
		_ = listener.Close()
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return types.WrapError(types.ErrCodeInternal, "failed to set socket permissions", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.startTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("gRPC server listening")

	s.wg.Add(1)
	go s.serve(listener)
	return nil
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if !closed {
			s.logger.Error("gRPC server error", "error", err)
		}
	}
}

// RegisterService registers a gRPC service with the server
func (s *Server) RegisterService(sd *grpc.ServiceDesc, impl any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}

	s.server.RegisterService(sd, impl)
	s.logger.Debug("Service registered", "service", sd.ServiceName)
	return nil
}

// GetServer returns the underlying grpc.Server for direct use
func (s *Server) GetServer() *grpc.Server {
	return s.server
}

// Stop gracefully stops the server, forcing it down after the shutdown
// timeout, and removes the socket file.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "server already closed")
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.logger.Info("Stopping gRPC server")

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("gRPC server shutdown timeout, stopping immediately")
		s.server.Stop()
		<-done
	}

	s.wg.Wait()

	if started {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove socket file", "error", err)
		}
	}

	s.logger.Info("gRPC server closed")
	return nil
}

// Stats returns the current server statistics
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStats{
		StartTime: s.startTime,
		TotalRPCs: s.totalRPCs.Load(),
		IsServing: s.listener != nil && !s.closed,
	}
}

// IsServing returns true if the server is currently serving
func (s *Server) IsServing() bool {
	return s.Stats().IsServing
}

// SocketPath returns the Unix socket path the server listens on
func (s *Server) SocketPath() string {
	return s.path
}

// String returns a string representation of the server
func (s *Server) String() string {
	stats := s.Stats()
	return fmt.Sprintf("Server{Path: %s, IsServing: %v, StartTime: %v, RPCs: %d}",
		s.path, stats.IsServing, stats.StartTime, stats.TotalRPCs)
}
