package grpc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	logCfg := config.DefaultLoggingConfig()
	logCfg.Level = "error"
	log, err := logger.New(logCfg)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func dialSocket(t *testing.T, path string) *grpc.ClientConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, path,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestNewServer(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")

	server, err := NewServer(socketPath, ServerConfigFrom(config.DefaultGRPCConfig()), testLogger(t))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if server.SocketPath() != socketPath {
		t.Errorf("Expected socket path %s, got %s", socketPath, server.SocketPath())
	}
	if server.IsServing() {
		t.Error("Expected IsServing to be false before Start")
	}
}

func TestNewServerRequiresPath(t *testing.T) {
	_, err := NewServer("", ServerConfig{}, testLogger(t))
	if !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Fatalf("Expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestServerStartStop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server, err := NewServer(socketPath, ServerConfig{ShutdownTimeout: time.Second}, testLogger(t))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if !server.IsServing() {
		t.Error("Expected IsServing after Start")
	}
	if err := server.Start(context.Background()); !types.IsErrCode(err, types.ErrCodeInvalid) {
		t.Errorf("Expected second Start to fail with INVALID, got %v", err)
	}

	fi, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("Socket file missing: %v", err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		t.Errorf("Expected a socket, got mode %v", fi.Mode())
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
	if server.IsServing() {
		t.Error("Expected IsServing to be false after Stop")
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("Expected socket file removed, stat err = %v", err)
	}
	if err := server.Stop(); !types.IsErrCode(err, types.ErrCodeInvalid) {
		t.Errorf("Expected second Stop to fail with INVALID, got %v", err)
	}
	if err := server.Start(context.Background()); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("Expected Start after Stop to fail with UNAVAILABLE, got %v", err)
	}
}

func TestServerRemovesExistingSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	if err := os.WriteFile(socketPath, []byte("stale"), 0o600); err != nil {
		t.Fatalf("Failed to create stale file: %v", err)
	}

	server, err := NewServer(socketPath, ServerConfig{}, testLogger(t))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server over stale file: %v", err)
	}
	_ = server.Stop()
}

func TestServerRefusesDirectoryAtSocketPath(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	if err := os.Mkdir(socketPath, 0o700); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	if _, err := NewServer(socketPath, ServerConfig{}, testLogger(t)); err == nil {
		t.Fatal("Expected NewServer to refuse a directory at the socket path")
	}
}

func TestServerCountsRPCs(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server, err := NewServer(socketPath, ServerConfig{}, testLogger(t))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	health, err := NewHealthServer(HealthServerConfig{}, testLogger(t))
	if err != nil {
		t.Fatalf("Failed to create health server: %v", err)
	}
	if err := server.RegisterService(&grpc_health_v1.Health_ServiceDesc, health); err != nil {
		t.Fatalf("Failed to register health: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	conn := dialSocket(t, socketPath)
	hc := grpc_health_v1.NewHealthClient(conn)

	const clients = 5
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := hc.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
			if err != nil {
				t.Errorf("Health check failed: %v", err)
				return
			}
			if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
				t.Errorf("Expected SERVING, got %v", resp.Status)
			}
		}()
	}
	wg.Wait()

	if got := server.Stats().TotalRPCs; got != clients {
		t.Errorf("Expected %d RPCs, got %d", clients, got)
	}
}
