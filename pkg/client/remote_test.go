package client_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/client"
	grpcpkg "github.com/baaaht/pktrelay/pkg/grpc"
	"github.com/baaaht/pktrelay/pkg/ipc"
)

var (
	_ client.Transport = (*client.Local)(nil)
	_ client.Transport = (*grpcpkg.Client)(nil)
)

func TestSessionOverDaemonSocket(t *testing.T) {
	log, err := logger.NewWithWriter(os.Stderr, "text", logger.LevelError)
	require.NoError(t, err)

	broker, err := ipc.New(config.DefaultRelayConfig(), log)
	require.NoError(t, err)

	grpcCfg := config.DefaultGRPCConfig()
	grpcCfg.SocketPath = filepath.Join(t.TempDir(), "c.sock")
	grpcCfg.ShutdownTimeout = 2 * time.Second
	daemon, err := grpcpkg.Bootstrap(context.Background(), grpcpkg.NewDefaultBootstrapConfig(grpcCfg, broker, log))
	require.NoError(t, err)

	remote, err := grpcpkg.NewClient(grpcCfg.SocketPath, grpcpkg.ClientConfig{}, log)
	require.NoError(t, err)
	require.NoError(t, remote.Dial(context.Background()))

	t.Cleanup(func() {
		_ = remote.Close()
		_ = daemon.Shutdown()
		_ = broker.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// One side local, one side remote, sharing the same broker.
	local := client.NewLocal(broker)
	sender, err := client.Open(ctx, local, 100, client.Options{})
	require.NoError(t, err)
	receiver, err := client.Open(ctx, remote, 200, client.Options{InitialRecvPayload: 2, WaitTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := sender.SendMessage(ctx, 200, []byte("hello over the socket"))
		require.NoError(t, err)
	}
	for want := uint32(1); want <= 5; want++ {
		pkt, err := receiver.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, pkt.Sequence)
		assert.Equal(t, "hello over the socket", string(pkt.Payload()))
	}

	require.NoError(t, receiver.Close(ctx))
	require.NoError(t, sender.Close(ctx))
	assert.Eventually(t, func() bool { return broker.Stats().Sessions == 0 }, 2*time.Second, 10*time.Millisecond)
}
