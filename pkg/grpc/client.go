package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/ipc"
	"github.com/baaaht/pktrelay/pkg/types"
)

// Client talks to a pktrelay daemon over its Unix domain socket. It keeps
// one Attach stream open per session it created.
type Client struct {
	path           string
	conn           *grpc.ClientConn
	router         RouterClient
	logger         *logger.Logger
	mu             sync.RWMutex
	closed         bool
	dialTimeout    time.Duration
	rpcTimeout     time.Duration
	maxRecvMsgSize int
	maxSendMsgSize int
	dialOptions    []grpc.DialOption
	connectTime    time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	attached   map[types.ID]context.CancelFunc
	streams    sync.WaitGroup

	totalRPCs  atomic.Int64
	failedRPCs atomic.Int64
}

// ClientStats represents client statistics
type ClientStats struct {
	ConnectTime time.Time `json:"connect_time"`
	IsConnected bool      `json:"is_connected"`
	Sessions    int       `json:"sessions"`
	TotalRPCs   int64     `json:"total_rpcs"`
	FailedRPCs  int64     `json:"failed_rpcs"`
}

// ClientConfig contains client configuration
type ClientConfig struct {
	DialTimeout    time.Duration
	RPCTimeout     time.Duration
	MaxRecvMsgSize int
	MaxSendMsgSize int
	DialOptions    []grpc.DialOption
}

// ClientConfigFrom derives the client settings from the configuration file
func ClientConfigFrom(cfg *config.Config) ClientConfig {
	return ClientConfig{
		DialTimeout:    cfg.Client.DialTimeout,
		RPCTimeout:     cfg.GRPC.Timeout,
		MaxRecvMsgSize: cfg.GRPC.MaxSendMsgSize,
		MaxSendMsgSize: cfg.GRPC.MaxRecvMsgSize,
	}
}

// NewClient creates a new gRPC client for the socket at path
func NewClient(path string, cfg ClientConfig, log *logger.Logger) (*Client, error) {
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
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = config.DefaultClientDialTimeout
	}
	rpcTimeout := cfg.RPCTimeout
	if rpcTimeout <= 0 {
		rpcTimeout = config.DefaultGRPCTimeout
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &Client{
		path:           path,
		logger:         log.With("component", "grpc_client", "socket_path", path),
		dialTimeout:    dialTimeout,
		rpcTimeout:     rpcTimeout,
		maxRecvMsgSize: maxRecvSize,
		maxSendMsgSize: maxSendSize,
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
		attached:       make(map[types.ID]context.CancelFunc),
	}
	c.dialOptions = append([]grpc.DialOption{
		grpc.WithContextDialer(c.unixDialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.maxRecvMsgSize),
			grpc.MaxCallSendMsgSize(c.maxSendMsgSize),
		),
		grpc.WithBlock(),
	}, cfg.DialOptions...)

	return c, nil
}

func (c *Client) unixDialer(ctx context.Context, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", c.path)
}

// Dial establishes a connection to the daemon
func (c *Client) Dial(ctx context.Context) error {
	c.mu.RLock()
	closed, connected := c.closed, c.conn != nil
	c.mu.RUnlock()
	if closed {
		return types.NewError(types.ErrCodeUnavailable, "client is closed")
	}
	if connected {
		return types.NewError(types.ErrCodeInvalid, "already connected")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, c.path, c.dialOptions...)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to dial pktrelay daemon", err)
	}

	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return types.NewError(types.ErrCodeInvalid, "client closed or connected concurrently")
	}
	c.conn = conn
	c.router = NewRouterClient(conn)
	c.connectTime = time.Now()
	c.mu.Unlock()

	c.logger.Debug("Connected to pktrelay daemon")
	return nil
}

// Close ends every Attach stream, which closes the sessions on the daemon,
// and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "client already closed")
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.router = nil
	c.attached = make(map[types.ID]context.CancelFunc)
	c.mu.Unlock()

	c.baseCancel()
	c.streams.Wait()

	if conn != nil {
		if err := conn.Close(); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to close connection", err)
		}
	}
	c.logger.Debug("gRPC client closed")
	return nil
}

func (c *Client) routerClient() (RouterClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, types.NewError(types.ErrCodeUnavailable, "client is closed")
	}
	if c.router == nil {
		return nil, types.NewError(types.ErrCodeUnavailable, "client not connected")
	}
	return c.router, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.rpcTimeout)
}

func (c *Client) record(err error) error {
	c.totalRPCs.Add(1)
	if err != nil {
		c.failedRPCs.Add(1)
		return FromGRPCError(err)
	}
	return nil
}

// Attach opens a session for identity. The session stays open until Detach,
// Close, or the daemon going away.
func (c *Client) Attach(ctx context.Context, identity types.Identity) (types.ID, error) {
	rc, err := c.routerClient()
	if err != nil {
		return "", err
	}

	streamCtx, cancel := context.WithCancel(c.baseCtx)
	stop := context.AfterFunc(ctx, cancel)

	stream, err := rc.Attach(streamCtx, &AttachRequest{Identity: uint64(identity)})
	if err != nil {
		stop()
		cancel()
		return "", c.record(err)
	}
	ev, err := stream.Recv()
	if !stop() {
		cancel()
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		cancel()
		return "", c.record(err)
	}
	c.totalRPCs.Add(1)

	id := types.NewID(ev.SessionID)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return "", types.NewError(types.ErrCodeUnavailable, "client is closed")
	}
	c.attached[id] = cancel
	c.streams.Add(1)
	c.mu.Unlock()

	go c.hold(id, stream, cancel)
	return id, nil
}

// hold reads the Attach stream until it ends so the session's lifetime on
// the daemon is tracked locally.
func (c *Client) hold(id types.ID, stream Router_AttachClient, cancel context.CancelFunc) {
	defer c.streams.Done()
	defer cancel()
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
	c.mu.Lock()
	delete(c.attached, id)
	c.mu.Unlock()
}

// Write submits an encoded packet from the session
func (c *Client) Write(ctx context.Context, id types.ID, buf []byte) error {
	rc, err := c.routerClient()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = rc.Write(ctx, &WriteRequest{SessionID: id.String(), Data: buf})
	return c.record(err)
}

// Read copies the session's head packet into buf if it fits
func (c *Client) Read(ctx context.Context, id types.ID, buf []byte) (ipc.ReadResult, error) {
	rc, err := c.routerClient()
	if err != nil {
		return ipc.ReadResult{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := rc.Read(ctx, &ReadRequest{SessionID: id.String(), Capacity: len(buf)})
	if err := c.record(err); err != nil {
		return ipc.ReadResult{}, err
	}
	res := ipc.ReadResult{Status: resp.Status, Required: resp.Required}
	if resp.Status == ipc.ReadOK {
		if len(resp.Data) > len(buf) {
			return ipc.ReadResult{}, types.NewError(types.ErrCodeInternal,
				fmt.Sprintf("daemon returned %d bytes for a %d byte buffer", len(resp.Data), len(buf)))
		}
		res.N = copy(buf, resp.Data)
	}
	return res, nil
}

// Wait blocks until the session has inbound data or timeout elapses
func (c *Client) Wait(ctx context.Context, id types.ID, timeout time.Duration) (bool, error) {
	rc, err := c.routerClient()
	if err != nil {
		return false, err
	}
	if timeout > MaxWaitTimeout {
		timeout = MaxWaitTimeout
	}
	resp, err := rc.Wait(ctx, &WaitRequest{SessionID: id.String(), TimeoutMs: timeout.Milliseconds()})
	if err := c.record(err); err != nil {
		return false, err
	}
	return resp.Ready, nil
}

// Detach closes the session and its Attach stream
func (c *Client) Detach(ctx context.Context, id types.ID) error {
	rc, err := c.routerClient()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, rpcErr := rc.Detach(ctx, &DetachRequest{SessionID: id.String()})

	c.mu.Lock()
	stop, ok := c.attached[id]
	delete(c.attached, id)
	c.mu.Unlock()
	if ok {
		stop()
	}
	return c.record(rpcErr)
}

// BrokerStats fetches the daemon's broker statistics
func (c *Client) BrokerStats(ctx context.Context) (ipc.BrokerStats, error) {
	rc, err := c.routerClient()
	if err != nil {
		return ipc.BrokerStats{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := rc.Stats(ctx, &StatsRequest{})
	if err := c.record(err); err != nil {
		return ipc.BrokerStats{}, err
	}
	return resp.Broker, nil
}

// HealthCheck performs a health check on the connected server
func (c *Client) HealthCheck(ctx context.Context) (*grpc_health_v1.HealthCheckResponse, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, types.NewError(types.ErrCodeUnavailable, "client not connected")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err := c.record(err); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stats returns the current client statistics
func (c *Client) Stats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClientStats{
		ConnectTime: c.connectTime,
		IsConnected: c.conn != nil && c.conn.GetState() == connectivity.Ready,
		Sessions:    len(c.attached),
		TotalRPCs:   c.totalRPCs.Load(),
		FailedRPCs:  c.failedRPCs.Load(),
	}
}

// SocketPath returns the Unix socket path the client dials
func (c *Client) SocketPath() string {
	return c.path
}

// String returns a string representation of the client
func (c *Client) String() string {
	stats := c.Stats()
	return fmt.Sprintf("Client{Path: %s, Connected: %v, Sessions: %d}",
		c.path, stats.IsConnected, stats.Sessions)
}
