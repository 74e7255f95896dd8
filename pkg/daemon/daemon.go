// Package daemon assembles the relay daemon: the broker, its gRPC socket,
// metrics and live configuration reload.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	grpcpkg "github.com/baaaht/pktrelay/pkg/grpc"
	"github.com/baaaht/pktrelay/pkg/ipc"
	"github.com/baaaht/pktrelay/pkg/observability"
	"github.com/baaaht/pktrelay/pkg/types"
)

// Daemon owns every long-lived component of pktrelayd
type Daemon struct {
	mu         sync.RWMutex
	cfg        *config.Config
	configPath string
	logger     *logger.Logger
	readers    []sdkmetric.Reader
	version    string

	metrics  *observability.MetricsProvider
	broker   *ipc.Broker
	server   *grpcpkg.BootstrapResult
	reloader *config.Reloader

	status     types.Status
	started    bool
	closed     bool
	startedAt  time.Time
	socketPath string
}

// Option configures a Daemon
type Option func(*Daemon)

// WithMetricReader adds a metric reader next to the configured exporter
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(d *Daemon) {
		d.readers = append(d.readers, r)
	}
}

// WithConfigPath enables reloading from path on SIGHUP and file writes
func WithConfigPath(path string) Option {
	return func(d *Daemon) {
		d.configPath = path
	}
}

// WithVersion sets the version reported in logs and metrics
func WithVersion(v string) Option {
	return func(d *Daemon) {
		d.version = v
	}
}

// New validates cfg and creates a daemon. Nothing is started until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		log, err = logger.New(cfg.Logging)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create logger", err)
		}
	}

	d := &Daemon{
		cfg:     cfg,
		logger:  log,
		version: grpcpkg.DefaultVersion,
		status:  types.StatusStopped,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start brings the components up in dependency order. On failure whatever
// was started is torn down again.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "daemon is closed")
	}
	if d.started {
		d.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "daemon already started")
	}
	d.started = true
	d.status = types.StatusStarting
	cfg := d.cfg
	d.mu.Unlock()

	var c components
	if err := d.startComponents(ctx, cfg, &c); err != nil {
		_ = c.stop()
		d.mu.Lock()
		d.started = false
		d.status = types.StatusError
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = c.stop()
		return types.NewError(types.ErrCodeUnavailable, "daemon closed during start")
	}
	d.metrics, d.broker, d.server, d.reloader = c.metrics, c.broker, c.server, c.reloader
	d.socketPath = cfg.GRPC.SocketPath
	d.startedAt = time.Now()
	d.status = types.StatusRunning
	d.mu.Unlock()

	d.logger.Info("pktrelayd started",
		"version", d.version,
		"socket_path", cfg.GRPC.SocketPath,
		"relay_workers", cfg.Relay.Workers,
		"metrics_enabled", cfg.Metrics.Enabled)
	return nil
}

type components struct {
	metrics  *observability.MetricsProvider
	broker   *ipc.Broker
	server   *grpcpkg.BootstrapResult
	reloader *config.Reloader
}

func (d *Daemon) startComponents(ctx context.Context, cfg *config.Config, c *components) error {
	var err error

	observability.ServiceVersion = d.version
	c.metrics, err = observability.InitMetrics(ctx, cfg.Metrics, d.readers...)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to initialize metrics", err)
	}

	c.broker, err = ipc.New(cfg.Relay, d.logger, ipc.WithMeter(c.metrics.Meter()))
	if err != nil {
		return err
	}

	bcfg := grpcpkg.NewDefaultBootstrapConfig(cfg.GRPC, c.broker, d.logger)
	bcfg.Version = d.version
	server, err := grpcpkg.Bootstrap(ctx, bcfg)
	if err != nil {
		return err
	}
	c.server = server

	if d.configPath != "" {
		reloader := config.NewReloader(d.configPath, cfg)
		reloader.AddCallback(d.applyConfig)
		if err := reloader.Start(); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to start config reloader", err)
		}
		c.reloader = reloader
	}
	return nil
}

// stop releases the components in reverse start order
func (c *components) stop() error {
	var errs []error

	if c.reloader != nil {
		c.reloader.Stop()
	}
	if c.server != nil {
		if err := c.server.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("stop gRPC server: %w", err))
		}
	}
	if c.broker != nil {
		if err := c.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if c.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

// applyConfig takes the settings that can change without a restart from a
// reloaded configuration. Everything else needs a restart and is logged.
func (d *Daemon) applyConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	d.mu.Unlock()

	d.logger.SetLevel(level)
	if old.GRPC.SocketPath != cfg.GRPC.SocketPath || old.Relay.Workers != cfg.Relay.Workers {
		d.logger.Warn("Socket path and relay worker changes take effect after a restart")
	}
	d.logger.Info("Configuration reloaded", "log_level", cfg.Logging.Level)
	return nil
}

// Run starts the daemon and blocks until ctx is canceled, then closes it
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return d.Close()
}

// Close stops accepting clients, lets the relay deliver what was already
// written and releases every port. It is safe to call more than once.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.status = types.StatusStopping
	c := components{metrics: d.metrics, broker: d.broker, server: d.server, reloader: d.reloader}
	d.metrics, d.server, d.reloader = nil, nil, nil
	uptime := d.uptime()
	d.mu.Unlock()

	err := c.stop()
	d.mu.Lock()
	d.status = types.StatusStopped
	d.mu.Unlock()
	d.logger.Info("pktrelayd stopped", "uptime", uptime.String())
	return err
}

func (d *Daemon) uptime() time.Duration {
	if d.startedAt.IsZero() {
		return 0
	}
	return time.Since(d.startedAt)
}

// Status returns the lifecycle state of the daemon
func (d *Daemon) Status() types.Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// Broker returns the daemon's broker, or nil before Start
func (d *Daemon) Broker() *ipc.Broker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.broker
}

// Config returns the configuration currently in effect
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// SocketPath returns the path the daemon listens on, or the configured
// path before Start
func (d *Daemon) SocketPath() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.socketPath != "" {
		return d.socketPath
	}
	return d.cfg.GRPC.SocketPath
}

// Stats returns the broker statistics
func (d *Daemon) Stats() (ipc.BrokerStats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.broker == nil {
		return ipc.BrokerStats{}, types.NewError(types.ErrCodeUnavailable, "daemon not started")
	}
	return d.broker.Stats(), nil
}

// String returns a string representation of the daemon
func (d *Daemon) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("Daemon{Socket: %s, Status: %s, Uptime: %s}",
		d.cfg.GRPC.SocketPath, d.status, d.uptime())
}
