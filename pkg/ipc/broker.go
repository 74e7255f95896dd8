package ipc

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/notify"
	"github.com/baaaht/pktrelay/pkg/observability"
	"github.com/baaaht/pktrelay/pkg/packet"
	"github.com/baaaht/pktrelay/pkg/port"
	"github.com/baaaht/pktrelay/pkg/queue"
	"github.com/baaaht/pktrelay/pkg/relay"
	"github.com/baaaht/pktrelay/pkg/types"
)

// ReadStatus is the outcome of a Read
type ReadStatus int

const (
	// ReadOK means a packet was copied into the buffer
	ReadOK ReadStatus = iota
	// ReadBufferTooSmall means the head packet needs Required bytes; it stays queued
	ReadBufferTooSmall
	// ReadNoData means the inbound queue was empty
	ReadNoData
)

// String returns the name of the status
func (s ReadStatus) String() string {
	switch s {
	case ReadOK:
		return "ok"
	case ReadBufferTooSmall:
		return "buffer_too_small"
	case ReadNoData:
		return "no_data"
	default:
		return fmt.Sprintf("read_status(%d)", int(s))
	}
}

// ReadResult describes the outcome of a Read
type ReadResult struct {
	Status   ReadStatus `json:"status"`
	N        int        `json:"n"`
	Required int        `json:"required,omitempty"`
}

// Session is an open registration with the broker
type Session struct {
	ID        types.ID        `json:"id"`
	Identity  types.Identity  `json:"identity"`
	CreatedAt types.Timestamp `json:"created_at"`

	port   *port.Port
	mu     sync.Mutex
	signal notify.Signal
	closed atomic.Bool
}

// Signal returns the notification bound to the session, or nil
func (s *Session) Signal() notify.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signal
}

// Closed reports whether the session has been deregistered
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Pending returns the number of packets waiting to be read
func (s *Session) Pending() int {
	return s.port.Inbound().Len()
}

// String returns a string representation of the session
func (s *Session) String() string {
	return fmt.Sprintf("Session{ID: %s, Identity: %s, Closed: %v}", s.ID, s.Identity, s.Closed())
}

// Broker is the routing core: it owns the port registry and the relay
// engine and exposes the session operations clients are built on.
type Broker struct {
	mu       sync.RWMutex
	registry *port.Registry
	relay    *relay.Engine
	sessions map[types.ID]*Session
	cfg      config.RelayConfig
	logger   *logger.Logger
	inst     *observability.BrokerInstruments
	closed   bool

	writes       atomic.Int64
	reads        atomic.Int64
	rejected     atomic.Int64
	bytesWritten atomic.Int64
	opened       atomic.Int64
}

// Option configures a Broker
type Option func(*options)

type options struct {
	meter metric.Meter
}

// WithMeter reports broker and relay metrics on m instead of the global meter
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// New creates a new broker and starts its relay engine
func New(cfg config.RelayConfig, log *logger.Logger, opts ...Option) (*Broker, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg.MaxPacketSize < 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "max packet size cannot be negative")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	inst, err := observability.NewBrokerInstruments(o.meter)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create broker instruments", err)
	}

	registry := port.NewRegistry()
	engine, err := relay.New(cfg, registry, log, relay.WithMeter(o.meter))
	if err != nil {
		return nil, err
	}

	b := &Broker{
		registry: registry,
		relay:    engine,
		sessions: make(map[types.ID]*Session),
		cfg:      cfg,
		logger:   log.With("component", "ipc_broker"),
		inst:     inst,
	}

	b.logger.Info("IPC broker initialized",
		"workers", cfg.Workers,
		"max_packet_size", cfg.MaxPacketSize)

	return b, nil
}

// NewDefault creates a new broker with default configuration
func NewDefault(log *logger.Logger) (*Broker, error) {
	return New(config.DefaultRelayConfig(), log)
}

// Register opens a session for identity. It fails with ALREADY_EXISTS when
// another open session holds the identity.
func (b *Broker) Register(identity types.Identity) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}

	p, err := b.registry.Register(identity)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:        types.GenerateID(),
		Identity:  identity,
		CreatedAt: types.NewTimestamp(),
		port:      p,
	}
	b.sessions[s.ID] = s
	b.opened.Add(1)
	b.inst.Sessions.Add(context.Background(), 1)

	b.logger.Debug("Session registered", "session_id", s.ID, "identity", identity)
	return s, nil
}

// Deregister closes s, removes its port and discards undelivered inbound
// packets. Packets the session already wrote are still relayed. Closing an
// already closed session is a no-op.
func (b *Broker) Deregister(s *Session) error {
	if s == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "session is nil")
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	delete(b.sessions, s.ID)
	closed := b.closed
	b.mu.Unlock()

	if closed {
		// Teardown already released the port
		return nil
	}

	discarded, err := b.registry.Deregister(s.port)
	if err != nil {
		return err
	}
	b.inst.Sessions.Add(context.Background(), -1)

	b.logger.Debug("Session deregistered",
		"session_id", s.ID,
		"identity", s.Identity,
		"discarded", discarded)
	return nil
}

// SetNotification binds sig as the session's readiness signal. It is raised
// while the inbound queue holds packets. A session accepts one signal; a
// second call fails with FAILED_PRECONDITION.
func (b *Broker) SetNotification(s *Session, sig notify.Signal) error {
	if err := b.checkSession(s); err != nil {
		return err
	}
	if err := b.registry.SetNotification(s.port, sig); err != nil {
		return err
	}

	s.mu.Lock()
	s.signal = sig
	s.mu.Unlock()
	return nil
}

// Write accepts one encoded packet from s and schedules its relay. It
// returns once the packet is on the session's outbound queue.
func (b *Broker) Write(s *Session, buf []byte) error {
	if err := b.checkSession(s); err != nil {
		return err
	}

	pkt, err := b.validate(s, buf)
	if err != nil {
		b.rejected.Add(1)
		b.inst.Rejected.Add(context.Background(), 1)
		return err
	}

	// Hold the read lock so Close cannot stop the relay between enqueue and submit.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}

	outbound := s.port.Outbound()
	outbound.Enqueue(pkt)
	if err := b.relay.Submit(s.Identity, outbound); err != nil {
		return err
	}

	size := int64(pkt.EncodedSize())
	b.writes.Add(1)
	b.bytesWritten.Add(size)
	b.inst.Writes.Add(context.Background(), 1)
	b.inst.BytesWritten.Add(context.Background(), size)

	b.logger.Debug("Packet written",
		"session_id", s.ID,
		"source", pkt.Source,
		"dest", pkt.Dest,
		"seq", pkt.Sequence,
		"size", size)
	return nil
}

func (b *Broker) validate(s *Session, buf []byte) (*packet.Packet, error) {
	h, err := packet.DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if b.cfg.MaxPacketSize > 0 && h.PayloadLength > uint64(b.cfg.MaxPacketSize) {
		return nil, types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("payload of %d bytes exceeds limit of %d", h.PayloadLength, b.cfg.MaxPacketSize))
	}
	if h.Source != s.Identity {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("packet source %s does not match session identity %s", h.Source, s.Identity))
	}
	return packet.Decode(buf)
}

// Read copies the head inbound packet into buf if it fits. An undersized
// buf reports the required size and leaves the packet queued. Read never
// blocks; callers wait on the session's signal first.
func (b *Broker) Read(s *Session, buf []byte) (ReadResult, error) {
	if err := b.checkSession(s); err != nil {
		return ReadResult{}, err
	}

	res := s.port.Inbound().TryDequeue(len(buf))
	switch res.Outcome {
	case queue.Empty:
		return ReadResult{Status: ReadNoData}, nil
	case queue.TooSmall:
		return ReadResult{Status: ReadBufferTooSmall, Required: res.Required}, nil
	}

	n, err := res.Packet.EncodeTo(buf)
	if err != nil {
		return ReadResult{}, types.WrapError(types.ErrCodeInternal, "failed to copy packet", err)
	}
	b.reads.Add(1)
	b.inst.Reads.Add(context.Background(), 1)
	return ReadResult{Status: ReadOK, N: n}, nil
}

// Session returns the open session with the given id
func (b *Broker) Session(id types.ID) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	s, ok := b.sessions[id]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, "session not found: "+id.String())
	}
	return s, nil
}

// Flush waits until every packet written so far has been relayed or dropped
func (b *Broker) Flush(ctx context.Context) error {
	return b.relay.Flush(ctx)
}

func (b *Broker) checkSession(s *Session) error {
	if s == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "session is nil")
	}
	if s.Closed() {
		return types.NewError(types.ErrCodeUnavailable, "session is closed: "+s.ID.String())
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	return nil
}

// Close stops the relay after it delivers what was already written, then
// tears down every port. Open sessions become unusable.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "broker already closed")
	}
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[types.ID]*Session)
	b.mu.Unlock()

	relayErr := b.relay.Close()

	for _, s := range sessions {
		s.closed.Store(true)
	}
	released := b.registry.Teardown()
	b.inst.Sessions.Add(context.Background(), -int64(len(sessions)))

	b.logger.Info("IPC broker closed", "released_ports", released)
	return relayErr
}

// Stats returns broker statistics
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	sessions := len(b.sessions)
	b.mu.RUnlock()

	return BrokerStats{
		Sessions:       sessions,
		SessionsOpened: b.opened.Load(),
		Ports:          b.registry.Len(),
		Writes:         b.writes.Load(),
		Reads:          b.reads.Load(),
		Rejected:       b.rejected.Load(),
		BytesWritten:   b.bytesWritten.Load(),
		Relay:          b.relay.Stats(),
		Queues:         b.queueStats(),
	}
}

func (b *Broker) queueStats() []PortStats {
	ports := b.registry.Ports()
	out := make([]PortStats, 0, len(ports))
	for _, p := range ports {
		out = append(out, PortStats{
			Identity:     p.Identity(),
			Inbound:      p.Inbound().Len(),
			Outbound:     p.Outbound().Len(),
			RegisteredAt: p.CreatedAt(),
		})
	}
	slices.SortFunc(out, func(x, y PortStats) int { return cmp.Compare(x.Identity, y.Identity) })
	return out
}

// String returns a string representation of the broker
func (b *Broker) String() string {
	return b.Stats().String()
}

// BrokerStats represents broker statistics
type BrokerStats struct {
	Sessions       int         `json:"sessions"`
	SessionsOpened int64       `json:"sessions_opened"`
	Ports          int         `json:"ports"`
	Writes         int64       `json:"writes"`
	Reads          int64       `json:"reads"`
	Rejected       int64       `json:"rejected"`
	BytesWritten   int64       `json:"bytes_written"`
	Relay          relay.Stats `json:"relay"`
	Queues         []PortStats `json:"queues,omitempty"`
}

// PortStats is the queue depth of one registered port
type PortStats struct {
	Identity     types.Identity `json:"identity"`
	Inbound      int            `json:"inbound"`
	Outbound     int            `json:"outbound"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// String returns a string representation of the stats
func (s BrokerStats) String() string {
	return fmt.Sprintf("BrokerStats{Sessions: %d, Writes: %d, Reads: %d, Rejected: %d, Relayed: %d, Dropped: %d, Pending: %d}",
		s.Sessions, s.Writes, s.Reads, s.Rejected, s.Relay.Relayed, s.Relay.Dropped, s.Relay.Pending)
}
