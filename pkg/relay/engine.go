// Package relay moves packets from a sender's outbound queue to the inbound
// queue of their destination port.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/observability"
	"github.com/baaaht/pktrelay/pkg/port"
	"github.com/baaaht/pktrelay/pkg/queue"
	"github.com/baaaht/pktrelay/pkg/types"
)

// Engine relays packets on a fixed pool of workers. Tasks are keyed by the
// sender identity; all tasks of one sender run on the same worker in
// submission order, which keeps every sender→receiver pair in order.
type Engine struct {
	mu        sync.RWMutex
	registry  *port.Registry
	workers   []*worker
	cfg       config.RelayConfig
	logger    *logger.Logger
	inst      *observability.RelayInstruments
	closed    bool
	wg        sync.WaitGroup
	cancelCtx context.CancelFunc

	submitted atomic.Int64
	relayed   atomic.Int64
	dropped   atomic.Int64
	pending   atomic.Int64
}

// task asks a worker to relay the head packet of outbound
type task struct {
	source   types.Identity
	outbound *queue.PacketQueue
}

type worker struct {
	id         int
	engine     *Engine
	mu         sync.Mutex
	tasks      []task
	notifyChan chan struct{}
	working    atomic.Bool
}

// Option configures an Engine
type Option func(*options)

type options struct {
	meter metric.Meter
}

// WithMeter reports relay counters on m instead of the global meter
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// New creates a relay engine over registry and starts its workers
func New(cfg config.RelayConfig, registry *port.Registry, log *logger.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if registry == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "registry is required")
	}
	if cfg.Workers <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "worker count must be positive")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	inst, err := observability.NewRelayInstruments(o.meter)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create relay instruments", err)
	}

	e := &Engine{
		registry: registry,
		workers:  make([]*worker, cfg.Workers),
		cfg:      cfg,
		logger:   log.With("component", "relay"),
		inst:     inst,
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelCtx = cancel

	for i := range e.workers {
		e.workers[i] = &worker{
			id:         i + 1,
			engine:     e,
			notifyChan: make(chan struct{}, 1),
		}
	}
	for _, w := range e.workers {
		e.wg.Add(1)
		go w.run(ctx)
	}

	e.logger.Info("Relay engine initialized", "workers", cfg.Workers)
	return e, nil
}

// Submit schedules relay of the packet that was just appended to outbound
// by source. It never blocks on delivery.
func (e *Engine) Submit(source types.Identity, outbound *queue.PacketQueue) error {
	if outbound == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "outbound queue is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return types.NewError(types.ErrCodeUnavailable, "relay engine is closed")
	}

	e.pending.Add(1)
	e.submitted.Add(1)
	e.inst.Submitted.Add(context.Background(), 1)
	e.workerFor(source).push(task{source: source, outbound: outbound})
	return nil
}

// workerFor picks the worker that owns all tasks of source
func (e *Engine) workerFor(source types.Identity) *worker {
	return e.workers[mix(uint64(source))%uint64(len(e.workers))]
}

// mix spreads consecutive identities (process ids) across workers
func mix(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// Flush blocks until every task submitted so far has been processed
func (e *Engine) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for e.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeCanceled, "relay flush canceled", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Stats returns relay statistics
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := Stats{
		Submitted:   e.submitted.Load(),
		Relayed:     e.relayed.Load(),
		Dropped:     e.dropped.Load(),
		Pending:     e.pending.Load(),
		WorkerCount: len(e.workers),
	}
	for _, w := range e.workers {
		if w.working.Load() {
			stats.ActiveWorkers++
		}
	}
	return stats
}

// Close stops accepting tasks and waits for the workers to relay what was
// already submitted, bounded by the configured shutdown timeout.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.logger.Info("Relay engine shutting down...", "pending", e.pending.Load())
	e.cancelCtx()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	shutdownTimeout := e.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = config.DefaultRelayShutdownTimeout
	}

	select {
	case <-done:
		e.logger.Info("Relay engine shut down gracefully")
		return nil
	case <-time.After(shutdownTimeout):
		e.logger.Warn("Relay engine shutdown timeout", "pending", e.pending.Load())
		return types.NewError(types.ErrCodeTimeout, "relay engine shutdown timeout")
	}
}

func (w *worker) push(t task) {
	w.mu.Lock()
	w.tasks = append(w.tasks, t)
	w.mu.Unlock()

	select {
	case w.notifyChan <- struct{}{}:
	default:
	}
}

// take removes and returns every queued task
func (w *worker) take() []task {
	w.mu.Lock()
	defer w.mu.Unlock()
	tasks := w.tasks
	w.tasks = nil
	return tasks
}

// run is the main worker loop. After cancellation it relays whatever is
// still queued before returning.
func (w *worker) run(ctx context.Context) {
	defer w.engine.wg.Done()

	w.engine.logger.Debug("Worker started", "worker_id", w.id)

	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.engine.logger.Debug("Worker stopping", "worker_id", w.id)
			return
		case <-w.notifyChan:
			w.drain()
		}
	}
}

func (w *worker) drain() {
	for {
		tasks := w.take()
		if len(tasks) == 0 {
			return
		}
		w.working.Store(true)
		for _, t := range tasks {
			w.relay(t)
			w.engine.pending.Add(-1)
		}
		w.working.Store(false)
	}
}

// relay moves the head packet of the task's outbound queue to its destination
func (w *worker) relay(t task) {
	e := w.engine
	pkt, ok := t.outbound.Pop()
	if !ok {
		// the sender's port was torn down and its outbound queue drained
		return
	}

	dest, found := e.registry.Lookup(pkt.Dest)
	if !found {
		e.dropped.Add(1)
		e.inst.Dropped.Add(context.Background(), 1)
		e.logger.Debug("Packet dropped, destination not registered",
			"source", t.source,
			"dest", pkt.Dest,
			"seq", pkt.Sequence)
		return
	}

	dest.Inbound().Enqueue(pkt)

	if dest.Released() {
		// Deregistered between lookup and enqueue; nothing will read it.
		dest.Inbound().Drain()
		e.dropped.Add(1)
		e.inst.Dropped.Add(context.Background(), 1)
		return
	}

	e.relayed.Add(1)
	e.inst.Relayed.Add(context.Background(), 1)
	e.logger.Debug("Packet relayed",
		"worker_id", w.id,
		"source", t.source,
		"dest", pkt.Dest,
		"seq", pkt.Sequence,
		"size", pkt.EncodedSize())
}

// Stats represents statistics about the relay engine
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Relayed       int64 `json:"relayed"`
	Dropped       int64 `json:"dropped"`
	Pending       int64 `json:"pending"`
	WorkerCount   int   `json:"worker_count"`
	ActiveWorkers int   `json:"active_workers"`
}
