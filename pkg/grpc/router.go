package grpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/ipc"
	"github.com/baaaht/pktrelay/pkg/notify"
	"github.com/baaaht/pktrelay/pkg/types"
)

// MaxWaitTimeout bounds a single Wait call; clients loop for longer waits
const MaxWaitTimeout = time.Minute

// RouterService exposes an ipc.Broker over gRPC. A session lives exactly as
// long as the Attach stream that opened it.
type RouterService struct {
	broker      *ipc.Broker
	logger      *logger.Logger
	maxCapacity int
	done        chan struct{}
	mu          sync.Mutex
	stopping    bool
	streams     sync.WaitGroup
}

// NewRouterService creates a Router service backed by broker. maxCapacity
// is the largest encoded packet a response can carry; writes above it are
// refused and reads of such a packet fail instead of asking for a larger
// buffer. Zero derives it from the default gRPC message size.
func NewRouterService(broker *ipc.Broker, maxCapacity int, log *logger.Logger) (*RouterService, error) {
	if broker == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "broker is required")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if maxCapacity <= 0 {
		maxCapacity = PayloadCapacity(config.DefaultGRPCMaxMsgSize)
	}
	return &RouterService{
		broker:      broker,
		logger:      log.With("component", "router_service"),
		maxCapacity: maxCapacity,
		done:        make(chan struct{}),
	}, nil
}

// Attach registers the identity, reports the session id and holds the
// session open until the client disconnects or the service shuts down.
func (r *RouterService) Attach(req *AttachRequest, stream Router_AttachServer) error {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return ToGRPCError(types.NewError(types.ErrCodeUnavailable, "router is shutting down"))
	}
	r.streams.Add(1)
	r.mu.Unlock()
	defer r.streams.Done()

	s, err := r.broker.Register(types.Identity(req.Identity))
	if err != nil {
		return ToGRPCError(err)
	}
	defer func() {
		if err := r.broker.Deregister(s); err != nil {
			r.logger.Debug("Deregister after detach", "session_id", s.ID, "error", err)
		}
	}()

	if err := r.broker.SetNotification(s, notify.NewEvent()); err != nil {
		return ToGRPCError(err)
	}

	r.logger.Debug("Client attached", "session_id", s.ID, "identity", s.Identity)

	if err := stream.Send(&AttachEvent{SessionID: s.ID.String(), Identity: uint64(s.Identity)}); err != nil {
		return err
	}

	select {
	case <-stream.Context().Done():
	case <-r.done:
	}

	r.logger.Debug("Client detached", "session_id", s.ID, "identity", s.Identity)
	return nil
}

func (r *RouterService) session(id string) (*ipc.Session, error) {
	if id == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "session id is required")
	}
	return r.broker.Session(types.NewID(id))
}

// Write submits an encoded packet from the session
func (r *RouterService) Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	s, err := r.session(req.SessionID)
	if err != nil {
		return nil, ToGRPCError(err)
	}
	if len(req.Data) > r.maxCapacity {
		return nil, ToGRPCError(types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("packet of %d bytes exceeds the %d bytes a read can return", len(req.Data), r.maxCapacity)))
	}
	if err := r.broker.Write(s, req.Data); err != nil {
		return nil, ToGRPCError(err)
	}
	return &WriteResponse{}, nil
}

// Read returns the head packet if it fits in the requested capacity. The
// packet leaves the queue before the response is sent, so a response lost
// in transit loses the packet.
func (r *RouterService) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	s, err := r.session(req.SessionID)
	if err != nil {
		return nil, ToGRPCError(err)
	}
	capacity := req.Capacity
	if capacity < 0 {
		return nil, ToGRPCError(types.NewError(types.ErrCodeInvalidArgument, "capacity must not be negative"))
	}
	if capacity > r.maxCapacity {
		capacity = r.maxCapacity
	}

	buf := make([]byte, capacity)
	res, err := r.broker.Read(s, buf)
	if err != nil {
		return nil, ToGRPCError(err)
	}

	if res.Status == ipc.ReadBufferTooSmall && res.Required > r.maxCapacity {
		return nil, ToGRPCError(types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("packet of %d bytes exceeds the %d bytes a read can return", res.Required, r.maxCapacity)))
	}

	resp := &ReadResponse{Status: res.Status, Required: res.Required}
	if res.Status == ipc.ReadOK {
		resp.Data = buf[:res.N]
	}
	return resp, nil
}

// Wait blocks until the session has inbound data or the timeout elapses
func (r *RouterService) Wait(ctx context.Context, req *WaitRequest) (*WaitResponse, error) {
	s, err := r.session(req.SessionID)
	if err != nil {
		return nil, ToGRPCError(err)
	}
	ev, ok := s.Signal().(*notify.Event)
	if !ok {
		return nil, ToGRPCError(types.NewError(types.ErrCodeFailedPrecondition, "session has no waitable notification"))
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout < 0 {
		timeout = 0
	}
	if timeout > MaxWaitTimeout {
		timeout = MaxWaitTimeout
	}
	if timeout == 0 {
		return &WaitResponse{Ready: ev.IsSet()}, nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	ready, err := ev.WaitTimeout(waitCtx, timeout)
	if err != nil {
		return nil, ToGRPCError(err)
	}
	return &WaitResponse{Ready: ready}, nil
}

// Detach closes the session. The Attach stream that opened it returns on
// its own once the client cancels it.
func (r *RouterService) Detach(ctx context.Context, req *DetachRequest) (*DetachResponse, error) {
	s, err := r.session(req.SessionID)
	if err != nil {
		return nil, ToGRPCError(err)
	}
	if err := r.broker.Deregister(s); err != nil {
		return nil, ToGRPCError(err)
	}
	return &DetachResponse{}, nil
}

// Stats returns the broker statistics
func (r *RouterService) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	return &StatsResponse{Broker: r.broker.Stats()}, nil
}

// Shutdown releases every open Attach stream and pending Wait so the gRPC
// server can stop gracefully. It waits for the streams to deregister.
func (r *RouterService) Shutdown() {
	r.mu.Lock()
	if !r.stopping {
		r.stopping = true
		close(r.done)
	}
	r.mu.Unlock()
	r.streams.Wait()
}
