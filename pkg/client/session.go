package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/pkg/ipc"
	"github.com/baaaht/pktrelay/pkg/packet"
	"github.com/baaaht/pktrelay/pkg/types"
)

// Options tunes a Session
type Options struct {
	// InitialRecvPayload is the payload room of the first receive buffer.
	// Larger packets grow the buffer.
	InitialRecvPayload int
	// WaitTimeout is the slice Recv waits for before re-checking ctx
	WaitTimeout time.Duration
}

// OptionsFrom derives session options from the client configuration
func OptionsFrom(cfg config.ClientConfig) Options {
	return Options{
		InitialRecvPayload: cfg.InitialRecvPayload,
		WaitTimeout:        cfg.WaitTimeout,
	}
}

// Session is an open registration under one identity
type Session struct {
	id        types.ID
	identity  types.Identity
	transport Transport
	waitSlice time.Duration
	seq       atomic.Uint32
	closed    atomic.Bool

	recvMu sync.Mutex
	buf    []byte
}

// Open registers identity through transport and returns a session ready to
// send and receive.
func Open(ctx context.Context, transport Transport, identity types.Identity, opts Options) (*Session, error) {
	if transport == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "transport is required")
	}
	if opts.InitialRecvPayload <= 0 {
		opts.InitialRecvPayload = config.DefaultInitialRecvPayload
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = config.DefaultClientWaitTimeout
	}

	id, err := transport.Attach(ctx, identity)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:        id,
		identity:  identity,
		transport: transport,
		waitSlice: opts.WaitTimeout,
		buf:       make([]byte, packet.HeaderSize+opts.InitialRecvPayload),
	}, nil
}

// ID returns the session id assigned by the broker
func (s *Session) ID() types.ID {
	return s.id
}

// Identity returns the identity the session is registered under
func (s *Session) Identity() types.Identity {
	return s.identity
}

// Send writes one packet from this session's identity to dest
func (s *Session) Send(ctx context.Context, dest types.Identity, seq uint32, eom bool, payload []byte) error {
	if s.closed.Load() {
		return types.NewError(types.ErrCodeUnavailable, "session is closed")
	}
	return s.transport.Write(ctx, s.id, packet.New(s.identity, dest, seq, eom, payload).Encode())
}

// SendMessage sends payload as a single end-of-message packet numbered
// from the session's own counter, starting at 1.
func (s *Session) SendMessage(ctx context.Context, dest types.Identity, payload []byte) (uint32, error) {
	seq := s.seq.Add(1)
	if err := s.Send(ctx, dest, seq, true, payload); err != nil {
		return 0, err
	}
	return seq, nil
}

// Recv blocks until a packet arrives or ctx ends. The receive buffer grows
// to fit larger packets and keeps its size for later calls.
func (s *Session) Recv(ctx context.Context) (*packet.Packet, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	for {
		if s.closed.Load() {
			return nil, types.NewError(types.ErrCodeUnavailable, "session is closed")
		}
		if err := ctx.Err(); err != nil {
			return nil, types.WrapError(types.ErrCodeCanceled, "receive canceled", err)
		}

		ready, err := s.transport.Wait(ctx, s.id, s.waitSlice)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}

		res, err := s.transport.Read(ctx, s.id, s.buf)
		if err != nil {
			return nil, err
		}
		switch res.Status {
		case ipc.ReadOK:
			return packet.Decode(s.buf[:res.N])
		case ipc.ReadBufferTooSmall:
			if res.Required <= len(s.buf) {
				return nil, types.NewError(types.ErrCodeResourceExhausted,
					fmt.Sprintf("transport cannot return a packet of %d bytes", res.Required))
			}
			s.buf = make([]byte, res.Required)
		case ipc.ReadNoData:
			// Another reader of the same session took the packet.
		}
	}
}

// Close deregisters the session. Packets not yet read are discarded.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.transport.Detach(ctx, s.id)
}
