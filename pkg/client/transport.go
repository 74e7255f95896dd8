// Package client is the library processes use to exchange packets through
// a pktrelay broker, either in-process or through the daemon's socket.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/baaaht/pktrelay/pkg/ipc"
	"github.com/baaaht/pktrelay/pkg/notify"
	"github.com/baaaht/pktrelay/pkg/types"
)

// Transport carries session operations to a broker. Sessions are named by
// the id returned from Attach.
type Transport interface {
	Attach(ctx context.Context, identity types.Identity) (types.ID, error)
	Write(ctx context.Context, id types.ID, buf []byte) error
	Read(ctx context.Context, id types.ID, buf []byte) (ipc.ReadResult, error)
	// Wait reports whether the session has data, blocking at most timeout
	Wait(ctx context.Context, id types.ID, timeout time.Duration) (bool, error)
	Detach(ctx context.Context, id types.ID) error
}

type localSession struct {
	session *ipc.Session
	event   *notify.Event
}

// Local is a Transport over a broker in the same process
type Local struct {
	broker   *ipc.Broker
	mu       sync.RWMutex
	sessions map[types.ID]localSession
}

// NewLocal creates a transport over broker. The caller keeps ownership of
// the broker.
func NewLocal(broker *ipc.Broker) *Local {
	return &Local{
		broker:   broker,
		sessions: make(map[types.ID]localSession),
	}
}

// Attach registers identity with the broker and binds a notification event
func (l *Local) Attach(ctx context.Context, identity types.Identity) (types.ID, error) {
	s, err := l.broker.Register(identity)
	if err != nil {
		return "", err
	}
	ev := notify.NewEvent()
	if err := l.broker.SetNotification(s, ev); err != nil {
		_ = l.broker.Deregister(s)
		return "", err
	}

	l.mu.Lock()
	l.sessions[s.ID] = localSession{session: s, event: ev}
	l.mu.Unlock()
	return s.ID, nil
}

func (l *Local) lookup(id types.ID) (localSession, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ls, ok := l.sessions[id]
	if !ok {
		return localSession{}, types.NewError(types.ErrCodeNotFound, "session not found: "+id.String())
	}
	return ls, nil
}

// Write submits an encoded packet from the session
func (l *Local) Write(ctx context.Context, id types.ID, buf []byte) error {
	ls, err := l.lookup(id)
	if err != nil {
		return err
	}
	return l.broker.Write(ls.session, buf)
}

// Read copies the session's head packet into buf if it fits
func (l *Local) Read(ctx context.Context, id types.ID, buf []byte) (ipc.ReadResult, error) {
	ls, err := l.lookup(id)
	if err != nil {
		return ipc.ReadResult{}, err
	}
	return l.broker.Read(ls.session, buf)
}

// Wait blocks until the session has inbound data or timeout elapses
func (l *Local) Wait(ctx context.Context, id types.ID, timeout time.Duration) (bool, error) {
	ls, err := l.lookup(id)
	if err != nil {
		return false, err
	}
	if timeout <= 0 {
		return ls.event.IsSet(), nil
	}
	return ls.event.WaitTimeout(ctx, timeout)
}

// Detach deregisters the session
func (l *Local) Detach(ctx context.Context, id types.ID) error {
	l.mu.Lock()
	ls, ok := l.sessions[id]
	delete(l.sessions, id)
	l.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrCodeNotFound, "session not found: "+id.String())
	}
	return l.broker.Deregister(ls.session)
}
