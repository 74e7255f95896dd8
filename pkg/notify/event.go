// Package notify provides the level-triggered readiness signal a port raises
// while its inbound queue holds packets.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/baaaht/pktrelay/pkg/types"
)

// Signal is the side of a readiness signal the router drives.
// Implementations must not block: Set and Clear are called with a queue lock held.
type Signal interface {
	Set()
	Clear()
}

// Event is a manual-reset event. Waiters are released while it is set and
// block while it is clear.
type Event struct {
	mu    sync.Mutex
	set   bool
	ready chan struct{} // closed while set
}

// NewEvent creates a cleared event
func NewEvent() *Event {
	return &Event{ready: make(chan struct{})}
}

// Set raises the event and releases all waiters. Setting a set event is a no-op.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		return
	}
	e.set = true
	close(e.ready)
}

// Clear lowers the event. Clearing a clear event is a no-op.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return
	}
	e.set = false
	e.ready = make(chan struct{})
}

// IsSet reports whether the event is currently raised
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Done returns a channel that is closed once the event is set. The channel
// belongs to the current clear period; after Clear a new call is needed.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Wait blocks until the event is set or ctx ends.
// Being released does not guarantee the event is still set when Wait returns.
func (e *Event) Wait(ctx context.Context) error {
	// A set event wins over an expired context.
	select {
	case <-e.Done():
		return nil
	default:
	}

	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return types.WrapError(types.ErrCodeTimeout, "wait timed out", ctx.Err())
		}
		return types.WrapError(types.ErrCodeCanceled, "wait canceled", ctx.Err())
	}
}

// WaitTimeout waits at most d. It returns true if the event was set.
func (e *Event) WaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := e.Wait(waitCtx)
	switch {
	case err == nil:
		return true, nil
	case types.IsErrCode(err, types.ErrCodeTimeout) && ctx.Err() == nil:
		return false, nil
	default:
		return false, err
	}
}
