// Package queue implements the per-port packet FIFO.
package queue

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/baaaht/pktrelay/pkg/notify"
	"github.com/baaaht/pktrelay/pkg/packet"
	"github.com/baaaht/pktrelay/pkg/types"
)

// Outcome is the result kind of TryDequeue
type Outcome int

const (
	// Empty means no packet was queued
	Empty Outcome = iota
	// Consumed means the head packet was removed and returned
	Consumed
	// TooSmall means the head packet does not fit; it stays queued
	TooSmall
)

// String returns the name of the outcome
func (o Outcome) String() string {
	switch o {
	case Empty:
		return "empty"
	case Consumed:
		return "consumed"
	case TooSmall:
		return "too_small"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned by TryDequeue. Packet is set for Consumed, Required
// (header plus payload size of the head packet) for TooSmall.
type Result struct {
	Outcome  Outcome
	Packet   *packet.Packet
	Required int
}

// PacketQueue is a mutex-protected FIFO of packets. When a signal is bound,
// it is raised and lowered under the same lock that mutates the queue, so a
// reader never sees a non-empty queue with a lowered signal.
type PacketQueue struct {
	mu     sync.Mutex
	items  *list.List
	bytes  int64
	signal notify.Signal
}

// New creates an empty queue
func New() *PacketQueue {
	return &PacketQueue{items: list.New()}
}

// Enqueue appends p and reports whether the queue went from empty to non-empty.
func (q *PacketQueue) Enqueue(p *packet.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	wasEmpty := q.items.Len() == 0
	q.items.PushBack(p)
	q.bytes += int64(p.EncodedSize())
	if wasEmpty && q.signal != nil {
		q.signal.Set()
	}
	return wasEmpty
}

// TryDequeue removes the head packet if its encoded size fits in capacity.
func (q *PacketQueue) TryDequeue(capacity int) Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return Result{Outcome: Empty}
	}
	p := front.Value.(*packet.Packet)
	size := p.EncodedSize()
	if capacity < size {
		return Result{Outcome: TooSmall, Required: size}
	}

	q.items.Remove(front)
	q.bytes -= int64(size)
	if q.items.Len() == 0 && q.signal != nil {
		q.signal.Clear()
	}
	return Result{Outcome: Consumed, Packet: p}
}

// Pop removes the head packet regardless of its size
func (q *PacketQueue) Pop() (*packet.Packet, bool) {
	res := q.TryDequeue(int(^uint(0) >> 1))
	return res.Packet, res.Outcome == Consumed
}

// IsEmpty reports whether the queue holds no packets
func (q *PacketQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() == 0
}

// Len returns the number of queued packets
func (q *PacketQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Bytes returns the encoded size of all queued packets
func (q *PacketQueue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Bind attaches the readiness signal. A queue accepts one signal for its
// lifetime. If packets are already queued the signal is raised immediately.
func (q *PacketQueue) Bind(s notify.Signal) error {
	if s == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "signal is nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.signal != nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "notification already set")
	}
	q.signal = s
	if q.items.Len() > 0 {
		s.Set()
	} else {
		s.Clear()
	}
	return nil
}

// Drain discards every queued packet, lowers the signal and returns the count.
func (q *PacketQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.items.Len()
	q.items.Init()
	q.bytes = 0
	if q.signal != nil {
		q.signal.Clear()
	}
	return n
}
