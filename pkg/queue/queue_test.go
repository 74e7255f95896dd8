package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/baaaht/pktrelay/pkg/notify"
	"github.com/baaaht/pktrelay/pkg/packet"
	"github.com/baaaht/pktrelay/pkg/types"
)

func newPacket(seq uint32, payload string) *packet.Packet {
	return packet.New(1, 2, seq, true, []byte(payload))
}

func TestEnqueueReportsTransition(t *testing.T) {
	q := New()
	if !q.IsEmpty() {
		t.Fatal("new queue should be empty")
	}
	if !q.Enqueue(newPacket(1, "a")) {
		t.Error("first enqueue should report empty to non-empty")
	}
	if q.Enqueue(newPacket(2, "b")) {
		t.Error("second enqueue should not report a transition")
	}
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
	if want := int64(2 * (packet.HeaderSize + 1)); q.Bytes() != want {
		t.Errorf("Bytes = %d, want %d", q.Bytes(), want)
	}
}

func TestTryDequeueFIFO(t *testing.T) {
	q := New()
	for i := uint32(0); i < 10; i++ {
		q.Enqueue(newPacket(i, fmt.Sprintf("msg-%d", i)))
	}
	for i := uint32(0); i < 10; i++ {
		res := q.TryDequeue(1024)
		if res.Outcome != Consumed {
			t.Fatalf("outcome = %s, want consumed", res.Outcome)
		}
		if res.Packet.Header.Sequence != i {
			t.Fatalf("sequence = %d, want %d", res.Packet.Header.Sequence, i)
		}
	}
	if res := q.TryDequeue(1024); res.Outcome != Empty {
		t.Errorf("outcome = %s, want empty", res.Outcome)
	}
}

func TestTryDequeueTooSmallLeavesHead(t *testing.T) {
	q := New()
	q.Enqueue(newPacket(1, "0123456789"))
	q.Enqueue(newPacket(2, "x"))

	required := packet.HeaderSize + 10
	for _, capacity := range []int{0, packet.HeaderSize, required - 1} {
		res := q.TryDequeue(capacity)
		if res.Outcome != TooSmall {
			t.Fatalf("capacity %d: outcome = %s, want too_small", capacity, res.Outcome)
		}
		if res.Required != required {
			t.Errorf("capacity %d: required = %d, want %d", capacity, res.Required, required)
		}
		if res.Packet != nil {
			t.Errorf("capacity %d: packet should not be returned", capacity)
		}
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}

	res := q.TryDequeue(required)
	if res.Outcome != Consumed || res.Packet.Header.Sequence != 1 {
		t.Fatalf("exact capacity should consume the head, got %s", res.Outcome)
	}
}

func TestBindRaisesForQueuedPackets(t *testing.T) {
	q := New()
	q.Enqueue(newPacket(1, "early"))

	ev := notify.NewEvent()
	if err := q.Bind(ev); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if !ev.IsSet() {
		t.Fatal("binding to a non-empty queue should raise the signal")
	}

	if err := q.Bind(notify.NewEvent()); !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
		t.Errorf("second Bind: expected FAILED_PRECONDITION, got %v", err)
	}
	if err := New().Bind(nil); !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("nil Bind: expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestSignalFollowsQueueState(t *testing.T) {
	q := New()
	ev := notify.NewEvent()
	if err := q.Bind(ev); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if ev.IsSet() {
		t.Fatal("signal should be clear on an empty queue")
	}

	q.Enqueue(newPacket(1, "a"))
	q.Enqueue(newPacket(2, "b"))
	if !ev.IsSet() {
		t.Fatal("signal should be set after enqueue")
	}

	q.TryDequeue(0)
	if !ev.IsSet() {
		t.Fatal("a too-small probe must not clear the signal")
	}

	q.TryDequeue(1024)
	if !ev.IsSet() {
		t.Fatal("signal should stay set while a packet remains")
	}
	q.TryDequeue(1024)
	if ev.IsSet() {
		t.Fatal("signal should clear once the queue is empty")
	}

	q.Enqueue(newPacket(3, "c"))
	if n := q.Drain(); n != 1 {
		t.Errorf("Drain = %d, want 1", n)
	}
	if ev.IsSet() || !q.IsEmpty() || q.Bytes() != 0 {
		t.Error("Drain should empty the queue and clear the signal")
	}
}

func TestPop(t *testing.T) {
	q := New()
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on empty queue should fail")
	}
	q.Enqueue(packet.New(1, 2, 9, true, make([]byte, 1<<16)))
	p, ok := q.Pop()
	if !ok || p.Header.Sequence != 9 {
		t.Fatalf("Pop = %v, %v", p, ok)
	}
}

// observe checks the queue and its signal under the queue lock.
func observe(q *PacketQueue, ev *notify.Event) (nonEmpty, set bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() > 0, ev.IsSet()
}

func TestSignalNeverLagsUnderConcurrency(t *testing.T) {
	q := New()
	ev := notify.NewEvent()
	if err := q.Bind(ev); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	const writers = 4
	const perWriter = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				q.Enqueue(newPacket(uint32(w*perWriter+i), "p"))
			}
		}(w)
	}

	var consumed atomic.Int64
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for consumed.Load() < writers*perWriter {
			if q.TryDequeue(64).Outcome == Consumed {
				consumed.Add(1)
			}
		}
	}()

	var violations atomic.Int64
	observerDone := make(chan struct{})
	go func() {
		defer close(observerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			nonEmpty, set := observe(q, ev)
			if nonEmpty != set {
				violations.Add(1)
			}
		}
	}()

	wg.Wait()
	<-readerDone
	close(stop)
	<-observerDone

	if v := violations.Load(); v != 0 {
		t.Fatalf("observed %d states where signal and queue disagreed", v)
	}
	if ev.IsSet() || !q.IsEmpty() {
		t.Fatal("queue should be drained with the signal clear")
	}
}
