package port

import (
	"sync"
	"testing"

	"github.com/baaaht/pktrelay/pkg/notify"
	"github.com/baaaht/pktrelay/pkg/packet"
	"github.com/baaaht/pktrelay/pkg/types"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	p, err := r.Register(100)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if p.Identity() != 100 {
		t.Errorf("Identity = %s, want 100", p.Identity())
	}
	if !p.Inbound().IsEmpty() || !p.Outbound().IsEmpty() {
		t.Error("new port should have empty queues")
	}

	got, ok := r.Lookup(100)
	if !ok || got != p {
		t.Fatalf("Lookup(100) = %v, %v", got, ok)
	}
	if _, ok := r.Lookup(200); ok {
		t.Error("Lookup of unknown identity should report absent")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(7); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, err := r.Register(7)
	if !types.IsErrCode(err, types.ErrCodeAlreadyExists) {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestDeregisterFreesIdentity(t *testing.T) {
	r := NewRegistry()
	p, _ := r.Register(7)
	p.Inbound().Enqueue(packet.New(1, 7, 0, true, []byte("pending")))

	dropped, err := r.Deregister(p)
	if err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if !p.Released() {
		t.Error("port should be marked released")
	}
	if !p.Inbound().IsEmpty() {
		t.Error("inbound queue should be drained")
	}
	if _, ok := r.Lookup(7); ok {
		t.Error("identity should no longer resolve")
	}

	if _, err := r.Deregister(p); !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("second Deregister: expected NOT_FOUND, got %v", err)
	}

	again, err := r.Register(7)
	if err != nil {
		t.Fatalf("re-register after deregister failed: %v", err)
	}
	if _, err := r.Deregister(p); !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("stale port must not remove its successor, got %v", err)
	}
	if got, _ := r.Lookup(7); got != again {
		t.Error("successor port should still be registered")
	}
}

func TestSetNotificationOnce(t *testing.T) {
	r := NewRegistry()
	p, _ := r.Register(1)

	if err := r.SetNotification(p, notify.NewEvent()); err != nil {
		t.Fatalf("SetNotification failed: %v", err)
	}
	if err := r.SetNotification(p, notify.NewEvent()); !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
		t.Errorf("expected FAILED_PRECONDITION, got %v", err)
	}

	q, _ := r.Register(2)
	if _, err := r.Deregister(q); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if err := r.SetNotification(q, notify.NewEvent()); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE on released port, got %v", err)
	}
}

func TestConcurrentRegisterUniqueness(t *testing.T) {
	r := NewRegistry()

	const contenders = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Register(42); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("%d registrations of the same identity succeeded, want 1", winners)
	}
}

func TestTeardown(t *testing.T) {
	r := NewRegistry()
	for id := types.Identity(1); id <= 3; id++ {
		p, err := r.Register(id)
		if err != nil {
			t.Fatalf("Register(%s) failed: %v", id, err)
		}
		p.Outbound().Enqueue(packet.New(id, 9, 0, true, nil))
	}

	snapshot := r.Ports()
	if n := r.Teardown(); n != 3 {
		t.Errorf("Teardown = %d, want 3", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after teardown", r.Len())
	}
	for _, p := range snapshot {
		if !p.Released() || !p.Outbound().IsEmpty() {
			t.Errorf("%s not released and drained", p)
		}
	}
	if _, err := r.Register(4); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("Register after teardown: expected UNAVAILABLE, got %v", err)
	}
}
