package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baaaht/pktrelay/pkg/types"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestShutdownRunsHooksAroundClose(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	sm := NewShutdownManager(closerFunc(func() error {
		record("close")
		return nil
	}), time.Second, testLogger(t))
	sm.AddHook(func(ctx context.Context) error {
		record("pre")
		return nil
	})
	sm.AddPostHook(func(ctx context.Context) error {
		record("post")
		return nil
	})

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	want := []string{"pre", "close", "post"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Step %d: expected %s, got %s", i, want[i], order[i])
		}
	}
	if sm.State() != ShutdownStateComplete {
		t.Errorf("Expected state complete, got %s", sm.State())
	}
	if sm.ShutdownReason() != "test" {
		t.Errorf("Expected reason test, got %q", sm.ShutdownReason())
	}
}

func TestShutdownOnlyOnce(t *testing.T) {
	sm := NewShutdownManager(closerFunc(func() error { return nil }), time.Second, testLogger(t))
	if err := sm.Shutdown(context.Background(), "first"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	err := sm.Shutdown(context.Background(), "second")
	if !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
		t.Errorf("Expected FAILED_PRECONDITION, got %v", err)
	}
	if sm.ShutdownReason() != "first" {
		t.Errorf("Reason should stay first, got %q", sm.ShutdownReason())
	}
}

func TestShutdownReturnsCloseError(t *testing.T) {
	closeErr := errors.New("boom")
	sm := NewShutdownManager(closerFunc(func() error { return closeErr }), time.Second, testLogger(t))
	sm.AddHook(func(ctx context.Context) error { return errors.New("hook failed") })

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- sm.WaitCompletion(ctx)
	}()

	if err := sm.Shutdown(context.Background(), "test"); !errors.Is(err, closeErr) {
		t.Errorf("Expected close error, got %v", err)
	}
	if err := <-done; !errors.Is(err, closeErr) {
		t.Errorf("WaitCompletion: expected close error, got %v", err)
	}
	select {
	case <-sm.Done():
	default:
		t.Error("Done should be closed after shutdown")
	}
}

func TestShutdownTimesOutSlowClose(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sm := NewShutdownManager(closerFunc(func() error {
		<-release
		return nil
	}), 50*time.Millisecond, testLogger(t))

	err := sm.Shutdown(context.Background(), "test")
	if !types.IsErrCode(err, types.ErrCodeTimeout) {
		t.Errorf("Expected TIMEOUT, got %v", err)
	}
}

func TestWaitCompletionCanceled(t *testing.T) {
	sm := NewShutdownManager(closerFunc(func() error { return nil }), time.Second, testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sm.WaitCompletion(ctx); !types.IsErrCode(err, types.ErrCodeCanceled) {
		t.Errorf("Expected CANCELED, got %v", err)
	}
	if sm.IsShuttingDown() {
		t.Error("Shutdown was never requested")
	}
}

func TestShutdownManagerStartStop(t *testing.T) {
	sm := NewShutdownManager(closerFunc(func() error { return nil }), 0, testLogger(t))
	sm.Start()
	sm.Start()
	sm.Stop()
	sm.Stop()
	if sm.IsShuttingDown() {
		t.Error("Stop should not trigger a shutdown")
	}
}
