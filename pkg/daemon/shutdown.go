package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates the daemon is running normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateStopping indicates the daemon is being closed
	ShutdownStateStopping ShutdownState = "stopping"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

const (
	// hookTimeout bounds a single hook
	hookTimeout = 5 * time.Second
	// DefaultShutdownTimeout bounds the whole shutdown when none is given
	DefaultShutdownTimeout = 30 * time.Second
)

// ShutdownManager closes a component on SIGINT/SIGTERM or on request,
// running hooks before and after.
type ShutdownManager struct {
	mu              sync.RWMutex
	target          io.Closer
	state           ShutdownState
	shutdownTimeout time.Duration
	preHooks        []ShutdownHook
	postHooks       []ShutdownHook
	logger          *logger.Logger
	signalChan      chan os.Signal
	stopCtx         context.Context
	stopCancel      context.CancelFunc
	started         bool
	completionChan  chan struct{}
	shutdownReason  string
	initiatedAt     time.Time
	closeErr        error
}

// NewShutdownManager creates a shutdown manager for target
func NewShutdownManager(target io.Closer, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if log == nil {
		log, _ = logger.NewDefault()
	}
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		target:          target,
		state:           ShutdownStateRunning,
		shutdownTimeout: timeout,
		logger:          log.With("component", "shutdown_manager"),
		signalChan:      make(chan os.Signal, 1),
		stopCtx:         ctx,
		stopCancel:      cancel,
		completionChan:  make(chan struct{}),
	}
}

// Start begins listening for shutdown signals
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}
	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM)
	sm.started = true

	go sm.handleSignals()
}

// Stop stops signal handling
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}
	signal.Stop(sm.signalChan)
	sm.stopCancel()
	sm.started = false
}

// Shutdown runs the hooks and closes the target. Only the first call does
// any work; later calls fail with FAILED_PRECONDITION.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.shutdownReason = reason
	sm.initiatedAt = time.Now()
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	if err := sm.executeHooks(shutdownCtx, "pre-shutdown", sm.hooksFor(false)); err != nil {
		sm.logger.Error("Pre-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateStopping)

	var closeErr error
	if sm.target != nil {
		done := make(chan error, 1)
		go func() { done <- sm.target.Close() }()
		select {
		case closeErr = <-done:
		case <-shutdownCtx.Done():
			closeErr = types.WrapError(types.ErrCodeTimeout, "close did not finish within the shutdown timeout", shutdownCtx.Err())
		}
		if closeErr != nil {
			sm.logger.Error("Close failed", "error", closeErr)
		}
	}

	if err := sm.executeHooks(shutdownCtx, "post-shutdown", sm.hooksFor(true)); err != nil {
		sm.logger.Error("Post-shutdown hooks failed", "error", err)
	}

	sm.mu.Lock()
	sm.state = ShutdownStateComplete
	sm.closeErr = closeErr
	started := sm.initiatedAt
	sm.mu.Unlock()
	close(sm.completionChan)

	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(started))
	return closeErr
}

// AddHook adds a hook run before the target is closed
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.preHooks = append(sm.preHooks, hook)
}

// AddPostHook adds a hook run after the target is closed
func (sm *ShutdownManager) AddPostHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.postHooks = append(sm.postHooks, hook)
}

func (sm *ShutdownManager) hooksFor(post bool) []ShutdownHook {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	src := sm.preHooks
	if post {
		src = sm.postHooks
	}
	return append([]ShutdownHook(nil), src...)
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// ShutdownReason returns the reason for shutdown
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.shutdownReason
}

// Done is closed once shutdown is complete
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.completionChan
}

// WaitCompletion waits for shutdown to complete and returns the error from
// closing the target.
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		sm.mu.RLock()
		defer sm.mu.RUnlock()
		return sm.closeErr
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

func (sm *ShutdownManager) handleSignals() {
	select {
	case sig := <-sm.signalChan:
		sm.logger.Info("Shutdown signal received", "signal", sig.String())
		if err := sm.Shutdown(context.Background(), fmt.Sprintf("signal received: %s", sig)); err != nil {
			sm.logger.Error("Shutdown failed", "error", err)
		}
	case <-sm.stopCtx.Done():
	}
}

func (sm *ShutdownManager) executeHooks(ctx context.Context, phase string, hooks []ShutdownHook) error {
	var firstErr error
	failed := 0
	for i, hook := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
		err := hook(hookCtx)
		cancel()
		if err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", phase, "hook", i, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			failed++
		}
		if ctx.Err() != nil {
			return types.WrapError(types.ErrCodeCanceled, phase+" hooks canceled", ctx.Err())
		}
	}
	if firstErr != nil {
		return types.WrapError(types.ErrCodeInternal, fmt.Sprintf("%d %s hooks failed", failed, phase), firstErr)
	}
	return nil
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
}

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.shutdownTimeout, len(sm.preHooks)+len(sm.postHooks), sm.started)
}
