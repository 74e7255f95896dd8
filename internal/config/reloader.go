package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	// ReloadStateIdle indicates the reloader is idle
	ReloadStateIdle ReloadState = "idle"
	// ReloadStateReloading indicates a reload is in progress
	ReloadStateReloading ReloadState = "reloading"
	// ReloadStateStopped indicates the reloader is stopped
	ReloadStateStopped ReloadState = "stopped"
)

const (
	// reloadTimeout bounds a reload triggered by a signal or file change
	reloadTimeout = 30 * time.Second
	// defaultDebounce collapses bursts of file events from one save
	defaultDebounce = 100 * time.Millisecond
)

// ReloadCallback is a function that is called when configuration is reloaded
// The new config is passed as an argument, allowing the caller to apply it
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader reloads configuration on SIGHUP and, when a config file is in
// use, whenever that file is written.
type Reloader struct {
	mu            sync.RWMutex
	configPath    string
	currentConfig *Config
	state         ReloadState
	signalChan    chan os.Signal
	reloadCtx     context.Context
	reloadCancel  context.CancelFunc
	started       bool
	callbacks     []ReloadCallback
	watcher       *fsnotify.Watcher
	debounce      *time.Timer
	debounceDelay time.Duration
	wg            sync.WaitGroup
}

// NewReloader creates a new config reloader
func NewReloader(configPath string, initialConfig *Config) *Reloader {
	ctx, cancel := context.WithCancel(context.Background())

	return &Reloader{
		configPath:    configPath,
		currentConfig: initialConfig,
		state:         ReloadStateIdle,
		signalChan:    make(chan os.Signal, 1),
		reloadCtx:     ctx,
		reloadCancel:  cancel,
		callbacks:     make([]ReloadCallback, 0),
		debounceDelay: defaultDebounce,
	}
}

// Start begins listening for SIGHUP and file changes
func (r *Reloader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	if r.state == ReloadStateStopped {
		ctx, cancel := context.WithCancel(context.Background())
		r.reloadCtx = ctx
		r.reloadCancel = cancel
		r.state = ReloadStateIdle
	}

	if r.configPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are seen.
		if err := watcher.Add(filepath.Dir(r.configPath)); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", filepath.Dir(r.configPath), err)
		}
		r.watcher = watcher
		r.wg.Add(1)
		go r.watchFile(r.reloadCtx, watcher)
	}

	signal.Notify(r.signalChan, syscall.SIGHUP)

	r.started = true
	log.Printf("[config_reloader] started, config_path=%s", r.configPath)

	r.wg.Add(1)
	go r.handleSignals(r.reloadCtx)
	return nil
}

// Stop stops signal handling and file watching
func (r *Reloader) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}

	signal.Stop(r.signalChan)
	r.reloadCancel()
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.started = false
	r.state = ReloadStateStopped
	r.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	r.wg.Wait()

	log.Print("[config_reloader] stopped")
}

// Reload reloads the configuration from the file
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		log.Print("[config_reloader] reload already in progress, skipping")
		return nil
	}
	r.state = ReloadStateReloading
	log.Printf("[config_reloader] configuration reload initiated, config_path=%s", r.configPath)
	r.mu.Unlock()

	newConfig, err := Load(r.configPath)
	if err != nil {
		r.finishReload(nil)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := r.executeCallbacks(ctx, newConfig); err != nil {
		log.Printf("[config_reloader] reload callbacks failed: %v", err)
		r.finishReload(nil)
		return fmt.Errorf("reload callbacks failed: %w", err)
	}

	r.finishReload(newConfig)
	log.Print("[config_reloader] configuration reloaded successfully")
	return nil
}

// finishReload returns to idle unless Stop ran meanwhile
func (r *Reloader) finishReload(newConfig *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newConfig != nil {
		r.currentConfig = newConfig
	}
	if r.state == ReloadStateReloading {
		r.state = ReloadStateIdle
	}
}

// AddCallback adds a callback that will be called when config is reloaded
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callbacks = append(r.callbacks, callback)
	log.Printf("[config_reloader] reload callback registered, total_callbacks=%d", len(r.callbacks))
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConfig
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// IsReloading returns true if a reload is in progress
func (r *Reloader) IsReloading() bool {
	return r.State() == ReloadStateReloading
}

// handleSignals handles incoming SIGHUP signals
func (r *Reloader) handleSignals(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case sig := <-r.signalChan:
			log.Printf("[config_reloader] reload signal received, signal=%v", sig)
			r.reloadAsync()

		case <-ctx.Done():
			return
		}
	}
}

// watchFile triggers a debounced reload when the config file is written
func (r *Reloader) watchFile(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.wg.Done()
	target := filepath.Clean(r.configPath)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.debounceReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config_reloader] watcher error: %v", err)
		}
	}
}

func (r *Reloader) debounceReload() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}
	if r.debounce != nil {
		r.debounce.Stop()
	}
	r.debounce = time.AfterFunc(r.debounceDelay, func() {
		log.Printf("[config_reloader] config file changed, config_path=%s", r.configPath)
		r.reloadAsync()
	})
}

func (r *Reloader) reloadAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := r.Reload(ctx); err != nil {
			log.Printf("[config_reloader] configuration reload failed: %v", err)
		}
	}()
}

// executeCallbacks executes all registered reload callbacks
func (r *Reloader) executeCallbacks(ctx context.Context, newConfig *Config) error {
	r.mu.RLock()
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			log.Printf("[config_reloader] reload callback failed, callback=callback-%d, error=%v", i, err)
			return err
		}
	}

	return nil
}

// String returns a string representation of the reload state
func (s ReloadState) String() string {
	return string(s)
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return fmt.Sprintf("Reloader{state: %s, config_path: %s, callbacks: %d}",
		r.state, r.configPath, len(r.callbacks))
}
