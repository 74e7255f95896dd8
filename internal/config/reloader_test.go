package config

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestReloaderReload(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "relay:\n  workers: 2\n")

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	r := NewReloader(path, initial)
	var seen *Config
	r.AddCallback(func(ctx context.Context, cfg *Config) error {
		seen = cfg
		return nil
	})

	if err := os.WriteFile(path, []byte("relay:\n  workers: 6\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if seen == nil || seen.Relay.Workers != 6 {
		t.Fatalf("callback saw %v, want workers=6", seen)
	}
	if r.GetConfig().Relay.Workers != 6 {
		t.Errorf("current config not updated")
	}
	if r.State() != ReloadStateIdle {
		t.Errorf("state = %s, want idle", r.State())
	}
}

func TestReloaderCallbackErrorKeepsConfig(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "relay:\n  workers: 2\n")
	initial, _ := Load(path)

	r := NewReloader(path, initial)
	r.AddCallback(func(ctx context.Context, cfg *Config) error {
		return errors.New("rejected")
	})

	if err := r.Reload(context.Background()); err == nil {
		t.Fatal("expected callback error")
	}
	if r.GetConfig() != initial {
		t.Error("config should not change when a callback fails")
	}
	if r.IsReloading() {
		t.Error("reloader should be idle after a failed reload")
	}
}

func TestReloaderInvalidFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "relay:\n  workers: 2\n")
	initial, _ := Load(path)
	r := NewReloader(path, initial)

	if err := os.WriteFile(path, []byte("relay:\n  workers: -1\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if err := r.Reload(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
	if r.GetConfig().Relay.Workers != 2 {
		t.Error("invalid file must not replace the config")
	}
}

func TestReloaderWatchesFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "relay:\n  workers: 2\n")
	initial, _ := Load(path)

	r := NewReloader(path, initial)
	r.debounceDelay = 10 * time.Millisecond
	reloaded := make(chan int, 4)
	r.AddCallback(func(ctx context.Context, cfg *Config) error {
		reloaded <- cfg.Relay.Workers
		return nil
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	if err := os.WriteFile(path, []byte("relay:\n  workers: 8\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case workers := <-reloaded:
			if workers == 8 {
				return
			}
		case <-deadline:
			t.Fatal("file change did not trigger a reload")
		}
	}
}

func TestReloaderStartStop(t *testing.T) {
	r := NewReloader("", Default())
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	r.Stop()
	if r.State() != ReloadStateStopped {
		t.Errorf("state = %s, want stopped", r.State())
	}
	r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if r.State() != ReloadStateIdle {
		t.Errorf("state after restart = %s, want idle", r.State())
	}
	r.Stop()
}
