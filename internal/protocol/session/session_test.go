package session

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 2, rng)
	if got < 250*time.Millisecond || got > 750*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestWithDefaultsFillsProtocolDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{HighWaterMark: 4}.WithDefaults()
	if cfg.HighWaterMark != 4 {
		t.Fatalf("explicit high water mark overwritten: %d", cfg.HighWaterMark)
	}
	if cfg.ReadChunkSize != 1024 || cfg.WriteChunkSize != 10*1024 {
		t.Fatalf("unexpected chunk defaults: read=%d write=%d", cfg.ReadChunkSize, cfg.WriteChunkSize)
	}
	if cfg.IdleTimeout <= 0 || cfg.Limits.MaxTextBytes <= 0 {
		t.Fatalf("timeouts/limits not defaulted: %+v", cfg)
	}
}

func TestRetrierWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	r := NewRetrier(BackoffConfig{InitialDelay: time.Hour, Multiplier: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Wait(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if r.Attempt() != 1 {
		t.Fatalf("unexpected attempt count: %d", r.Attempt())
	}
	r.Reset()
	if r.Attempt() != 0 {
		t.Fatalf("reset did not clear attempts")
	}
}
