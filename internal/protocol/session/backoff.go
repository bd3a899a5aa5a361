package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Retrier counts reconnect attempts for a supervisor loop. The bridge itself
// never retries; callers that want reconnection drive a Retrier.
type Retrier struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
}

func NewRetrier(cfg BackoffConfig) *Retrier {
	return &Retrier{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Attempt returns the number of waits since the last Reset.
func (r *Retrier) Attempt() int {
	return r.attempt
}

// Reset clears the attempt counter after a successful connect.
func (r *Retrier) Reset() {
	r.attempt = 0
}

// Wait sleeps for the next backoff delay or until ctx is done.
func (r *Retrier) Wait(ctx context.Context) error {
	r.attempt++
	timer := time.NewTimer(NextBackoffDelay(r.cfg, r.attempt, r.rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
