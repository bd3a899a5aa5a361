package session

import (
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport and command protocol defaults.
type Config struct {
	ConnectTimeout   time.Duration
	BootstrapTimeout time.Duration
	QueryTimeout     time.Duration
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration

	// ReadChunkSize is the per-frame size requested for chunked reads.
	ReadChunkSize int
	// WriteChunkSize is the raw byte size of one write chunk before base64.
	WriteChunkSize int
	// HighWaterMark bounds write chunks emitted but not yet acknowledged.
	HighWaterMark int
	// WriteRate caps write chunks per second; zero means unlimited.
	WriteRate float64

	Limits  frame.Limits
	Backoff BackoffConfig
}

const (
	DefaultReadChunkSize  = 1024
	DefaultWriteChunkSize = 10 * 1024
	DefaultHighWaterMark  = 20
)

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		BootstrapTimeout: 10 * time.Second,
		QueryTimeout:     5 * time.Second,
		IdleTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadChunkSize:    DefaultReadChunkSize,
		WriteChunkSize:   DefaultWriteChunkSize,
		HighWaterMark:    DefaultHighWaterMark,
		Limits:           frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = d.BootstrapTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = d.ReadChunkSize
	}
	if c.WriteChunkSize <= 0 {
		c.WriteChunkSize = d.WriteChunkSize
	}
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = d.HighWaterMark
	}
	if c.WriteRate < 0 {
		c.WriteRate = 0
	}
	if c.Limits.MaxBinaryBytes <= 0 {
		c.Limits.MaxBinaryBytes = d.Limits.MaxBinaryBytes
	}
	if c.Limits.MaxTextBytes <= 0 {
		c.Limits.MaxTextBytes = d.Limits.MaxTextBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
