package config

import (
	"time"

	"github.com/danmuck/edgelink/internal/protocol/session"
)

// ToSession overlays the set fields of c onto session.DefaultConfig.
func (c SessionConfig) ToSession() session.Config {
	out := session.DefaultConfig()
	setDuration(&out.ConnectTimeout, c.ConnectTimeout)
	setDuration(&out.BootstrapTimeout, c.BootstrapTimeout)
	setDuration(&out.QueryTimeout, c.QueryTimeout)
	setDuration(&out.IdleTimeout, c.IdleTimeout)
	setDuration(&out.WriteTimeout, c.WriteTimeout)
	if c.ReadChunkSize > 0 {
		out.ReadChunkSize = c.ReadChunkSize
	}
	if c.WriteChunkSize > 0 {
		out.WriteChunkSize = c.WriteChunkSize
	}
	if c.HighWaterMark > 0 {
		out.HighWaterMark = c.HighWaterMark
	}
	if c.WriteRate > 0 {
		out.WriteRate = c.WriteRate
	}
	if c.MaxBinaryBytes > 0 {
		out.Limits.MaxBinaryBytes = c.MaxBinaryBytes
	}
	if c.MaxTextBytes > 0 {
		out.Limits.MaxTextBytes = c.MaxTextBytes
	}
	setDuration(&out.Backoff.InitialDelay, c.Backoff.InitialDelay)
	setDuration(&out.Backoff.MaxDelay, c.Backoff.MaxDelay)
	if c.Backoff.Multiplier > 0 {
		out.Backoff.Multiplier = c.Backoff.Multiplier
	}
	if c.Backoff.Jitter != nil {
		out.Backoff.Jitter = *c.Backoff.Jitter
	}
	return out.WithDefaults()
}

func setDuration(dst *time.Duration, d Duration) {
	if d.Duration > 0 {
		*dst = d.Duration
	}
}
