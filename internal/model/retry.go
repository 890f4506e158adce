package model

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig defines how long the supervisor waits between cycles.
type BackoffConfig struct {
	Interval               time.Duration `json:"interval" yaml:"-"`
	InitialBackoff         time.Duration `json:"initial_backoff" yaml:"initialBackoff"`
	MaxBackoff             time.Duration `json:"max_backoff" yaml:"maxBackoff"`
	Multiplier             float64       `json:"multiplier" yaml:"multiplier"`
	Jitter                 bool          `json:"jitter" yaml:"jitter"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures" yaml:"maxConsecutiveFailures"`
}

// DefaultBackoffConfig is used for every field left zero.
var DefaultBackoffConfig = BackoffConfig{
	Interval:               time.Minute,
	InitialBackoff:         5 * time.Second,
	MaxBackoff:             5 * time.Minute,
	Multiplier:             2.0,
	Jitter:                 true,
	MaxConsecutiveFailures: 10,
}

// WithDefaults fills zero fields from DefaultBackoffConfig. Jitter is kept
// as given.
func (c BackoffConfig) WithDefaults() BackoffConfig {
	d := DefaultBackoffConfig
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	return c
}

// Backoff is the wait after the given number of consecutive failed cycles
// (failures >= 1). With Jitter the delay is spread by up to ±10%.
func (c BackoffConfig) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := time.Duration(float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(failures-1)))
	if delay > c.MaxBackoff || delay <= 0 {
		delay = c.MaxBackoff
	}
	if c.Jitter {
		spread := float64(delay) * 0.1
		delay += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return delay
}
