// Package connwatch provides the restart schedule and liveness probing
// used to supervise capability-server sessions.
//
// A [Backoff] produces the delay before each restart attempt: the delay
// starts at InitialDelay, grows by Multiplier after every consecutive
// failure, and is capped at MaxDelay. Once more than MaxRetries
// consecutive attempts have failed the schedule is exhausted and the
// caller stops restarting on its own. A session that stays healthy for
// longer than the current interval earns a [Backoff.Reset], so transient
// faults recover quickly while a permanently broken configuration does
// not produce a restart storm.
package connwatch

import (
	"context"
	"math"
	"time"
)

// ProbeFunc checks whether a service is responsive. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first restart (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of consecutive restarts allowed before
	// the schedule is exhausted (default: 10).
	MaxRetries int
}

// DefaultBackoffConfig returns 1s, 2s, 4s, ... capped at 60s, with 10
// consecutive restarts before giving up.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}

// Backoff is a restart schedule. It is not safe for concurrent use; the
// supervising goroutine owns it.
type Backoff struct {
	cfg      BackoffConfig
	failures int
	current  time.Duration
}

// NewBackoff creates a schedule. Zero-value config fields are replaced
// with defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{cfg: cfg, current: cfg.InitialDelay}
}

// Config returns the effective configuration.
func (b *Backoff) Config() BackoffConfig {
	return b.cfg
}

// Next records one more consecutive failure and returns the delay to
// wait before restarting. ok is false once the failure count exceeds
// MaxRetries; the returned delay is then zero and the count stays at
// MaxRetries+1.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.failures > b.cfg.MaxRetries {
		return 0, false
	}
	b.failures++
	if b.failures > b.cfg.MaxRetries {
		return 0, false
	}
	b.current = b.delayFor(b.failures)
	return b.current, true
}

// delayFor computes InitialDelay * Multiplier^(n-1), capped at MaxDelay.
func (b *Backoff) delayFor(n int) time.Duration {
	d := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(n-1))
	if d > float64(b.cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Failures returns the number of consecutive failures recorded since
// the last reset.
func (b *Backoff) Failures() int {
	if b.failures > b.cfg.MaxRetries {
		return b.cfg.MaxRetries
	}
	return b.failures
}

// Exhausted reports whether the restart ceiling has been passed.
func (b *Backoff) Exhausted() bool {
	return b.failures > b.cfg.MaxRetries
}

// Current returns the most recently scheduled delay, or InitialDelay
// when nothing has been scheduled since the last reset.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// SustainedFor reports whether a healthy period of length up is long
// enough to reset the schedule: strictly longer than the current
// interval.
func (b *Backoff) SustainedFor(up time.Duration) bool {
	return up > b.current
}

// Reset returns the schedule to its initial state.
func (b *Backoff) Reset() {
	b.failures = 0
	b.current = b.cfg.InitialDelay
}

// Watch probes every interval until a probe fails or ctx is cancelled.
// It returns the probe error, or nil when ctx ends first. Each probe is
// bounded by timeout.
func Watch(ctx context.Context, interval, timeout time.Duration, probe ProbeFunc) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			err := probe(probeCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

// SleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
