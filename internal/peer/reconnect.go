package peer

import (
	"math"
	"math/rand"
	"time"
)

// ReconnectConfig contains configuration for reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
	Jitter       float64
}

// DefaultReconnectConfig returns sensible defaults for reconnection.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
		Jitter:       0.2,
	}
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	d := DefaultReconnectConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = max(d.MaxDelay, c.InitialDelay)
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	return c
}

// BackoffCalculator calculates backoff delays.
type BackoffCalculator struct {
	cfg ReconnectConfig
}

// NewBackoffCalculator creates a new backoff calculator.
func NewBackoffCalculator(cfg ReconnectConfig) *BackoffCalculator {
	return &BackoffCalculator{cfg: cfg}
}

// CalculateDelay calculates the delay for the given attempt number (0-indexed).
func (b *BackoffCalculator) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.cfg.InitialDelay
	}

	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}

	return time.Duration(delay)
}

// Backoff tracks consecutive failed connection attempts. It is not safe for
// concurrent use; each Link owns one.
type Backoff struct {
	cfg      ReconnectConfig
	calc     *BackoffCalculator
	attempts int
}

// NewBackoff creates a backoff starting at the initial delay.
func NewBackoff(cfg ReconnectConfig) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{cfg: cfg, calc: NewBackoffCalculator(cfg)}
}

// Next returns the delay before the next attempt. ok is false once
// MaxAttempts consecutive failures have been recorded.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.cfg.MaxAttempts > 0 && b.attempts >= b.cfg.MaxAttempts {
		return 0, false
	}
	delay = b.addJitter(b.calc.CalculateDelay(b.attempts))
	b.attempts++
	return delay, true
}

// Reset clears the failure count after a successful connection.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of consecutive failures so far.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// addJitter spreads d uniformly over [d-j, d+j] where j = d*Jitter.
func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}

	jitterRange := float64(d) * b.cfg.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange

	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		result = d
	}
	return result
}
