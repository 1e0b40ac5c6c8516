// Package ratelimit provides the adaptive token bucket shared by all
// enumeration workers talking to one upstream API.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the limiter.
type Config struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`

	// ThrottleFactor multiplies the current rate on every throttle signal.
	ThrottleFactor float64 `yaml:"throttle_factor"`
	// MinRate bounds how far throttling can push the rate down.
	MinRate float64 `yaml:"min_rate"`
	// Cooldown is how long the rate stays reduced before stepping back up.
	Cooldown time.Duration `yaml:"cooldown"`
	// DefaultRetryAfter is used when the upstream gives no retry hint.
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`
}

// DefaultConfig returns conservative ARM-friendly defaults.
func DefaultConfig() Config {
	return Config{
		Rate:              20,
		Burst:             10,
		ThrottleFactor:    0.5,
		Cooldown:          30 * time.Second,
		DefaultRetryAfter: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Rate <= 0 {
		c.Rate = d.Rate
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.ThrottleFactor <= 0 || c.ThrottleFactor >= 1 {
		c.ThrottleFactor = d.ThrottleFactor
	}
	if c.MinRate <= 0 || c.MinRate > c.Rate {
		c.MinRate = c.Rate / 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = d.DefaultRetryAfter
	}
	return c
}

// Limiter is a token bucket whose refill rate drops when the upstream
// signals throttling and climbs back after a cooldown. A retry-after
// hint holds every caller until it elapses, so workers do not stampede
// the API the moment the hint expires.
type Limiter struct {
	cfg Config
	lim *rate.Limiter

	mu          sync.Mutex
	current     rate.Limit
	pausedUntil time.Time
	restoreAt   time.Time
	throttles   int64

	now func() time.Time
}

// Stats is a snapshot of limiter state.
type Stats struct {
	Limit       float64
	BaseLimit   float64
	Throttles   int64
	PausedUntil time.Time
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:     cfg,
		lim:     rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		current: rate.Limit(cfg.Rate),
		now:     time.Now,
	}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.maybeRestore(now)
		hold := l.pausedUntil.Sub(now)
		l.mu.Unlock()

		if hold <= 0 {
			break
		}

		timer := time.NewTimer(hold)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return l.lim.Wait(ctx)
}

// Throttled records a throttle signal from the upstream.
func (l *Limiter) Throttled(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if retryAfter <= 0 {
		retryAfter = l.cfg.DefaultRetryAfter
	}
	now := l.now()
	until := now.Add(retryAfter)
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}

	next := rate.Limit(float64(l.current) * l.cfg.ThrottleFactor)
	if next < rate.Limit(l.cfg.MinRate) {
		next = rate.Limit(l.cfg.MinRate)
	}
	l.setLimit(now, next)
	l.restoreAt = l.pausedUntil.Add(l.cfg.Cooldown)
	l.throttles++
}

// maybeRestore steps the rate back towards the base once the cooldown
// has passed. Called with mu held.
func (l *Limiter) maybeRestore(now time.Time) {
	base := rate.Limit(l.cfg.Rate)
	if l.current >= base || l.restoreAt.IsZero() || now.Before(l.restoreAt) {
		return
	}

	next := rate.Limit(float64(l.current) / l.cfg.ThrottleFactor)
	if next >= base {
		l.setLimit(now, base)
		l.restoreAt = time.Time{}
		return
	}
	l.setLimit(now, next)
	l.restoreAt = now.Add(l.cfg.Cooldown)
}

func (l *Limiter) setLimit(now time.Time, limit rate.Limit) {
	l.current = limit
	l.lim.SetLimitAt(now, limit)
}

// Limit returns the current refill rate.
func (l *Limiter) Limit() rate.Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeRestore(l.now())
	return l.current
}

// Stats returns a snapshot.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Limit:       float64(l.current),
		BaseLimit:   l.cfg.Rate,
		Throttles:   l.throttles,
		PausedUntil: l.pausedUntil,
	}
}
