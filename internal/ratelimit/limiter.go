// Package ratelimit implements the per-connection sliding-window limiter with
// escalating lockouts that guards chat and file traffic.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config defines the parameters for per-connection message rate limiting.
type Config struct {
	// Window is the trailing interval used to count recent activity.
	Window time.Duration
	// MaxPerWindow is the number of envelopes accepted inside one window.
	MaxPerWindow int
	// PenaltyUnit is multiplied by the violation count to size a lockout.
	PenaltyUnit time.Duration
	// DecayAfter is the quiet period after the last violation that lets the
	// periodic sweep forgive earlier violations.
	DecayAfter time.Duration
}

// DefaultConfig returns the limits used when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		Window:       5 * time.Second,
		MaxPerWindow: 5,
		PenaltyUnit:  10 * time.Second,
		DecayAfter:   time.Minute,
	}
}

func (c Config) sanitize() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxPerWindow <= 0 {
		c.MaxPerWindow = d.MaxPerWindow
	}
	if c.PenaltyUnit <= 0 {
		c.PenaltyUnit = d.PenaltyUnit
	}
	if c.DecayAfter <= 0 {
		c.DecayAfter = d.DecayAfter
	}
	return c
}

// Result is the outcome of a single Allow call.
type Result struct {
	Allowed bool
	// LockedOut is set when the attempt arrived during an existing lockout.
	LockedOut bool
	// RetryAfter is how long the caller must wait before trying again.
	RetryAfter time.Duration
	// Violations is the violation count after this attempt.
	Violations int
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (r Result) RetryAfterSeconds() int {
	return int((r.RetryAfter + time.Second - 1) / time.Second)
}

// Message renders the rejection reason sent back to the client.
func (r Result) Message() string {
	if r.Allowed {
		return ""
	}
	if r.LockedOut {
		return fmt.Sprintf("Rate limit exceeded. Wait %d seconds.", r.RetryAfterSeconds())
	}
	return fmt.Sprintf("Rate limit exceeded. Timed out for %d seconds.", r.RetryAfterSeconds())
}

// Limiter holds the rate-limit state of one connection. All methods are safe
// for concurrent use; the periodic decay sweep and the per-message check share
// the same mutex.
type Limiter struct {
	mu            sync.Mutex
	cfg           Config
	timestamps    []time.Time
	violations    int
	lockoutUntil  time.Time
	lastViolation time.Time
}

// New creates a Limiter. Non-positive config values fall back to defaults.
func New(cfg Config) *Limiter {
	cfg = cfg.sanitize()
	return &Limiter{
		cfg:        cfg,
		timestamps: make([]time.Time, 0, cfg.MaxPerWindow),
	}
}

// Allow records an attempt at now and reports whether it may proceed.
// Rejected attempts are never recorded as timestamps.
func (l *Limiter) Allow(now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.lockoutUntil) {
		return Result{
			LockedOut:  true,
			RetryAfter: l.lockoutUntil.Sub(now),
			Violations: l.violations,
		}
	}

	l.prune(now)

	if len(l.timestamps) >= l.cfg.MaxPerWindow {
		l.violations++
		l.lastViolation = now
		penalty := time.Duration(l.violations) * l.cfg.PenaltyUnit
		l.lockoutUntil = now.Add(penalty)
		return Result{
			RetryAfter: penalty,
			Violations: l.violations,
		}
	}

	l.timestamps = append(l.timestamps, now)
	return Result{Allowed: true, Violations: l.violations}
}

// prune drops timestamps older than the rolling window. Timestamps are kept
// in ascending order so the first kept index bounds the slice.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	keep := 0
	for keep < len(l.timestamps) && l.timestamps[keep].Before(cutoff) {
		keep++
	}
	if keep == 0 {
		return
	}
	n := copy(l.timestamps, l.timestamps[keep:])
	l.timestamps = l.timestamps[:n]
}

// Decay forgives earlier violations once the connection is outside any
// lockout and has been quiet for DecayAfter. It reports whether a reset
// happened.
func (l *Limiter) Decay(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.violations == 0 || now.Before(l.lockoutUntil) {
		return false
	}
	if now.Sub(l.lastViolation) < l.cfg.DecayAfter {
		return false
	}
	l.violations = 0
	return true
}

// Violations returns the current violation count.
func (l *Limiter) Violations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations
}

// LockedUntil returns the end of the current lockout, or the zero time.
func (l *Limiter) LockedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockoutUntil
}
