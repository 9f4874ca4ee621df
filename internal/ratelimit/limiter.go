// Package ratelimit implements fixed-window admission control. Every check
// counts against the window, so a client hammering a rejected action keeps
// itself locked out until the window rolls over.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/civic-directory/accessgate/internal/telemetry"
)

// Rule bounds an action class to at most Limit checks per Window.
type Rule struct {
	Action string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed bool
	// Count is the number of checks recorded in the current window, this one included.
	Count     int64
	Remaining int
	// RetryAfter is the time until the current window closes; zero when allowed.
	RetryAfter time.Duration
}

// Store atomically increments the counter for key, opening a new window of
// the given length when none is active, and reports the time left in it.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// Limiter evaluates Rules against a Store. A nil *Limiter allows everything.
type Limiter struct {
	store Store
}

// New returns a Limiter backed by store.
func New(store Store) *Limiter {
	return &Limiter{store: store}
}

// Key derives the bucket key for a client identifier and action class.
func Key(clientID, action string) string {
	return clientID + ":" + action
}

// Check records one attempt by clientID against rule and reports whether it
// is admitted. The increment happens even when the attempt is rejected.
func (l *Limiter) Check(ctx context.Context, clientID string, rule Rule) (Decision, error) {
	if l == nil || l.store == nil {
		return Decision{Allowed: true, Remaining: rule.Limit}, nil
	}
	if rule.Limit < 1 || rule.Window <= 0 {
		return Decision{}, fmt.Errorf("invalid rate limit rule for %q: limit=%d window=%s", rule.Action, rule.Limit, rule.Window)
	}

	count, resetIn, err := l.store.Increment(ctx, Key(clientID, rule.Action), rule.Window)
	if err != nil {
		telemetry.RateLimitDecisionsTotal.WithLabelValues(rule.Action, "error").Inc()
		return Decision{}, fmt.Errorf("rate limit store: %w", err)
	}

	d := Decision{Count: count}
	if count <= int64(rule.Limit) {
		d.Allowed = true
		d.Remaining = rule.Limit - int(count)
		telemetry.RateLimitDecisionsTotal.WithLabelValues(rule.Action, "allowed").Inc()
		return d, nil
	}

	d.RetryAfter = resetIn
	if d.RetryAfter <= 0 {
		d.RetryAfter = time.Second
	}
	telemetry.RateLimitDecisionsTotal.WithLabelValues(rule.Action, "rejected").Inc()
	return d, nil
}
