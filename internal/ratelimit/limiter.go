// Package ratelimit implements fixed-window request counting per caller key.
package ratelimit

import (
	"context"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-service/internal/core"
)

// Window is the counter state of one caller key.
type Window struct {
	Count int       `json:"count"`
	Start time.Time `json:"start"`
}

// Store increments window counters. Implementations must start a fresh window
// with count 1 when none exists or the current one has expired at now.
type Store interface {
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Window, error)
}

// Limiter admits at most limit requests per key within each fixed window.
type Limiter struct {
	name   string
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
	log    *logger.Logger
}

// Options configure a Limiter.
type Options struct {
	Name   string
	Limit  int
	Window time.Duration
	Now    func() time.Time
}

// New creates a limiter over store.
func New(store Store, opts Options, log *logger.Logger) *Limiter {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		name:   opts.Name,
		store:  store,
		limit:  opts.Limit,
		window: opts.Window,
		now:    now,
		log:    log,
	}
}

// Limit returns the configured cap per window.
func (l *Limiter) Limit() int {
	return l.limit
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Admit counts one request for callerKey. A store failure admits the request.
func (l *Limiter) Admit(ctx context.Context, callerKey string) (core.Decision, error) {
	now := l.now()

	state, err := l.store.Increment(ctx, callerKey, now, l.window)
	if err != nil {
		l.log.Warn("Rate limiter %s store error for key %s, admitting: %v", l.name, callerKey, err)

		return core.Decision{
			Allowed:    true,
			Limit:      l.limit,
			Remaining:  l.limit,
			RetryAfter: 0,
			ResetAt:    now.Add(l.window),
		}, nil
	}

	resetAt := state.Start.Add(l.window)
	decision := core.Decision{
		Allowed:    state.Count <= l.limit,
		Limit:      l.limit,
		Remaining:  max(0, l.limit-state.Count),
		RetryAfter: 0,
		ResetAt:    resetAt,
	}

	if !decision.Allowed {
		decision.RetryAfter = max(resetAt.Sub(now), time.Second)

		l.log.Warn("Rate limiter %s denied key %s: %d requests in window", l.name, callerKey, state.Count)
	}

	return decision, nil
}

func expired(state Window, now time.Time, window time.Duration) bool {
	return !now.Before(state.Start.Add(window))
}
