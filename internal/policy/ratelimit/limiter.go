// Package ratelimit paces outbound requests per domain with a randomized
// minimum delay between consecutive requests to the same domain.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrInvalidConfig reports unusable delay bounds.
var ErrInvalidConfig = errors.New("invalid rate limit configuration")

// Config holds rate limiter configuration.
type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Validate checks the delay bounds.
func (c Config) Validate() error {
	if c.MinDelay < 0 {
		return fmt.Errorf("%w: min delay %s is negative", ErrInvalidConfig, c.MinDelay)
	}
	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("%w: max delay %s is below min delay %s", ErrInvalidConfig, c.MaxDelay, c.MinDelay)
	}
	return nil
}

// Observer receives the time a caller actually spent waiting.
type Observer interface {
	ObserveDelay(domain string, delay time.Duration)
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithObserver reports every non-trivial wait to o.
func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		l.observer = o
	}
}

// WithClock swaps the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter manages per-domain request pacing. Each domain has its own lock, so
// callers targeting different domains never block each other.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	domains  map[string]*domainState
	now      func() time.Time
	observer Observer
}

type domainState struct {
	mu   sync.Mutex
	last time.Time
	seen bool
}

// New creates a Limiter or fails with ErrInvalidConfig.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		cfg:     cfg,
		domains: make(map[string]*domainState),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the configured bounds.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Wait blocks until a freshly sampled delay in [MinDelay, MaxDelay] has passed
// since the previous request to domain. The first call for a domain returns
// immediately. A canceled context aborts the wait without recording a request.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	state := l.state(domain)
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.seen {
		target := l.sample()
		elapsed := l.now().Sub(state.last)
		if remaining := target - elapsed; remaining > 0 {
			if err := sleep(ctx, remaining); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
			if l.observer != nil && remaining > time.Millisecond {
				l.observer.ObserveDelay(domain, remaining)
			}
		}
	}
	state.last = l.now()
	state.seen = true
	return nil
}

// WaitURL waits on the domain of rawURL.
func (l *Limiter) WaitURL(ctx context.Context, rawURL string) error {
	return l.Wait(ctx, DomainOf(rawURL))
}

// Delay reports how long a request to domain would have to wait to satisfy
// MinDelay. It never blocks and returns zero for unknown domains.
func (l *Limiter) Delay(domain string) time.Duration {
	l.mu.Lock()
	state, ok := l.domains[domain]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.seen {
		return 0
	}
	remaining := l.cfg.MinDelay - l.now().Sub(state.last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (l *Limiter) state(domain string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.domains[domain]
	if !ok {
		state = &domainState{}
		l.domains[domain] = state
	}
	return state
}

func (l *Limiter) sample() time.Duration {
	spread := l.cfg.MaxDelay - l.cfg.MinDelay
	if spread <= 0 {
		return l.cfg.MinDelay
	}
	return l.cfg.MinDelay + time.Duration(rand.Int64N(int64(spread)+1)) //nolint:gosec // jitter, not security
}

// DomainOf extracts the host used as the pacing key, without a "www." prefix.
func DomainOf(rawURL string) string {
	candidate := rawURL
	if !strings.Contains(candidate, "://") {
		candidate = "http://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
