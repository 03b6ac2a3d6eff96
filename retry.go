package fieldscript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"
)

// RetryConfig configures exponential backoff for retryable remote failures.
// Zero fields take their defaults.
type RetryConfig struct {
	// BaseDelay is the wait before the first retry. Defaults to 500ms.
	BaseDelay time.Duration

	// Multiplier scales the delay after every retry. Defaults to 2.
	Multiplier float64

	// MaxDelay caps a single wait. Defaults to 30s.
	MaxDelay time.Duration

	// JitterPercent randomizes each wait by up to this percentage. Defaults to 10.
	JitterPercent uint64

	// MaxAttempts bounds the total number of attempts, the first included.
	// Defaults to 4.
	MaxAttempts int
}

// DefaultRetryConfig returns the default backoff policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:     500 * time.Millisecond,
		Multiplier:    2,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
		MaxAttempts:   4,
	}
}

func (c RetryConfig) validate() error {
	switch {
	case c.BaseDelay < 0:
		return &ValidationError{Field: "Retry.BaseDelay", Message: "must be non-negative"}
	case c.MaxDelay < 0:
		return &ValidationError{Field: "Retry.MaxDelay", Message: "must be non-negative"}
	case c.Multiplier != 0 && c.Multiplier < 1:
		return &ValidationError{Field: "Retry.Multiplier", Message: "must be at least 1"}
	case c.JitterPercent > 100:
		return &ValidationError{Field: "Retry.JitterPercent", Message: "must be at most 100"}
	case c.MaxAttempts < 0:
		return &ValidationError{Field: "Retry.MaxAttempts", Message: "must be non-negative"}
	}
	return nil
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.BaseDelay == 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterPercent == 0 {
		c.JitterPercent = d.JitterPercent
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// backoff builds a fresh go-retry policy. A policy is stateful, so every
// call site needs its own.
func (c RetryConfig) backoff() retry.Backoff {
	c = c.withDefaults()
	delay := c.BaseDelay

	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		current := delay
		next := float64(delay) * c.Multiplier
		if next > float64(c.MaxDelay) || next > math.MaxInt64 {
			delay = c.MaxDelay
		} else {
			delay = time.Duration(next)
		}
		return current, false
	})
	b = retry.WithJitterPercent(c.JitterPercent, b)
	b = retry.WithCappedDuration(c.MaxDelay, b)

	retries := uint64(0)
	if c.MaxAttempts > 1 {
		retries = uint64(c.MaxAttempts - 1)
	}
	return retry.WithMaxRetries(retries, b)
}

// Retrier runs operations with exponential backoff. Only NoConnection,
// Timeout and RemoteUnavailable failures are retried.
type Retrier struct {
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetrier creates a retrier.
func NewRetrier(cfg RetryConfig, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{cfg: cfg.withDefaults(), logger: logger}
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempts are used up. The last error from fn is returned.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var (
		attempt int
		last    error
	)
	err := retry.Do(ctx, r.cfg.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !shouldRetry(err) {
			return err
		}
		r.logger.Debug("retrying remote call", "op", op, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil && last != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return last
	}
	return err
}

func shouldRetry(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return KindOf(err).Retryable()
}

// BreakerConfig configures the per-operation circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive network failures that
	// opens a breaker. Defaults to 5.
	FailureThreshold int

	// Cooldown is how long an open breaker rejects calls before letting a
	// single trial through. Defaults to 60s.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker policy.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 60 * time.Second}
}

func (c BreakerConfig) validate() error {
	if c.FailureThreshold < 0 {
		return &ValidationError{Field: "Breaker.FailureThreshold", Message: "must be non-negative"}
	}
	if c.Cooldown < 0 {
		return &ValidationError{Field: "Breaker.Cooldown", Message: "must be non-negative"}
	}
	return nil
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown == 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Breakers holds one circuit breaker per named remote operation.
type Breakers struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]
}

// NewBreakers creates an empty breaker set.
func NewBreakers(cfg BreakerConfig, logger *slog.Logger) *Breakers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breakers{
		cfg:    cfg.withDefaults(),
		logger: logger,
		m:      make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

func (b *Breakers) get(op string) *gobreaker.CircuitBreaker[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.m[op]; ok {
		return cb
	}
	threshold := uint32(b.cfg.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        op,
		MaxRequests: 1,
		Timeout:     b.cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// Only network-classified failures count against the remote.
		IsSuccessful: func(err error) bool {
			return err == nil || !KindOf(err).Retryable()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed", "op", name, "from", from.String(), "to", to.String())
		},
	})
	b.m[op] = cb
	return cb
}

// Execute runs fn through the breaker for op. A rejected call fails with a
// RemoteUnavailable *SyncError wrapping gobreaker's error.
func (b *Breakers) Execute(op string, fn func() error) error {
	_, err := b.get(op).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &SyncError{Kind: KindRemoteUnavailable, Operation: op, Err: fmt.Errorf("circuit open: %w", err)}
	}
	return err
}

// State returns the breaker state for op ("closed", "open" or "half-open").
func (b *Breakers) State(op string) string {
	return b.get(op).State().String()
}

// Guard combines the retry policy and the breakers around remote calls.
// A nil *Guard calls straight through.
type Guard struct {
	retrier  *Retrier
	breakers *Breakers
}

// NewGuard creates a guard.
func NewGuard(rc RetryConfig, bc BreakerConfig, logger *slog.Logger) *Guard {
	return &Guard{
		retrier:  NewRetrier(rc, logger),
		breakers: NewBreakers(bc, logger),
	}
}

type bypassKey struct{}

// withBreakerBypass marks ctx so the next guarded calls skip the breakers.
func withBreakerBypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey{}, true)
}

// Call runs fn for the named operation with retries, each attempt passing
// through the operation's breaker.
func (g *Guard) Call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	if bypass, _ := ctx.Value(bypassKey{}).(bool); bypass {
		return g.retrier.Do(ctx, op, fn)
	}
	return g.retrier.Do(ctx, op, func(ctx context.Context) error {
		return g.breakers.Execute(op, func() error { return fn(ctx) })
	})
}

// BreakerState returns the breaker state for op.
func (g *Guard) BreakerState(op string) string {
	if g == nil {
		return gobreaker.StateClosed.String()
	}
	return g.breakers.State(op)
}
