package retry

import (
	"context"
	"math/rand/v2"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"costops/pkg/errors"
)

// Backoff is bounded exponential backoff with additive jitter:
// min(MaxDelay, BaseDelay * 2^attempt) + U(0, Jitter).
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    time.Duration
}

// Delay returns the wait before the next try after `attempt` failures.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// jitter is additive and kept out of the curve so the cap stays exact
	curve := backoff.Backoff{Min: b.BaseDelay, Max: b.MaxDelay, Factor: 2}
	delay := curve.ForAttempt(float64(attempt))

	if b.Jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(b.Jitter) + 1))
	}
	return delay
}

// Config contains retry configuration
type Config struct {
	MaxAttempts int
	Backoff     Backoff
	// OnRetry is called before sleeping after a failed attempt
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Middleware runs a function until it succeeds, fails permanently or runs out of attempts
type Middleware struct {
	config Config
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a new retry middleware
func New(config Config) *Middleware {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Backoff.BaseDelay <= 0 {
		config.Backoff.BaseDelay = time.Second
	}
	if config.Backoff.MaxDelay <= 0 {
		config.Backoff.MaxDelay = 30 * time.Second
	}

	return &Middleware{config: config, sleep: sleepCtx}
}

// WithSleep replaces the wait function (tests)
func (m *Middleware) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Middleware {
	m.sleep = sleep
	return m
}

// Do executes fn with retry logic. Each attempt receives ctx unchanged; callers
// bound individual attempts themselves.
func (m *Middleware) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < m.config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		// Don't sleep after last attempt
		if attempt == m.config.MaxAttempts-1 {
			break
		}

		delay := m.config.Backoff.Delay(attempt)
		if m.config.OnRetry != nil {
			m.config.OnRetry(attempt+1, delay, err)
		}

		if err := m.sleep(ctx, delay); err != nil {
			return errors.Wrap(err, "retry cancelled")
		}
	}

	return errors.Wrapf(lastErr, "max attempts (%d) exceeded", m.config.MaxAttempts)
}

// IsRetryable determines if an error is worth retrying
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.IsDeterministic(err) {
		return false
	}

	switch errors.KindOf(err) {
	case errors.KindTransient, errors.KindSinkUnavailable, errors.KindPriceUnavailable:
		return true
	case errors.KindCanceled:
		return false
	}

	// A timed-out attempt is retryable; the parent context decides whether to continue
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.KindOf(err) == errors.KindUnknown || errors.KindOf(err) == errors.KindDeadlineExceeded
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
