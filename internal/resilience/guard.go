// Package resilience composes the leaf infrastructure/resilience primitives
// (circuit breaker, retry, semaphore, repo lock, watchdog) into the
// agenterrors-speaking API the engine and orchestrator use, translating
// gobreaker/backoff's own error types into the taxonomy from spec section 7.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	infraresilience "github.com/javimaligno/agentctl/infrastructure/resilience"
	"github.com/javimaligno/agentctl/internal/agenterrors"
)

// Guard runs fn through the named circuit breaker, classifying an open
// breaker as agenterrors.CircuitOpen with its reopen time attached.
func Guard(ctx context.Context, registry *infraresilience.Registry, label string, fn func() error) error {
	breaker := registry.Get(label)
	err := breaker.Execute(ctx, fn)
	if err == nil {
		return nil
	}
	if err == infraresilience.ErrCircuitOpen || err == infraresilience.ErrTooManyRequests {
		return agenterrors.CircuitOpenError(label, breaker.ReopenAt())
	}
	return err
}

// RetryClassified retries fn according to cfg, but only for errors the
// taxonomy marks Retryable (Network, Timeout, RateLimited); every other
// classified error is returned immediately without burning an attempt, and an
// unclassified error is treated as Unknown and not retried, matching the
// default shouldRetry in spec section 4.5 ("true only for a
// classified-retryable error").
func RetryClassified(ctx context.Context, cfg infraresilience.RetryConfig, fn func() error) error {
	err := infraresilience.Retry(ctx, cfg, func() error {
		innerErr := fn()
		if innerErr == nil {
			return nil
		}
		if classified, ok := agenterrors.AsError(innerErr); ok && classified.Retryable() {
			return innerErr
		}
		return backoff.Permanent(innerErr)
	})

	if permanent, ok := err.(*backoff.PermanentError); ok {
		return permanent.Unwrap()
	}
	return err
}

// rateLimitBackOff delegates to an underlying exponential backoff.BackOff,
// except when override is set (by a rate-limited attempt that carried a
// retry-after hint), in which case the next wait is that hint instead of the
// computed exponential delay. The override is consumed on read.
type rateLimitBackOff struct {
	exp      backoff.BackOff
	override time.Duration
}

func (b *rateLimitBackOff) NextBackOff() time.Duration {
	if b.override > 0 {
		d := b.override
		b.override = 0
		return d
	}
	return b.exp.NextBackOff()
}

func (b *rateLimitBackOff) Reset() {
	b.exp.Reset()
	b.override = 0
}

// RetryWithRateLimit is the retry_with_rate_limit variant from spec section
// 4.5: identical to RetryClassified, except that when the failing error is
// classified RateLimited and carries a RetryAfter hint, the wait before the
// next attempt uses that hint instead of the computed exponential backoff.
func RetryWithRateLimit(ctx context.Context, cfg infraresilience.RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	rl := &rateLimitBackOff{exp: infraresilience.NewExponentialBackOff(cfg)}
	withMax := backoff.WithMaxRetries(rl, uint64(cfg.MaxAttempts-1))
	withCtx := backoff.WithContext(withMax, ctx)

	err := backoff.Retry(func() error {
		innerErr := fn()
		if innerErr == nil {
			return nil
		}
		classified, ok := agenterrors.AsError(innerErr)
		if !ok || !classified.Retryable() {
			return backoff.Permanent(innerErr)
		}
		if classified.Kind == agenterrors.RateLimited && classified.RetryAfter > 0 {
			rl.override = classified.RetryAfter
		}
		return innerErr
	}, withCtx)

	if permanent, ok := err.(*backoff.PermanentError); ok {
		return permanent.Unwrap()
	}
	return err
}
