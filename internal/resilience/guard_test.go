package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraresilience "github.com/javimaligno/agentctl/infrastructure/resilience"
	"github.com/javimaligno/agentctl/internal/agenterrors"
	"github.com/javimaligno/agentctl/internal/resilience"
)

func TestGuardOpensAndReportsReopenAt(t *testing.T) {
	registry := infraresilience.NewRegistry(func(label string) infraresilience.Config {
		return infraresilience.Config{MaxFailures: 2, Timeout: 50 * time.Millisecond, HalfOpenMax: 1}
	})

	failing := func() error { return agenterrors.Wrap(agenterrors.Network, "boom", errors.New("boom")) }

	_ = resilience.Guard(context.Background(), registry, "github-api", failing)
	err := resilience.Guard(context.Background(), registry, "github-api", failing)
	require.Error(t, err)
	assert.False(t, agenterrors.Is(err, agenterrors.CircuitOpen))

	err = resilience.Guard(context.Background(), registry, "github-api", failing)
	require.Error(t, err)
	assert.True(t, agenterrors.Is(err, agenterrors.CircuitOpen))
	classified, ok := agenterrors.AsError(err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), classified.ReopenAt, 40*time.Millisecond)
}

func TestRetryClassifiedStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := resilience.RetryClassified(context.Background(), infraresilience.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		attempts++
		return agenterrors.New(agenterrors.InvalidTransition, "nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, agenterrors.Is(err, agenterrors.InvalidTransition))
}

func TestRetryClassifiedRetriesNetworkErrors(t *testing.T) {
	attempts := 0
	err := resilience.RetryClassified(context.Background(), infraresilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return agenterrors.New(agenterrors.Network, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithRateLimitUsesRetryAfterHint(t *testing.T) {
	attempts := 0
	var gaps []time.Duration
	last := time.Now()

	err := resilience.RetryWithRateLimit(context.Background(), infraresilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Hour, // would dominate the wait if the hint were ignored
		MaxDelay:     time.Hour,
	}, func() error {
		attempts++
		now := time.Now()
		gaps = append(gaps, now.Sub(last))
		last = now
		if attempts < 2 {
			return agenterrors.RateLimitedError("burst limit reached", now.Add(20*time.Millisecond))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Less(t, gaps[1], 500*time.Millisecond, "expected the retry-after hint, not the hour-long computed backoff")
}

func TestRetryWithRateLimitStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := resilience.RetryWithRateLimit(context.Background(), infraresilience.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		attempts++
		return agenterrors.New(agenterrors.InvalidTransition, "nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
