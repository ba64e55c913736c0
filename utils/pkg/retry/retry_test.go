package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return http.StatusText(e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }

func TestIncentives_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
	require.False(t, cfg.Constant)
}

func TestIncentives_Retry_Do(t *testing.T) {
	t.Parallel()

	fast := Config{MaxAttempts: 3, BaseBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}

	t.Run("success on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(t.Context(), fast, func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("success after retries", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(t.Context(), fast, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("exhausts all attempts and wraps last error", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		original := errors.New("connection reset")
		err := Do(t.Context(), fast, func() error {
			attempts++
			return original
		})
		require.ErrorIs(t, err, original)
		require.Contains(t, err.Error(), "failed after 3 attempts")
		require.Equal(t, 3, attempts)
	})

	t.Run("non-retryable error returns immediately", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		original := errors.New("invalid input")
		err := Do(t.Context(), fast, func() error {
			attempts++
			return original
		})
		require.Equal(t, original, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(t.Context())
		cfg := Config{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
		attempts := 0
		err := Do(ctx, cfg, func() error {
			attempts++
			if attempts == 2 {
				cancel()
			}
			return errors.New("connection reset")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 2, attempts)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(t.Context(), Config{}, func() error {
			attempts++
			return errors.New("connection reset")
		})
		require.Error(t, err)
		require.Equal(t, 1, attempts)
	})
}

func TestIncentives_Retry_FixedConfig(t *testing.T) {
	t.Parallel()

	cfg := FixedConfig(4, 10*time.Millisecond)
	var backoffs []time.Duration
	cfg.OnRetry = func(attempt int, backoff time.Duration, err error) {
		require.Error(t, err)
		backoffs = append(backoffs, backoff)
	}

	attempts := 0
	err := Do(t.Context(), cfg, func() error {
		attempts++
		return errors.New("NOAUTH authentication required")
	})
	require.Error(t, err)
	require.Equal(t, 4, attempts)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}, backoffs)
}

func TestIncentives_Retry_CustomRetryable(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("busy")
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, sentinel) },
	}
	attempts := 0
	err := Do(t.Context(), cfg, func() error {
		attempts++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 3, attempts)
}

func TestIncentives_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: false},
		{name: "net op error", err: &net.OpError{Op: "dial", Err: errors.New("connect: connection refused")}, want: true},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"), want: true},
		{name: "connection reset", err: errors.New("connection reset by peer"), want: true},
		{name: "EOF", err: errors.New("EOF"), want: true},
		{name: "timeout", err: errors.New("i/o timeout"), want: true},
		{name: "redis loading", err: errors.New("LOADING Redis is loading the dataset in memory"), want: true},
		{name: "503", err: &httpError{statusCode: http.StatusServiceUnavailable}, want: true},
		{name: "429", err: &httpError{statusCode: http.StatusTooManyRequests}, want: true},
		{name: "400", err: &httpError{statusCode: http.StatusBadRequest}, want: false},
		{name: "validation", err: errors.New("invalid input"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIncentives_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	for attempt := 1; attempt <= 5; attempt++ {
		backoff := calculateBackoff(500*time.Millisecond, 5*time.Second, attempt)
		expected := min(500*time.Millisecond*time.Duration(1<<uint(attempt)), 5*time.Second)
		require.GreaterOrEqual(t, backoff, expected/2)
		require.LessOrEqual(t, backoff, expected)
	}
}
