package dberror

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIncentives_DBError_Classify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		want      ErrorType
		transient bool
	}{
		{name: "nil", err: nil, want: ErrorTypeUnknown},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: ErrorTypeConflict, transient: true},
		{name: "deadlock", err: fmt.Errorf("failed to commit: %w", &pgconn.PgError{Code: "40P01"}), want: ErrorTypeConflict, transient: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: ErrorTypeConnectivity, transient: true},
		{name: "connection exception", err: &pgconn.PgError{Code: "08006"}, want: ErrorTypeConnectivity, transient: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: ErrorTypeQuery},
		{name: "invalid password", err: &pgconn.PgError{Code: "28P01"}, want: ErrorTypeAuth},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrorTypeTimeout, transient: true},
		{name: "canceled", err: context.Canceled, want: ErrorTypeUnknown},
		{name: "dial", err: errors.New("dial tcp 10.0.0.1:5432: connect: connection refused"), want: ErrorTypeConnectivity, transient: true},
		{name: "redis closed", err: errors.New("redis: client is closed"), want: ErrorTypeConnectivity, transient: true},
		{name: "redis auth", err: errors.New("NOAUTH Authentication required."), want: ErrorTypeAuth},
		{name: "i/o timeout", err: errors.New("read: i/o timeout"), want: ErrorTypeTimeout, transient: true},
		{name: "other", err: errors.New("something odd"), want: ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Classify(tt.err))
			require.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestIncentives_DBError_Retry(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	t.Run("replays conflicts", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		got, err := Retry(t.Context(), cfg, func() (int, error) {
			attempts++
			if attempts < 3 {
				return 0, &pgconn.PgError{Code: "40P01"}
			}
			return 42, nil
		})
		require.NoError(t, err)
		require.Equal(t, 42, got)
		require.Equal(t, 3, attempts)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		permanent := errors.New("use case does not exist")
		_, err := Retry(t.Context(), cfg, func() (int, error) {
			attempts++
			return 0, permanent
		})
		require.ErrorIs(t, err, permanent)
		require.Equal(t, 1, attempts)
	})

	t.Run("custom retryable", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		conflictsOnly := cfg
		conflictsOnly.Retryable = IsConflict
		_, err := Retry(t.Context(), conflictsOnly, func() (int, error) {
			attempts++
			return 0, errors.New("connection reset by peer")
		})
		require.Error(t, err)
		require.Equal(t, 1, attempts)
	})
}

func TestIncentives_DBError_UserMessage(t *testing.T) {
	t.Parallel()

	require.Empty(t, UserMessage(nil))
	require.Contains(t, UserMessage(errors.New("connection refused")), "temporarily unavailable")
	require.Contains(t, UserMessage(&pgconn.PgError{Code: "40001"}), "retry")
}
