package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JitterFraction: 0,
	}
}

// ---- Do / DoVal ----

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{Err: errors.New("db warming up")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnNonTransient(t *testing.T) {
	calls := 0
	permanent := errors.New("bad credentials")
	err := Do(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	onRetry := 0
	cfg := fastRetry(3)
	cfg.OnRetry = func(int, error) { onRetry++ }
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return &TransientError{Err: errors.New("still down")}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, onRetry)
}

func TestDo_ContextCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastRetry(10), func(context.Context) error {
		calls++
		cancel()
		return &TransientError{Err: errors.New("down")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, &TransientError{Err: errors.New("down")}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestDo_CustomShouldRetry(t *testing.T) {
	calls := 0
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(error) bool { return true }
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return errors.New("anything retries now")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

// ---- IsTransient ----

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", &TransientError{Err: errors.New("x")}, true},
		{"wrapped transient", errors.Join(errors.New("outer"), &TransientError{Err: errors.New("x")}), true},
		{"pg connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"pg starting up", &pgconn.PgError{Code: "57P03"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"string heuristic", errors.New("dial tcp: i/o timeout"), true},
		{"plain error", errors.New("parse failure"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
