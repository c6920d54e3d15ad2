package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) *Policy {
	p := DefaultPolicy()
	p.MaxRetries = retries
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 4 * time.Millisecond
	return p
}

func TestPolicy_IsTransient(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", errors.New("dial tcp 127.0.0.1:5432: connect: Connection refused"), true},
		{"locked", errors.New("database is locked (5)"), true},
		{"starting", errors.New("FATAL: the database system is starting up"), true},
		{"auth", errors.New("password authentication failed"), false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, p.IsTransient(tc.err))
		})
	}
}

func TestPolicy_DelayBacksOffAndCaps(t *testing.T) {
	p := &Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, BackoffFactor: 2}
	require.Equal(t, 10*time.Millisecond, p.Delay(1))
	require.Equal(t, 20*time.Millisecond, p.Delay(2))
	require.Equal(t, 40*time.Millisecond, p.Delay(3))
	require.Equal(t, 50*time.Millisecond, p.Delay(4))
}

func TestDo_NilPolicyRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, "ping", func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), "ping", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("syntax error")
	err := Do(context.Background(), fastPolicy(3), "ping", func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	refused := errors.New("connection refused")
	err := Do(context.Background(), fastPolicy(2), "ping", func(context.Context) error {
		calls++
		return refused
	})
	require.ErrorIs(t, err, refused)
	require.Contains(t, err.Error(), "ping failed after 3 attempts")
	require.Equal(t, 3, calls)
}

func TestDo_HonoursCancellation(t *testing.T) {
	p := fastPolicy(5)
	p.InitialDelay = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, p, "ping", func(context.Context) error {
		calls++
		cancel()
		return errors.New("timeout")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
