package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderkeeper/pkg/exception"
)

var errFlaky = errors.New("flaky")

func TestPolicyDelayMonotonicAndCapped(t *testing.T) {
	testCases := []struct {
		desc   string
		policy Policy
	}{
		{desc: "defaults", policy: DefaultPolicy()},
		{desc: "slow growth", policy: Policy{MaxAttempts: 20, BaseDelay: 10 * time.Millisecond, Multiplier: 1.1, MaxDelay: 80 * time.Millisecond}},
		{desc: "flat", policy: Policy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 1, MaxDelay: time.Second}},
		{desc: "huge multiplier", policy: Policy{MaxAttempts: 64, BaseDelay: time.Second, Multiplier: 1e9, MaxDelay: time.Minute}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			require.NoError(t, tc.policy.Validate())
			prev := time.Duration(0)
			for attempt := 1; attempt <= 64; attempt++ {
				d := tc.policy.Delay(attempt)
				assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
				assert.LessOrEqual(t, d, tc.policy.MaxDelay, "attempt %d", attempt)
				prev = d
			}
			assert.Equal(t, tc.policy.MaxDelay, tc.policy.Delay(64))
		})
	}
}

func TestPolicyDelaySchedule(t *testing.T) {
	p := Policy{MaxAttempts: 6, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
}

func TestPolicyValidate(t *testing.T) {
	assert.Error(t, Policy{}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, BaseDelay: time.Second, Multiplier: 0.5, MaxDelay: time.Second}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Millisecond}.Validate())
	assert.NoError(t, Policy{}.WithDefaults().Validate())
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	p := Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	attempts, err := Do(t.Context(), p, sleep, func(error) bool { return true }, func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
}

func TestDoStopsOnFatal(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	attempts, err := Do(t.Context(), DefaultPolicy(), nil, func(err error) bool { return !errors.Is(err, fatal) }, func(context.Context, int) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDoExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond}
	noSleep := func(context.Context, time.Duration) error { return nil }

	attempts, err := Do(t.Context(), p, noSleep, func(error) bool { return true }, func(context.Context, int) error {
		return errFlaky
	})
	require.ErrorIs(t, err, exception.ErrRetryExhausted)
	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, attempts)
}

func TestDoInterruptedByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	attempts, err := Do(ctx, DefaultPolicy(), Sleep, func(error) bool { return true }, func(context.Context, int) error {
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	assert.NotErrorIs(t, err, exception.ErrRetryExhausted)
	assert.Equal(t, 1, attempts)
}
