package retry

import (
	"context"
	"fmt"
	"time"

	"orderkeeper/pkg/exception"
)

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMultiplier  = 2.0
	defaultMaxDelay    = 5 * time.Second
)

// Policy bounds how often and how slowly a failing call is attempted again.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultPolicy provides conservative broker call defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		Multiplier:  defaultMultiplier,
		MaxDelay:    defaultMaxDelay,
	}
}

// WithDefaults fills zero fields with the defaults.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = defaultMultiplier
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaultMaxDelay
	}
	return p
}

// Validate checks if the policy is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("invalid retry policy: MaxAttempts must be > 0")
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("invalid retry policy: BaseDelay must be >= 0")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("invalid retry policy: Multiplier must be >= 1")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("invalid retry policy: MaxDelay must be >= BaseDelay")
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based).
// Delays never decrease and never exceed MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := p.BaseDelay
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * p.Multiplier)
		if next >= p.MaxDelay || next < wait {
			return p.MaxDelay
		}
		wait = next
	}
	if wait > p.MaxDelay {
		return p.MaxDelay
	}
	return wait
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the timer-backed Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// policy runs out of attempts. It returns the number of attempts made.
// An exhausted budget wraps both exception.ErrRetryExhausted and the last error.
func Do(ctx context.Context, p Policy, sleep Sleeper, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	if sleep == nil {
		sleep = Sleep
	}
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return attempt, nil
		}
		if retryable == nil || !retryable(err) {
			return attempt, err
		}
		if attempt == p.MaxAttempts {
			break
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return attempt, fmt.Errorf("retry interrupted after %d attempts: %w", attempt, err)
		}
	}
	return p.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", exception.ErrRetryExhausted, p.MaxAttempts, err)
}
