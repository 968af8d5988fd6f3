// Package poll runs a condition on a fixed interval until it is done, the context is cancelled or a
// limit is exceeded. Time is taken from an injectable clock so loops can be tested without sleeping.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

// ErrLimitExceeded is returned by [Policy.Until] when the condition was not done within the
// configured timeout or number of attempts.
var ErrLimitExceeded = errors.New("poll limit exceeded")

// Condition reports whether polling is done. An error stops polling.
type Condition func(ctx context.Context) (done bool, err error)

// Policy configures a poll loop. A zero Timeout or MaxAttempts means no limit.
type Policy struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
	Clock       clock.Clock
}

func (p Policy) clock() clock.Clock {
	if p.Clock == nil {
		return clock.RealClock{}
	}
	return p.Clock
}

// WithClock returns a copy of p using c.
func (p Policy) WithClock(c clock.Clock) Policy {
	p.Clock = c
	return p
}

// Until calls condition right away and then once every interval until it returns true or an error.
// An error returned by condition is returned as is. Exceeding the timeout or the number of attempts
// returns an error wrapping [ErrLimitExceeded]. A cancelled ctx returns the context's error.
func (p Policy) Until(ctx context.Context, condition Condition) error {
	clk := p.clock()
	start := clk.Now()

	for attempt := 1; ; attempt++ {
		done, err := condition(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return &LimitError{Attempts: attempt, Elapsed: clk.Since(start)}
		}
		if p.Timeout > 0 && clk.Since(start)+p.Interval > p.Timeout {
			return &LimitError{Attempts: attempt, Elapsed: clk.Since(start)}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(p.Interval):
		}
	}
}

// LimitError reports how long a poll loop ran before giving up.
type LimitError struct {
	Attempts int
	Elapsed  time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s after %d attempts in %s", ErrLimitExceeded, e.Attempts, e.Elapsed)
}

func (e *LimitError) Unwrap() error {
	return ErrLimitExceeded
}
