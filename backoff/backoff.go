// Package backoff paces the bridge client's retries: reconnect
// attempts after a dropped wire connection and status polls while
// waiting for a job to reach a terminal state. Strategies are
// stateless and safe for concurrent use.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt. Attempt numbers
// are 1-indexed; attempt 1 is the first retry after the initial
// failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Sleep waits out the strategy's delay for the given attempt, or
// returns early with the context error.
func Sleep(ctx context.Context, s Strategy, attempt int) error {
	t := time.NewTimer(s.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Constant delays every attempt by the same interval. This is the
// poller's strategy: status polls double as lease heartbeats, so the
// gap must stay below the heartbeat timeout.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear grows the delay by Initial on every attempt, up to Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

func (l *Linear) Delay(attempt int) time.Duration {
	return capDelay(l.Initial*time.Duration(attempt), l.Max)
}

// Exponential doubles the delay on every attempt, up to Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	return capDelay(doubling(e.Initial, attempt), e.Max)
}

// ExponentialWithJitter draws a random delay from [0, d] where d is
// the capped exponential delay. Full jitter keeps a rebooting editor's
// clients from reconnecting in lockstep.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential strategy with full
// jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	d := capDelay(doubling(e.Initial, attempt), e.Max)
	return time.Duration(rand.Float64() * float64(d)) //nolint:gosec // jitter, not a secret
}

// DefaultStrategy is the client's reconnect default: exponential with
// full jitter, 1s initial, 1m cap.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}

// doubling returns initial * 2^(attempt-1), saturating instead of
// overflowing.
func doubling(initial time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		if d > time.Duration(1)<<62/2 {
			return 1 << 62
		}
		d *= 2
	}
	return d
}

func capDelay(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
