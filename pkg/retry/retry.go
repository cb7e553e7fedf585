// Package retry implements bounded exponential backoff with jitter for
// idempotent operations (token refresh, payload transport, status polls).
// Submission is never routed through this package.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/qrmi-dev/qrmi/pkg/clock"
)

// Policy describes a backoff schedule. The zero value is not usable,
// call DefaultPolicy or fill every field.
type Policy struct {
	// BaseInterval is the first sleep between attempts.
	BaseInterval time.Duration
	// MaxInterval caps the per-attempt sleep.
	MaxInterval time.Duration
	// MaxElapsed bounds the total time spent, including sleeps.
	// Zero means no elapsed-time ceiling.
	MaxElapsed time.Duration
	// MaxRetries bounds the number of re-attempts after the first one.
	MaxRetries int
	// Factor is the per-attempt interval multiplier.
	Factor float64
}

// DefaultPolicy matches the schedule used against the provider APIs:
// 1s base, 30s cap, 5 retries.
func DefaultPolicy() Policy {
	return Policy{
		BaseInterval: time.Second,
		MaxInterval:  30 * time.Second,
		MaxRetries:   5,
		Factor:       2.0,
	}
}

// WithMaxElapsed returns a copy of p with the elapsed-time ceiling set.
func (p Policy) WithMaxElapsed(d time.Duration) Policy {
	p.MaxElapsed = d
	return p
}

// IsRetryable reports whether the error should be retried by Do.
// A nil function retries every error.
type IsRetryable func(error) bool

// Do runs op until it succeeds, the policy is exhausted, or ctx is done.
// The last error from op is returned when the policy is exhausted. Sleeps
// run on clk so tests can use a mock clock.
func Do(ctx context.Context, clk clock.Clock, p Policy, retryable IsRetryable, op func(ctx context.Context) error) error {
	start := clk.Now()
	interval := p.BaseInterval
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return err
		}
		if p.MaxElapsed > 0 && clk.Now().Sub(start)+interval > p.MaxElapsed {
			return err
		}
		if sleepErr := sleep(ctx, clk, jitter(interval)); sleepErr != nil {
			return err
		}
		interval = time.Duration(float64(interval) * p.Factor)
		if interval > p.MaxInterval {
			interval = p.MaxInterval
		}
	}
}

// jitter spreads the interval over [interval/2, interval) to avoid
// synchronized retries from concurrent callers.
func jitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	half := interval / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
