// Package clock re-exports benbjohnson/clock so that time-dependent
// components (lease TTL checker, retry sleeps, poll loops) can be driven
// by a mock clock in tests.
package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
)

type (
	// Clock is the interface consumed by all QRMI components.
	Clock = bclock.Clock
	// Mock is a manually-advanced clock for tests.
	Mock = bclock.Mock
	// Timer wraps a clock-driven timer.
	Timer = bclock.Timer
	// Ticker wraps a clock-driven ticker.
	Ticker = bclock.Ticker
)

// New returns a Clock backed by the wall clock.
func New() Clock {
	return bclock.New()
}

// NewMock returns a manually-advanced Clock for tests.
func NewMock() *Mock {
	return bclock.NewMock()
}

// MonotonicElapsed returns the time elapsed since start according to clk.
func MonotonicElapsed(clk Clock, start time.Time) time.Duration {
	return clk.Now().Sub(start)
}
