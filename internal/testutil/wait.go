// Package testutil holds helpers shared by package tests: polling for
// conditions reached by background goroutines, and throwaway Redis and
// PostgreSQL containers.
package testutil

import (
	"testing"
	"time"
)

type waitConfig struct {
	timeout  time.Duration
	interval time.Duration
}

// WaitOption adjusts WaitFor.
type WaitOption func(*waitConfig)

// WithTimeout bounds the wait (default 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.timeout = d }
}

// WithInterval sets how often the condition is checked (default 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.interval = d }
}

// WaitFor checks cond until it holds or the timeout passes, and reports
// whether it held.
func WaitFor(tb testing.TB, cond func() bool, opts ...WaitOption) bool {
	tb.Helper()
	c := waitConfig{timeout: 30 * time.Second, interval: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(&c)
	}

	if cond() {
		return true
	}
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.interval)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			return cond()
		case <-tick.C:
			if cond() {
				return true
			}
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, cond func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, cond, opts...) {
		tb.Fatal("condition not met before timeout")
	}
}
