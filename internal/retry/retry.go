// File: internal/retry/retry.go
//
// Package retry bridges asynchronous browser state to synchronous callers: a
// polling Wait primitive with explicit retryable/fatal error classification,
// and the settle policy that gates mutating actions on network quiescence.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultDeadline bounds a Wait whose options carry no deadline.
	DefaultDeadline = 15 * time.Second
	// DefaultInterval is the pause between polls.
	DefaultInterval = 100 * time.Millisecond
)

// Options tunes one Wait call.
type Options struct {
	Deadline time.Duration
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Deadline <= 0 {
		o.Deadline = DefaultDeadline
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// TimeoutError reports a Wait that exhausted its deadline. It carries the
// waited expression and the last observation so test failures name the
// condition that never held.
type TimeoutError struct {
	// Desc is the human-readable form of the waited expression.
	Desc    string
	Elapsed time.Duration
	// LastValue is the most recent value op produced, when it produced one.
	LastValue any
	// LastErr is the most recent retryable error, when the final poll failed.
	LastErr error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("waiting for %s timed out after %s", e.Desc, e.Elapsed.Round(time.Millisecond))
	if e.LastErr != nil {
		return msg + "; last error: " + e.LastErr.Error()
	}
	return fmt.Sprintf("%s; last value: %v", msg, e.LastValue)
}

// Unwrap provides the last retryable error for use with errors.Is/As.
func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// retryable is the discriminator errors opt into. Only errors reporting
// Retryable() == true are polled again; everything else is a caller or
// programmer error and propagates immediately.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err represents transient browser state.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// Wait polls op until it reports ok. A retryable error backs off one interval
// and re-evaluates; a fatal error propagates immediately, bypassing the
// deadline. Deadline exhaustion yields *TimeoutError. Wait never blocks past
// the deadline plus one interval.
func Wait[T any](ctx context.Context, desc string, op func(context.Context) (T, bool, error), opts Options) (T, error) {
	opts = opts.withDefaults()
	start := time.Now()

	var zero T
	var lastValue T
	var lastErr error
	for {
		v, ok, err := op(ctx)
		switch {
		case err != nil && !IsRetryable(err):
			return zero, err
		case err != nil:
			lastErr = err
		default:
			lastValue = v
			lastErr = nil
			if ok {
				return v, nil
			}
		}

		elapsed := time.Since(start)
		if elapsed >= opts.Deadline {
			return zero, &TimeoutError{Desc: desc, Elapsed: elapsed, LastValue: lastValue, LastErr: lastErr}
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("waiting for %s: %w", desc, ctx.Err())
		case <-time.After(opts.Interval):
		}
	}
}

// True waits for a boolean condition.
func True(ctx context.Context, desc string, op func(context.Context) (bool, error), opts Options) error {
	_, err := Wait(ctx, desc, func(ctx context.Context) (bool, bool, error) {
		ok, err := op(ctx)
		return ok, ok, err
	}, opts)
	return err
}
