// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package retry implements bounded retries with pluggable backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Backoff returns the delay before the attempt following attempt n (starting
// at 1).
type Backoff func(n int) time.Duration

// Exponential returns a Backoff that starts at base and doubles each attempt.
func Exponential(base time.Duration) Backoff {
	return func(n int) time.Duration {
		return base << (n - 1)
	}
}

// Constant returns a Backoff that always waits d.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Policy describes how many times an operation is tried and how long to wait
// between tries.
type Policy struct {
	// Attempts is the total number of tries, including the first one. Values
	// below 1 are treated as 1.
	Attempts int
	// Backoff computes the delay between tries. Nil means no delay.
	Backoff Backoff
	// Sleep waits for d or until ctx is done. It reports whether the full
	// duration elapsed. Nil means a timer-based sleep; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) bool
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that [Policy.Do] returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type afterError struct {
	err  error
	wait time.Duration
}

func (e *afterError) Error() string { return e.err.Error() }
func (e *afterError) Unwrap() error { return e.err }

// After wraps err so that [Policy.Do] waits d before the next attempt instead
// of the backoff delay.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &afterError{err: err, wait: d}
}

// Do calls fn until it succeeds, returns a permanent error, ctx is done or
// the attempts are exhausted. The last error is returned unwrapped of the
// retry markers.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for n := 1; n <= attempts; n++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if n == attempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(n)
		}
		var ae *afterError
		if errors.As(err, &ae) {
			wait = ae.wait
		}
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return unwrapMarkers(err)
}

func unwrapMarkers(err error) error {
	if ae, ok := err.(*afterError); ok {
		return ae.err
	}
	return err
}

// Sleep pauses for d or until ctx is done, whichever comes first. It reports
// whether the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
