// Package readiness polls a condition at a fixed interval for a bounded
// number of attempts.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrExhausted is wrapped by the error Poll returns when every attempt failed.
var ErrExhausted = errors.New("readiness attempts exhausted")

// Probe checks a single condition. A nil error means ready.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop marks a probe error as final. Poll returns it unwrapped without
// further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Poller runs a probe up to Attempts times, sleeping Interval between
// attempts.
type Poller struct {
	Name     string
	Attempts int
	Interval time.Duration
	// Sleep defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Poll returns the attempt number that succeeded. When attempts run out the
// returned error wraps both ErrExhausted and the last probe error.
func (p Poller) Poll(ctx context.Context, probe Probe) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := probe.Check(ctx)
		if err == nil {
			slog.Debug("probe ready", "poller", p.Name, "attempt", attempt)
			return attempt, nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return attempt, stop.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}
		last = err
		slog.Debug("probe not ready", "poller", p.Name, "attempt", attempt, "error", err)

		if attempt < attempts {
			if err := sleep(ctx, p.Interval); err != nil {
				return attempt, err
			}
		}
	}
	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
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
