// Package retry runs an operation a bounded number of times with a
// configurable backoff between attempts.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy bounds a retry loop.
//
// Attempts is the total number of calls (minimum 1). Delay is the pause
// before the second attempt; it is multiplied by Multiplier after every
// failed attempt (a Multiplier of 0 or 1 keeps the delay fixed). Jitter
// spreads each pause by up to ±Jitter fraction of the delay.
type Policy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
	Jitter     float64
}

// Fixed returns a policy with a constant pause and no jitter. Webhook
// persistence uses it so the total retry budget is predictable.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, Multiplier: 1}
}

// Exponential returns a doubling policy with ±25% jitter, for calls to
// external processors.
func Exponential(attempts int, base time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: base, Multiplier: 2, Jitter: 0.25}
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out, or ctx ends. The last error from fn is returned (permanent errors are
// unwrapped).
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.Delay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay, p.Jitter)):
		}

		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
	}
	return err
}

func jittered(d time.Duration, fraction float64) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}
	spread := int64(float64(d) * fraction)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(randInt63n(2*spread+1))
}

// randInt63n returns a value in [0, n) from crypto/rand.
func randInt63n(n int64) int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n > 0
}
