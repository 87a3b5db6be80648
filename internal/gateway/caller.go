package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/circuitbreaker"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/retry"
)

// DeclinedError is a definitive refusal from a processor (card declined,
// invalid destination). Retrying it cannot help.
type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string { return "declined: " + e.Reason }

// Declined returns a DeclinedError for reason.
func Declined(reason string) error {
	return &DeclinedError{Reason: reason}
}

// IsDeclined reports whether err carries a processor refusal.
func IsDeclined(err error) bool {
	var d *DeclinedError
	return errors.As(err, &d)
}

// Caller runs calls to an external processor with a per-attempt timeout,
// bounded retries and a circuit breaker keyed by operation.
type Caller struct {
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	timeout time.Duration
}

// NewCaller builds a caller. attempts below 1 means a single attempt.
func NewCaller(breaker *circuitbreaker.Breaker, timeout time.Duration, attempts int) *Caller {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Caller{
		breaker: breaker,
		policy:  retry.Exponential(attempts, 200*time.Millisecond),
		timeout: timeout,
	}
}

// Do calls fn. Declines are returned at once and do not count against the
// breaker; an open circuit fails fast. Every other failure is retried and
// finally surfaced as a gateway error.
func (c *Caller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var declined error
		err := c.breaker.Execute(ctx, op, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			err := fn(callCtx)
			if IsDeclined(err) {
				declined = err
				return nil
			}
			return err
		})
		switch {
		case declined != nil:
			return retry.Permanent(declined)
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
		metrics.GatewayCallsTotal.WithLabelValues(op, "ok").Inc()
		return nil
	case IsDeclined(err):
		metrics.GatewayCallsTotal.WithLabelValues(op, "declined").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.GatewayCallsTotal.WithLabelValues(op, "circuit_open").Inc()
	default:
		metrics.GatewayCallsTotal.WithLabelValues(op, "error").Inc()
	}
	if apperr.KindOf(err) != "" {
		return err
	}
	return apperr.Gateway(err, op)
}
