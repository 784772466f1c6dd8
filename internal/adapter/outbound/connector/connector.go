// Package connector implements the connect-with-retry loop: given a
// transport factory, it races a connect attempt against an optional
// per-attempt timeout, backing off exponentially between attempts.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hatago/hatago/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// backoffBase is the starting delay: attempt i waits base * 2^i.
const backoffBase = 500 * time.Millisecond

// backoffCap bounds the delay so a long retry run doesn't wait
// arbitrarily long between attempts.
const backoffCap = 60 * time.Second

// Delay returns the backoff delay before retry attempt i (0-based),
// min(base * 2^i, cap), no jitter.
func Delay(i int) time.Duration {
	d := backoffBase
	for n := 0; n < i; n++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// ConnectError is returned when every retry attempt failed.
type ConnectError struct {
	ID       string
	Attempts int
	Cause    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connector: %s: failed after %d attempts: %v", e.ID, e.Attempts, e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// ConnectFunc attempts one connection, returning a ready client/handle of
// type T on success.
type ConnectFunc[T any] func(ctx context.Context) (T, error)

// Connect retries connect up to maxRetries attempts, each optionally
// capped by connectTimeout, with exponential backoff between attempts and
// no jitter. connectTimeout <= 0 means no per-attempt cap.
func Connect[T any](ctx context.Context, id string, maxRetries int, connectTimeout time.Duration, logger *slog.Logger, connect ConnectFunc[T]) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, span := telemetry.Tracer().Start(ctx, "connector.Connect", trace.WithAttributes(attribute.String("upstream.id", id)))
	defer span.End()
	start := time.Now()

	var zero T
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if connectTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		}

		client, err := connect(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			recordConnectOutcome(ctx, id, "ok", start)
			return client, nil
		}
		lastErr = err
		logger.Warn("connect attempt failed", "upstream", id, "attempt", i+1, "error", err)

		if ctx.Err() != nil {
			span.SetStatus(codes.Error, ctx.Err().Error())
			recordConnectOutcome(ctx, id, "error", start)
			return zero, &ConnectError{ID: id, Attempts: i + 1, Cause: ctx.Err()}
		}

		if i == maxRetries-1 {
			break
		}

		delay := Delay(i)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			span.SetStatus(codes.Error, ctx.Err().Error())
			recordConnectOutcome(ctx, id, "error", start)
			return zero, &ConnectError{ID: id, Attempts: i + 1, Cause: ctx.Err()}
		}
	}

	span.SetStatus(codes.Error, lastErr.Error())
	recordConnectOutcome(ctx, id, "error", start)
	return zero, &ConnectError{ID: id, Attempts: maxRetries, Cause: lastErr}
}

func recordConnectOutcome(ctx context.Context, id, outcome string, start time.Time) {
	attrs := otelmetric.WithAttributes(attribute.String("upstream.id", id), attribute.String("outcome", outcome))
	telemetry.ConnectAttemptsTotal.Add(ctx, 1, attrs)
	telemetry.ConnectDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}
