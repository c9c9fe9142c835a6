// Package resilience provides the retry policy shared by every pipeline stage.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ncm-audit/internal/model"
)

// Backoff controls the delay between attempts. A zero Initial retries
// immediately.
type Backoff struct {
	Initial        time.Duration
	Max            time.Duration
	Multiplier     float64
	JitterFraction float64
}

// Policy bounds how a stage is attempted: at most MaxRetries+1 attempts, each
// limited to AttemptTimeout.
type Policy struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	Backoff        Backoff

	// ShouldRetry overrides the default check, which retries errors whose
	// model.ErrorKind is retryable.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the attempt that failed.
	OnRetry func(attempt int, err error)
}

// DefaultBackoff returns the delay schedule used when the config sets none.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:        200 * time.Millisecond,
		Max:            5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// ForTenant builds the stage policy from a tenant's config.
func ForTenant(cfg model.TenantConfig, backoff Backoff) Policy {
	return Policy{
		MaxRetries:     cfg.MaxRetries,
		AttemptTimeout: cfg.StageTimeout,
		Backoff:        backoff,
	}
}

// MaxAttempts is the total number of attempts including the first.
func (p Policy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. fn receives a per-attempt context and the
// 1-based attempt number.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// DoVal is like Do but preserves the value of the successful attempt.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = Retryable
	}

	var zero T
	var lastErr error
	maxAttempts := p.MaxAttempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		val, err := runAttempt(ctx, p.AttemptTimeout, attempt, fn)
		if err == nil {
			return val, nil
		}
		lastErr = err

		// Don't retry on context cancellation of the caller.
		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !shouldRetry(lastErr) {
			return zero, lastErr
		}
		if attempt == maxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}

		delay := computeBackoff(attempt-1, p.Backoff)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, attempt int, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	val, err := fn(attemptCtx, attempt)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// The attempt ran out of time even if the callee reported something else.
		return val, timeoutError{cause: err}
	}
	return val, err
}

// Retryable is the default retry predicate.
func Retryable(err error) bool {
	return err != nil && model.KindOf(err).Retryable()
}

// timeoutError marks an attempt that exceeded its per-attempt deadline.
type timeoutError struct {
	cause error
}

func (e timeoutError) Error() string {
	return "attempt timed out: " + e.cause.Error()
}

func (e timeoutError) Unwrap() error {
	return e.cause
}

func (e timeoutError) Is(target error) bool {
	return target == model.ErrTimeout
}

func computeBackoff(retry int, b Backoff) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(retry))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	// Apply jitter: ±JitterFraction of delay.
	if b.JitterFraction > 0 {
		jitterRange := delay * b.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(log *zap.Logger, operation string) func(int, error) {
	return func(attempt int, err error) {
		log.Warn("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.String("error_kind", string(model.KindOf(err))),
			zap.Error(err),
		)
	}
}
