package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/chainreact/flowd/pkg/schema"
)

const maxBackoff = 60 * time.Second

// IsRetryableError classifies an error for the retry loop. Typed engine
// errors carry their own classification; context cancellation never retries.
// An error with no explicit classification is treated as transient and
// consumes the node's retry budget.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var engineErr *schema.EngineError
	if errors.As(err, &engineErr) {
		return engineErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fatal := range []string{"invalid", "malformed", "unauthorized", "forbidden", "not found"} {
		if strings.Contains(msg, fatal) {
			return false
		}
	}

	return true
}

// ComputeBackoff returns the delay before the given retry attempt (1-based)
// under the node's policy. The delay is capped at maxBackoff.
func ComputeBackoff(policy schema.Policy, attempt int, defaultDelay time.Duration) time.Duration {
	base := time.Duration(policy.DelayMs) * time.Millisecond
	if base <= 0 {
		base = defaultDelay
	}
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch policy.Backoff {
	case "constant":
		delay = base
	case "linear":
		delay = base * time.Duration(attempt)
	default: // exponential
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxBackoff {
				break
			}
		}
	}

	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// WaitForBackoff sleeps for the given delay, returning early with a
// cancellation error if the context ends first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "backoff interrupted").WithCause(ctx.Err())
	}
}
