package embedding

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig is the explicit retry policy applied to each embedding batch.
// Only transient failures (rate limits, timeouts, 5xx) are retried; permanent
// failures and dimension mismatches propagate immediately.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // backoff cap
	Multiplier  float64       // backoff growth factor
	Jitter      float64       // fraction of the delay randomized, in [0, 1]
}

// DefaultRetryConfig returns sensible defaults for rate-limited embedding APIs.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

func (c RetryConfig) validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return errors.New("retry delays must not be negative")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got %g", c.Multiplier)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("retry jitter must be in [0, 1], got %g", c.Jitter)
	}
	return nil
}

// do runs fn with exponential backoff. Each attempt waits on the rate limiter
// first, so retries do not stampede a service that is already throttling us.
func (c RetryConfig) do(ctx context.Context, limiter *rate.Limiter, fn func() error) error {
	var lastErr error
	delay := c.BaseDelay

	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !Transient(err) || attempt == c.MaxAttempts {
			break
		}

		wait := c.jittered(delay)
		// A service-supplied Retry-After overrides our own schedule.
		var se *ServiceError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			wait = se.RetryAfter
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return lastErr
}

func (c RetryConfig) jittered(d time.Duration) time.Duration {
	if c.Jitter == 0 || d == 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * c.Jitter // in [-Jitter, +Jitter]
	return time.Duration(float64(d) * (1 + spread))
}

// ServiceError is a failure reported by the embedding service itself.
type ServiceError struct {
	StatusCode int
	RetryAfter time.Duration // from the Retry-After header, zero if absent
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("embedding service returned %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the status indicates a condition worth retrying.
func (e *ServiceError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// transientPatterns groups error substrings matched case-insensitively when
// no typed error is available. Provider SDKs rarely expose sentinel errors
// for throttling, so string matching is the fallback of last resort.
var transientPatterns = []string{
	"rate limit", "quota exceeded", "429",
	"500", "502", "503", "504", "unavailable",
	"connection reset", "timeout", "temporar",
}

// Transient classifies err as retryable or not. Typed checks run first;
// context cancellation is never retryable.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
