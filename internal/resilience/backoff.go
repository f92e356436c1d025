package resilience

import (
	"math"
	"time"
)

// BackoffStrategy selects how the delay between retry attempts grows.
type BackoffStrategy string

const (
	// BackoffLinear grows the delay proportionally to the attempt number.
	BackoffLinear BackoffStrategy = "linear"

	// BackoffExponential doubles the delay with each attempt.
	BackoffExponential BackoffStrategy = "exponential"

	// BackoffAdaptive is exponential backoff scaled by current system load, so a
	// busy host backs off harder than an idle one.
	BackoffAdaptive BackoffStrategy = "adaptive"
)

// RetryOn classifies which failures a retry policy applies to.
type RetryOn string

const (
	// RetryOnAll retries every failure class.
	RetryOnAll RetryOn = "all"

	// RetryOnTimeout retries only deadline and timeout failures.
	RetryOnTimeout RetryOn = "timeout"

	// RetryOnServerError retries only failures reported by the remote server.
	RetryOnServerError RetryOn = "server-error"

	// RetryOnNetworkError retries only transport-level failures.
	RetryOnNetworkError RetryOn = "network-error"
)

// RetryPolicy describes how a failed call is retried. The zero value disables
// retries; use [DefaultRetryPolicy] for the standard configuration.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first failure.
	MaxRetries int

	// Backoff selects the delay growth strategy.
	Backoff BackoffStrategy

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay regardless of strategy.
	MaxDelay time.Duration

	// RetryOn restricts which failure classes are retried. Empty means all.
	RetryOn RetryOn
}

// DefaultRetryPolicy returns the standard policy: 3 retries with exponential
// backoff from 500ms capped at 10s, applied to every failure class.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff:    BackoffExponential,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		RetryOn:    RetryOnAll,
	}
}

// Delay computes the wait before retry number attempt (1-based: attempt 1 is
// the delay after the first failure). systemLoad is a percentage in [0, 100]
// and only affects [BackoffAdaptive]; callers without a load signal pass 0.
//
// The result never exceeds MaxDelay when MaxDelay is positive.
func (p RetryPolicy) Delay(attempt int, systemLoad float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = base * time.Duration(attempt)

	case BackoffAdaptive:
		d = exponentialDelay(base, attempt)
		if systemLoad > 0 {
			d = time.Duration(float64(d) * (1 + systemLoad/100))
		}

	default: // BackoffExponential and unrecognised strategies
		d = exponentialDelay(base, attempt)
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// exponentialDelay returns base doubled attempt-1 times, saturating rather than
// overflowing on large attempt counts.
func exponentialDelay(base time.Duration, attempt int) time.Duration {
	// 2^62 ns is ~146 years; anything past 40 doublings has long since
	// saturated any realistic MaxDelay.
	if attempt > 40 {
		attempt = 40
	}
	factor := math.Pow(2, float64(attempt-1))
	return time.Duration(float64(base) * factor)
}
