package patterns

import "time"

// BackoffPolicy decides how long to wait before the next retry attempt.
// Policies are injectable so reconnect behavior is testable and boundable.
type BackoffPolicy interface {
	// Next returns the delay before the given attempt (starting at 1).
	Next(attempt int) time.Duration
}

// FixedBackoff waits the same delay between every attempt. This mirrors the
// storefront's push channel behavior: reconnect every 3 seconds, forever,
// until cancelled.
type FixedBackoff struct {
	Delay time.Duration
}

// Next returns the fixed delay regardless of attempt count.
func (b FixedBackoff) Next(attempt int) time.Duration {
	return b.Delay
}

// ExponentialBackoff doubles the delay after each attempt up to a ceiling,
// for callers that need to avoid starving a flapping network. A zero or
// negative Max means no ceiling.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Next returns Base * 2^(attempt-1), capped at Max when a ceiling is set.
func (b ExponentialBackoff) Next(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// DefaultReconnectBackoff is the push channel's reconnect policy.
var DefaultReconnectBackoff = FixedBackoff{Delay: 3 * time.Second}
