// Package backoff provides the shared retry policy used by the notification
// dispatcher and anything else that retries transient failures.
package backoff

import "time"

// Policy describes a bounded exponential backoff: MaxAttempts total tries
// with delays BaseDelay, 2*BaseDelay, 4*BaseDelay, ... capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is the delivery retry policy: one attempt plus two retries
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   2 * time.Second,
	MaxDelay:    time.Minute,
}

// Delay returns the wait before retry n (1-based: Delay(1) precedes the
// second attempt). Zero or negative n returns zero.
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
