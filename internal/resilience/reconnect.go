package resilience

import "time"

// ReconnectPolicy describes how a dropped session is re-established.
// Delays start at Backoff and grow by Multiplier per attempt up to MaxBackoff.
type ReconnectPolicy struct {
	MaxAttempts int           // Retry budget; 0 disables automatic reconnects
	Backoff     time.Duration // Delay before the first reconnect
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectPolicy returns five attempts starting at 2s and doubling.
func DefaultReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		MaxAttempts: 5,
		Backoff:     2 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// NewReconnectPolicy builds a doubling policy from millisecond settings.
func NewReconnectPolicy(maxAttempts, backoffMs, maxBackoffMs int) *ReconnectPolicy {
	return &ReconnectPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     time.Duration(backoffMs) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  time.Duration(maxBackoffMs) * time.Millisecond,
	}
}

// Delay returns the wait before reconnect attempt n (zero-based).
func (p *ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return CalculateBackoff(attempt, p.Backoff, p.MaxBackoff, p.Multiplier)
}

// Exhausted reports whether attempt n would exceed the retry budget.
func (p *ReconnectPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
