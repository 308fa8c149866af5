package socket

import (
	"math"
	"time"
)

// ReconnectPolicy controls how the socket re-dials after a failed or dropped connection.
type ReconnectPolicy struct {
	// MaxAttempts is the number of re-dials after the first failure. A negative value retries forever.
	MaxAttempts int
	// InitialDelay is the wait before the first re-dial.
	InitialDelay time.Duration
	// Multiplier grows the delay after each attempt.
	Multiplier float64
	// MaxDelay caps the delay.
	MaxDelay time.Duration
}

func DefaultReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
	}
}

// NextDelay returns the wait before the given attempt. Attempts are 1-based.
func (p *ReconnectPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether the given attempt is still allowed.
func (p *ReconnectPolicy) ShouldRetry(attempt int) bool {
	if p.MaxAttempts < 0 {
		return true
	}
	return attempt <= p.MaxAttempts
}
