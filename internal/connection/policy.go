package connection

import (
	"math"
	"math/rand/v2"
	"time"
)

// ReconnectPolicy is a bounded exponential backoff schedule.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter is the maximum extra delay as a fraction of the computed delay.
	Jitter float64
}

// PolicyFromConfig builds the policy used by a manager.
func PolicyFromConfig(cfg ManagerConfig) ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: cfg.MaxReconnectAttempts,
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
		Jitter:      cfg.ReconnectJitter,
	}
}

// NextDelay returns min(BaseDelay * 2^attempt, MaxDelay) plus jitter.
// attempt is 0-based.
func (p ReconnectPolicy) NextDelay(attempt int) time.Duration {
	return p.addJitter(p.baseDelay(attempt))
}

func (p ReconnectPolicy) baseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		// Doubling past half of MaxInt64 would overflow.
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p ReconnectPolicy) addJitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*p.Jitter*rand.Float64())
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of consecutive failures.
func (p ReconnectPolicy) ShouldRetry(failures int) bool {
	return failures < p.MaxAttempts
}

// Schedule returns the un-jittered delays for attempts 0..n-1.
func (p ReconnectPolicy) Schedule(n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p.baseDelay(i))
	}
	return out
}

// RetryState is the reconnect bookkeeping of one shared transport.
// It resets whenever the transport reaches StateConnected.
type RetryState struct {
	Attempt   int           // Consecutive failed attempts
	NextDelay time.Duration // Delay before the scheduled retry, 0 if none
	LastError error         // Most recent failure
}
