package conn

import "time"

// BackoffPolicy bounds the reconnection schedule: attempt n waits
// min(Base * 2^n, Cap), and after MaxAttempts consecutive failures the
// channel gives up and surfaces a terminal error state.
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff mirrors the schedule used by the hosted chat service's
// other clients: 1s, 2s, 4s ... capped at 30s, ten attempts.
var DefaultBackoff = BackoffPolicy{
	Base:        time.Second,
	Cap:         30 * time.Second,
	MaxAttempts: 10,
}

// backoff tracks the attempt counter for one reconnection episode.
// The counter resets only after a successful Connected transition.
type backoff struct {
	policy  BackoffPolicy
	attempt int
}

// Next returns the delay before the next attempt, or ok=false when the
// attempt budget is exhausted.
func (b *backoff) Next() (delay time.Duration, ok bool) {
	if b.policy.MaxAttempts > 0 && b.attempt >= b.policy.MaxAttempts {
		return 0, false
	}
	delay = b.policy.Base << b.attempt
	if delay > b.policy.Cap || delay <= 0 {
		delay = b.policy.Cap
	}
	b.attempt++
	return delay, true
}

// Reset clears the attempt counter.
func (b *backoff) Reset() {
	b.attempt = 0
}
