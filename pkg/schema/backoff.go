package schema

import "time"

// Backoff is the startup retry policy both managers share: capped at 10
// attempts, 100ms base, doubling, capped at 2s.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxAttempts int
	attempt    int
}

func NewBackoff() *Backoff {
	return &Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second, MaxAttempts: 10}
}

// Next returns the delay before the next attempt and whether attempts
// are exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.MaxAttempts {
		return 0, false
	}
	d := b.Base << uint(b.attempt)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	return d, true
}

func (b *Backoff) Reset() { b.attempt = 0 }
