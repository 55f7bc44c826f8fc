package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Sleep waits for d or until ctx is done.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff computes capped exponential delays.
type Backoff struct {
	// Initial is the delay for attempt zero.
	Initial time.Duration `json:"initial" yaml:"initial"`

	// Max caps every delay.
	Max time.Duration `json:"max" yaml:"max"`

	// Multiplier is the growth factor per attempt. Defaults to 2.
	Multiplier float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`

	// Jitter adds up to this fraction of the delay at random. Zero disables it.
	Jitter float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// DefaultPollBackoff is the backoff used while waiting for a stack to settle.
var DefaultPollBackoff = Backoff{Initial: 5 * time.Second, Max: 30 * time.Second, Multiplier: 1.5}

// DefaultRetryBackoff is the backoff used before resubmitting after throttling or quota errors.
var DefaultRetryBackoff = Backoff{Initial: 30 * time.Second, Max: 5 * time.Minute, Multiplier: 2, Jitter: 0.2}

// Next returns the delay before the given zero-based attempt.
func (b Backoff) Next(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.Initial) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		delay += delay * b.Jitter * rand.Float64()
		if b.Max > 0 && delay > float64(b.Max) {
			delay = float64(b.Max)
		}
	}
	return time.Duration(delay)
}
