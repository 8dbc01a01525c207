package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Backoff computes exponential delays with jitter. It drives both the
// queue's next_attempt_at and in-process retries of HTTP calls.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is a fraction of the computed delay (0.2 = ±20%).
	Jitter float64
}

// QueueBackoff is the default policy for released queue items: 60s doubling
// to a 30 minute cap.
func QueueBackoff() Backoff {
	return Backoff{Initial: time.Minute, Max: 30 * time.Minute, Multiplier: 2, Jitter: 0.2}
}

// NewBackoff builds a policy from config values in seconds, falling back to
// QueueBackoff for unset values.
func NewBackoff(initialSecs, maxSecs int, multiplier, jitter float64) Backoff {
	b := QueueBackoff()
	if initialSecs > 0 {
		b.Initial = time.Duration(initialSecs) * time.Second
	}
	if maxSecs > 0 {
		b.Max = time.Duration(maxSecs) * time.Second
	}
	if multiplier > 0 {
		b.Multiplier = multiplier
	}
	if jitter >= 0 {
		b.Jitter = jitter
	}
	return b
}

// Delay returns the wait before retry number attempt (1-based). The result
// never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * b.Jitter
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// NextAttempt returns when an item that has made attempt attempts may be
// claimed again.
func (b Backoff) NextAttempt(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}

// Retry calls fn up to attempts times, sleeping per b between transient
// failures. Non-transient errors and context cancellation stop immediately.
func Retry(ctx context.Context, b Backoff, attempts int, op string, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransient(err) || i == attempts {
			return err
		}

		delay := b.Delay(i)
		zap.L().Debug("resilience: retrying",
			zap.String("op", op),
			zap.Int("attempt", i),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
