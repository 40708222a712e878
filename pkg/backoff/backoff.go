package backoff

import (
	"context"
	"math/rand"
	"time"

	jb "github.com/jpillora/backoff"
)

// Backoff describes an exponential retry delay.
type Backoff struct {
	// Min is the delay before the second attempt.
	Min time.Duration
	// Max caps the delay.
	Max time.Duration
	// Factor multiplies the delay for each retry attempt.
	Factor float64
	// Jitter adds randomization as a fraction of the delay (0-1).
	Jitter float64
}

// Default returns the live venue retry schedule: 5s, 10s, 20s ... capped at 1m.
func Default() Backoff {
	return Backoff{
		Min:    5 * time.Second,
		Max:    time.Minute,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the delay after the given failed attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Second
	}
	if max < b.Min {
		max = b.Min
	}
	exp := &jb.Backoff{Min: b.Min, Max: max, Factor: factor}
	wait := exp.ForAttempt(float64(attempt - 1))

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Sleeper waits between attempts. It returns early with ctx.Err() when the
// context ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Backoff  Backoff
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// Sleep defaults to Sleep.
	Sleep Sleeper
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. It returns the number of attempts made and the last error.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return attempt - 1, err
		}
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempt, err
		}
		if attempt == attempts {
			return attempt, err
		}
		if serr := sleep(ctx, p.Backoff.Next(attempt)); serr != nil {
			return attempt, err
		}
	}
	return attempts, err
}
