// Package backoff provides capped exponential retry delays with jitter.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy describes a capped exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration

	// Rand and Sleep are replaceable in tests. Nil selects math/rand and
	// a context-aware timer sleep.
	Rand  func() float64
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default is the per-message retry schedule: three attempts with pauses of
// roughly 2s then 4s between them.
func Default() Policy {
	return Policy{MaxAttempts: 3, Base: 2 * time.Second, Cap: 30 * time.Second}
}

// Delay returns the pause before retry number attempt (1-based): the base
// doubled per attempt, capped, then scaled by a jitter factor uniform in
// [0.9, 1.1].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base << uint(attempt-1)
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return time.Duration(float64(d) * p.jitter())
}

// Retry runs op until it succeeds, the attempts are exhausted, or the
// context ends. Between attempts it sleeps per Delay. The final error is
// returned when every attempt failed.
func (p Policy) Retry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt - 1)
			log.Debug().
				Dur("backoff", delay).
				Int("attempt", attempt).
				Str("op", name).
				Msg("Retrying")
			if err := p.sleep(ctx, delay); err != nil {
				return err
			}
		}
		if err := op(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (p Policy) jitter() float64 {
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	return 0.9 + 0.2*r()
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
