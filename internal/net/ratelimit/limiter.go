// Package ratelimit paces message handling per channel using token buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per channel, sized from the channel's
// configured budget in messages per minute. Channels without a budget pass
// through unpaced. Burst is fixed at 1 so accepted messages spread evenly
// across the minute.
type Limiter struct {
	mu       sync.RWMutex
	perMin   map[int64]int
	limiters map[int64]*rate.Limiter
}

// NewLimiter creates an empty per-channel limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		perMin:   make(map[int64]int),
		limiters: make(map[int64]*rate.Limiter),
	}
}

// SetRate configures a channel's budget in messages per minute. Zero or
// negative removes pacing for that channel.
func (l *Limiter) SetRate(channelID int64, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if perMinute <= 0 {
		delete(l.perMin, channelID)
		delete(l.limiters, channelID)
		return
	}

	l.perMin[channelID] = perMinute
	if limiter, exists := l.limiters[channelID]; exists {
		limiter.SetLimit(rate.Every(time.Minute / time.Duration(perMinute)))
	}
}

// getLimiter returns or creates the limiter for a channel. A nil return
// means the channel has no budget.
func (l *Limiter) getLimiter(channelID int64) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[channelID]
	perMin, budgeted := l.perMin[channelID]
	l.mu.RUnlock()

	if exists {
		return limiter
	}
	if !budgeted {
		return nil
	}

	// Create new limiter with write lock
	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := l.limiters[channelID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1)
	l.limiters[channelID] = limiter
	return limiter
}

// Allow returns true if a message for the channel may proceed right now.
func (l *Limiter) Allow(channelID int64) bool {
	limiter := l.getLimiter(channelID)
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// Wait blocks until the channel's bucket releases a token or the context
// is cancelled. Unbudgeted channels return immediately.
func (l *Limiter) Wait(ctx context.Context, channelID int64) error {
	limiter := l.getLimiter(channelID)
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// Stats returns a snapshot for every channel with an instantiated bucket.
func (l *Limiter) Stats() map[int64]ChannelStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[int64]ChannelStats)
	now := time.Now()

	for channelID, limiter := range l.limiters {
		reservation := limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel() // Cancel the reservation since we're just checking

		stats[channelID] = ChannelStats{
			ChannelID:       channelID,
			PerMinute:       l.perMin[channelID],
			TokensAvailable: limiter.Tokens(),
			NextAllowedAt:   now.Add(delay),
			Delay:           delay,
		}
	}

	return stats
}

// Reset clears all channel buckets; budgets are kept.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limiters = make(map[int64]*rate.Limiter)
}

// ChannelStats represents the pacing state of a single channel.
type ChannelStats struct {
	ChannelID       int64         `json:"channel_id"`
	PerMinute       int           `json:"per_minute"`
	TokensAvailable float64       `json:"tokens_available"`
	NextAllowedAt   time.Time     `json:"next_allowed_at"`
	Delay           time.Duration `json:"delay"`
}

// IsThrottled returns true if the channel is currently delaying messages.
func (s *ChannelStats) IsThrottled() bool {
	return s.Delay > 0
}
