// Package ratelimit enforces the upstream subscription-creation cap and the
// per-endpoint request caps on external holder-data APIs.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultMaxSubscriptions is the upstream cap on subscription creations
	// inside one sliding window.
	DefaultMaxSubscriptions = 100
	// DefaultWindow is the sliding-window length for the subscription cap.
	DefaultWindow = 60 * time.Second
	// waitPollInterval is the cadence at which WaitForSlot re-checks the
	// window. Must stay >= 500ms so waiting never turns into a busy loop.
	waitPollInterval = 500 * time.Millisecond
)

// ticket records one subscription creation: when, and on which connection.
type ticket struct {
	at     time.Time
	connID string
}

// SubscriptionLimiter is a sliding-window cap on upstream subscription
// creations. It never fails; callers either proceed or wait.
type SubscriptionLimiter struct {
	mu      sync.Mutex
	tickets []ticket
	max     int
	window  time.Duration

	now func() time.Time
}

// NewSubscriptionLimiter creates a limiter. max <= 0 or window <= 0 fall back
// to the upstream defaults.
func NewSubscriptionLimiter(max int, window time.Duration) *SubscriptionLimiter {
	if max <= 0 {
		max = DefaultMaxSubscriptions
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SubscriptionLimiter{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (l *SubscriptionLimiter) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// prune drops tickets older than now - window. Caller holds mu.
func (l *SubscriptionLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(l.tickets) && !l.tickets[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.tickets = append(l.tickets[:0], l.tickets[idx:]...)
	}
}

// CanSubscribe reports whether a new subscription may be created now.
func (l *SubscriptionLimiter) CanSubscribe() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.tickets) < l.max
}

// Record appends a ticket for a subscription created on connID. Tickets are
// appended strictly in acquisition order.
func (l *SubscriptionLimiter) Record(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	l.tickets = append(l.tickets, ticket{at: now, connID: connID})
}

// WaitForSlot blocks until a subscription slot is available or ctx is done.
// It polls rather than busy-looping; the poll cadence is fixed.
func (l *SubscriptionLimiter) WaitForSlot(ctx context.Context) error {
	if l.CanSubscribe() {
		return nil
	}

	tick := time.NewTicker(waitPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if l.CanSubscribe() {
				return nil
			}
		}
	}
}

// InWindow returns the number of live tickets.
func (l *SubscriptionLimiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.tickets)
}

// OldestTicketAge returns how long ago the oldest live ticket was recorded,
// and false if the window is empty.
func (l *SubscriptionLimiter) OldestTicketAge() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	if len(l.tickets) == 0 {
		return 0, false
	}
	return now.Sub(l.tickets[0].at), true
}
