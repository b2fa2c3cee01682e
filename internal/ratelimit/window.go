package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is a per-endpoint sliding-window limiter for external API calls.
// Unlike the subscription limiter it is sized in requests-per-second and is
// expected to be consulted on every outbound call.
type Window struct {
	mu     sync.Mutex
	starts []time.Time
	max    int
	span   time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWindow creates a limiter allowing max request starts per span.
func NewWindow(max int, span time.Duration) *Window {
	if max <= 0 {
		max = 10
	}
	if span <= 0 {
		span = time.Second
	}
	return &Window{
		max:   max,
		span:  span,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (w *Window) SetNowFunc(now func() time.Time) {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reserve records a request start if capacity allows, otherwise returns how
// long until the oldest start ages out.
func (w *Window) reserve() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.span)
	idx := 0
	for idx < len(w.starts) && !w.starts[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.starts = append(w.starts[:0], w.starts[idx:]...)
	}

	if len(w.starts) < w.max {
		w.starts = append(w.starts, now)
		return 0, true
	}
	return w.starts[0].Sub(cutoff), false
}

// Acquire blocks until a request slot is available or ctx is done. The call
// counts against the window at acquisition time (request dispatch).
func (w *Window) Acquire(ctx context.Context) error {
	for {
		wait, ok := w.reserve()
		if ok {
			return nil
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Pending returns the number of request starts inside the current window.
func (w *Window) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	cutoff := now.Add(-w.span)
	n := 0
	for _, s := range w.starts {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}
