package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most `limit` execution starts within any rolling
// window of `window`. Admission is FIFO: callers blocked in Acquire are
// released in call order as old starts fall out of the window.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	starts  []time.Time
	waiters []chan struct{}
	timer   *time.Timer

	now func() time.Time
}

func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Acquire blocks until the caller may start one execution, or until ctx
// is done. limit <= 0 means unlimited.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return ctx.Err()
	}

	ready := make(chan struct{})
	l.mu.Lock()
	l.waiters = append(l.waiters, ready)
	l.dispatch()
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		select {
		case <-ready:
			// Был допущен до того, как мы успели сняться с очереди.
			return nil
		default:
		}
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		return ctx.Err()
	}
}

// dispatch releases waiters in FIFO order while window budget remains and
// arms a wake-up timer for the next start expiry otherwise. mu must be held.
func (l *Limiter) dispatch() {
	now := l.now()

	cut := 0
	for cut < len(l.starts) && now.Sub(l.starts[cut]) >= l.window {
		cut++
	}
	l.starts = l.starts[cut:]

	for len(l.waiters) > 0 && len(l.starts) < l.limit {
		ready := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.starts = append(l.starts, now)
		close(ready)
	}

	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if len(l.waiters) == 0 {
		return
	}

	wake := l.starts[0].Add(l.window).Sub(now)
	if wake < time.Millisecond {
		wake = time.Millisecond
	}
	l.timer = time.AfterFunc(wake, func() {
		l.mu.Lock()
		l.dispatch()
		l.mu.Unlock()
	})
}

// Pending reports how many callers are currently queued.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
