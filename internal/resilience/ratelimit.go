package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLimiterClosed is returned to callers still queued when Close is called.
var ErrLimiterClosed = errors.New("rate limiter closed")

// RateLimiterConfig describes one API's budget. MaxTokens of 0 disables the
// token window.
type RateLimiterConfig struct {
	Name        string
	MaxRequests int
	MaxTokens   int
	Window      time.Duration
}

type tokenEntry struct {
	at     time.Time
	tokens int
}

type waiter struct {
	ctx    context.Context
	weight int
	admit  chan struct{}
}

// RateLimiter admits queued callers in FIFO order when both the request
// window and the token window have headroom. A single drain goroutine makes
// every admission decision; admitted callers run concurrently.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu       sync.Mutex
	queue    []*waiter
	requests []time.Time
	tokens   []tokenEntry

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// NewRateLimiter starts the drain loop. Call Close on shutdown.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxRequests < 1 {
		cfg.MaxRequests = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	r := &RateLimiter{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		now:  time.Now,
	}
	go r.drain()
	return r
}

// Name returns the API name the limiter guards.
func (r *RateLimiter) Name() string { return r.cfg.Name }

// Acquire blocks until the caller is admitted, ctx is done, or the limiter
// is closed. weight is the caller's token cost; it is ignored when no token
// budget is configured.
func (r *RateLimiter) Acquire(ctx context.Context, weight int) error {
	if r == nil {
		return ctx.Err()
	}
	w := &waiter{ctx: ctx, weight: weight, admit: make(chan struct{})}

	r.mu.Lock()
	r.queue = append(r.queue, w)
	r.mu.Unlock()
	r.signal()
	return r.await(w)
}

func (r *RateLimiter) await(w *waiter) error {
	select {
	case <-w.admit:
		return nil
	case <-w.ctx.Done():
		// An admission that raced the cancellation already holds a window
		// slot; honour it.
		select {
		case <-w.admit:
			return nil
		default:
		}
		r.remove(w)
		r.signal()
		return w.ctx.Err()
	case <-r.done:
		return ErrLimiterClosed
	}
}

// Close stops the drain loop. Queued callers receive ErrLimiterClosed.
func (r *RateLimiter) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() { close(r.done) })
}

// Throttle runs fn once l admits the caller. A nil limiter runs fn directly.
func Throttle[T any](ctx context.Context, l *RateLimiter, weight int, fn func(context.Context) (T, error)) (T, error) {
	if err := l.Acquire(ctx, weight); err != nil {
		var zero T
		return zero, err
	}
	return fn(ctx)
}

func (r *RateLimiter) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *RateLimiter) remove(w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.queue {
		if q == w {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

func (r *RateLimiter) drain() {
	for {
		select {
		case <-r.wake:
		case <-r.done:
			return
		}

		for {
			wait, head, ok := r.admitHead()
			if !ok {
				break
			}
			if wait <= 0 {
				continue
			}

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-head.ctx.Done():
				timer.Stop()
			case <-r.done:
				timer.Stop()
				return
			}
		}
	}
}

// admitHead admits the queue head if the windows allow it. It returns the
// time to wait before the head can be admitted, or ok=false when the queue
// is empty.
func (r *RateLimiter) admitHead() (time.Duration, *waiter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.queue) > 0 && r.queue[0].ctx.Err() != nil {
		r.queue = r.queue[1:]
	}
	if len(r.queue) == 0 {
		return 0, nil, false
	}
	head := r.queue[0]

	now := r.now()
	r.purge(now)
	wait := r.waitFor(now, head.weight)
	if wait > 0 {
		return wait, head, true
	}

	r.requests = append(r.requests, now)
	if r.cfg.MaxTokens > 0 {
		r.tokens = append(r.tokens, tokenEntry{at: now, tokens: head.weight})
	}
	r.queue = r.queue[1:]
	close(head.admit)
	return 0, head, true
}

func (r *RateLimiter) purge(now time.Time) {
	cutoff := now.Add(-r.cfg.Window)
	i := 0
	for i < len(r.requests) && !r.requests[i].After(cutoff) {
		i++
	}
	r.requests = r.requests[i:]

	j := 0
	for j < len(r.tokens) && !r.tokens[j].at.After(cutoff) {
		j++
	}
	r.tokens = r.tokens[j:]
}

func (r *RateLimiter) waitFor(now time.Time, weight int) time.Duration {
	var wait time.Duration
	if len(r.requests) >= r.cfg.MaxRequests {
		wait = r.requests[0].Add(r.cfg.Window).Sub(now)
	}
	if r.cfg.MaxTokens > 0 && len(r.tokens) > 0 {
		used := 0
		for _, e := range r.tokens {
			used += e.tokens
		}
		if used+weight > r.cfg.MaxTokens {
			if tw := r.tokens[0].at.Add(r.cfg.Window).Sub(now); tw > wait {
				wait = tw
			}
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// Stats reports the current window occupancy.
func (r *RateLimiter) Stats() (requests, tokens, queued int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purge(r.now())
	for _, e := range r.tokens {
		tokens += e.tokens
	}
	return len(r.requests), tokens, len(r.queue)
}
