// Package loop runs posted closures one at a time on a single goroutine.
//
// Controllers own one Loop each and touch their state only from inside it.
// Blocking work (network fetches, media acquisition) runs on its own
// goroutine via Go and posts its continuation back, so every state change is
// serialized in posting order.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Do when the loop has been shut down.
var ErrClosed = errors.New("loop: closed")

// Loop is a FIFO executor backed by one goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool

	inflight atomic.Int64
}

// New starts a loop. Close must be called to stop its goroutine.
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues fn. It never blocks and is safe to call from inside the loop.
// Posts after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it to return.
// Calling Do from inside the loop deadlocks; use Post there.
func (l *Loop) Do(fn func()) error {
	ran := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()

	l.Post(func() {
		fn()
		close(ran)
	})

	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Go runs work on a fresh goroutine and posts then(result) back to the loop.
// The context passed to work is ctx; work must honour it.
func Go[T any](l *Loop, ctx context.Context, work func(context.Context) T, then func(T)) {
	l.inflight.Add(1)
	go func() {
		res := work(ctx)
		l.Post(func() { then(res) })
		l.inflight.Add(-1)
	}()
}

// After posts fn to the loop once d has elapsed. The returned stop func
// cancels it if it has not fired yet.
func (l *Loop) After(d time.Duration, fn func()) (stop func() bool) {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return t.Stop
}

// Settle blocks until no Go work is outstanding and every continuation it
// posted has run, or until ctx ends. Intended for tests and shutdown.
func (l *Loop) Settle(ctx context.Context) error {
	for {
		if err := l.Do(func() {}); err != nil {
			return err
		}
		if l.inflight.Load() == 0 {
			// One more round so continuations posted right before the
			// counter dropped are flushed as well.
			if err := l.Do(func() {}); err != nil {
				return err
			}
			if l.inflight.Load() == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Close stops the loop after the currently running closure. Queued closures
// that have not started are discarded. Idempotent.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	close(l.done)
}

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.closed || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			fn()
		}
	}
}
