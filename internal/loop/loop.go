// Package loop provides the single-threaded event loop every interchange
// component runs on.
//
// Transport callbacks, timers and API calls are all funnelled onto one
// goroutine, so component state needs no locking. Code running elsewhere (IPC
// handlers, reader goroutines) hands work to the loop with Post or Call.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when work is handed to a loop that has stopped.
var ErrClosed = errors.New("event loop closed")

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Scheduler is the part of the loop components depend on.
type Scheduler interface {
	// Post queues f to run on the loop. It reports false when the loop is gone.
	Post(f func()) bool
	// AfterFunc runs f on the loop once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	// Now returns the loop's notion of the current time.
	Now() time.Time
}

// Loop runs queued functions one at a time on the goroutine that called Run.
// The queue is unbounded, so work posted from the loop itself never waits
// on the loop.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New returns a loop that is ready to accept work before Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post implements Scheduler. It never blocks.
func (l *Loop) Post(f func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// take swaps out everything queued so far.
func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queue
	l.queue = nil
	return q
}

// Call runs f on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		f()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

type timer struct {
	t       *time.Timer
	mu      sync.Mutex
	stopped bool
}

func (t *timer) Stop() bool {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return t.t.Stop()
}

func (t *timer) live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// AfterFunc implements Scheduler. A timer stopped after it fired but before
// its callback reached the front of the queue does not run.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	t := &timer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.live() {
				f()
			}
		})
	})
	return t
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time { return time.Now() }

// Run executes queued work until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-l.wake:
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return nil
		}
		for _, f := range l.take() {
			select {
			case <-l.done:
				return nil
			case <-ctx.Done():
				l.Close()
				return ctx.Err()
			default:
			}
			f()
		}
	}
}

// Close stops the loop. Work still queued is dropped.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }
