package runloop

import (
	"context"
	"log/slog"
	"sync"
)

type deferred struct {
	key string
	fn  func()
}

// Loop is a FIFO task queue plus a per-turn coalescing queue.
//
// The zero value is not usable; call New.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{} // buffered, size 1; coalesces wake-ups

	// End-of-turn queue. Only touched from the loop goroutine.
	pending []deferred
	keys    map[string]bool
	turns   int64
}

// New creates an empty loop.
func New() *Loop {
	return &Loop{
		tasks:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
		keys:   make(map[string]bool),
	}
}

// Post schedules fn to run in a later turn.
// Safe from any goroutine. Returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, fn)

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Defer schedules fn to run at the end of the current turn. A second Defer
// with a key that is already pending is dropped, so the work runs once no
// matter how many times it was requested. An empty key never coalesces.
//
// Defer called outside a turn (e.g. from test code) runs on the next Turn or
// Flush.
func (l *Loop) Defer(key string, fn func()) {
	if key != "" {
		if l.keys[key] {
			return
		}
		l.keys[key] = true
	}
	l.pending = append(l.pending, deferred{key: key, fn: fn})
}

// IsPending reports whether a deferred task with key is waiting to run.
func (l *Loop) IsPending(key string) bool {
	return l.keys[key]
}

// Turn runs at most one posted task, then drains the end-of-turn queue
// (including work deferred while draining). It reports whether anything ran.
func (l *Loop) Turn() bool {
	task, ok := l.next()
	ran := false
	if ok {
		task()
		ran = true
	}
	if l.drain() {
		ran = true
	}
	if ran {
		l.turns++
	}
	return ran
}

// Flush runs turns until both queues are empty and returns how many turns ran.
func (l *Loop) Flush() int {
	n := 0
	for l.Turn() {
		n++
	}
	return n
}

// Turns returns the number of turns run so far.
func (l *Loop) Turns() int64 {
	return l.turns
}

// Len returns the number of posted tasks not yet run.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Run drives the loop until ctx is cancelled or Close is called.
// Must be called from exactly one goroutine.
func (l *Loop) Run(ctx context.Context) error {
	slog.Debug("run loop starting")

	for {
		if l.Turn() {
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("run loop stopping: context cancelled")
			l.Close()
			return ctx.Err()

		case <-l.signal:
			if l.isClosed() && l.Len() == 0 {
				slog.Debug("run loop stopping: closed")
				return nil
			}
		}
	}
}

// Close stops accepting posted tasks and wakes Run.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.signal)
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		return nil, false
	}
	task := l.tasks[0]
	l.tasks[0] = nil // release the closure for GC
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return task, true
}

func (l *Loop) drain() bool {
	ran := false
	for len(l.pending) > 0 {
		d := l.pending[0]
		l.pending[0] = deferred{}
		l.pending = l.pending[1:]
		if d.key != "" {
			delete(l.keys, d.key)
		}
		d.fn()
		ran = true
	}
	l.pending = l.pending[:0]
	return ran
}
