// Package eventloop provides the single execution context on which all
// controller state transitions run.
//
// Transport callbacks may fire on any goroutine; they Post a closure and the
// loop runs closures one at a time, in order, each to completion.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

// Executor schedules fn on the owning context. Post never blocks.
type Executor interface {
	Post(fn func())
}

var ErrClosed = errors.New("event loop closed")

type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *Loop) Post(fn func()) {
	if l == nil || fn == nil {
		return
	}
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

// Run processes posted closures until ctx is done. Closures still queued at
// that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil {
		return errors.New("event loop is nil")
	}
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		for {
			fn := l.next()
			if fn == nil {
				break
			}
			fn()
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

// Call runs fn on the loop and waits for it to finish.
//
// It must not be called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	if l == nil {
		return errors.New("event loop is nil")
	}
	finished := make(chan struct{})
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Manual is an Executor that only runs closures when told to. Tests use it
// to decide exactly when transport callbacks are delivered.
type Manual struct {
	mu    sync.Mutex
	queue []func()
}

func (m *Manual) Post(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

// Pending reports how many closures are queued.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Drain runs queued closures, including ones posted while draining, until
// the queue is empty. It returns how many ran.
func (m *Manual) Drain() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return n
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
		n++
	}
}
