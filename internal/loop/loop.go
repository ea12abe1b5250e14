// Package loop runs closures one at a time on a single goroutine. All state
// owned by a console session is mutated from inside the loop, so components
// that live on it need no locking of their own.
package loop

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("loop: stopped")

type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Run executes posted tasks until ctx is canceled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case task := <-l.tasks:
			task()
		}
	}
}

func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}

// Post enqueues fn. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// The task may still have run; prefer reporting completion.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}
