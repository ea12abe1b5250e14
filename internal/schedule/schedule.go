// Package schedule holds cancellable delayed tasks keyed by conversation.
package schedule

import (
	"sync"
	"time"
)

// Key identifies a pending task. Scheduling a key that is already pending
// replaces the earlier task.
type Key struct {
	Kind         string
	Conversation string
	ID           string
}

// Poster hands a task to the event loop. It reports false when the loop is gone.
type Poster func(func()) bool

type Scheduler struct {
	post Poster

	mu      sync.Mutex
	timers  map[Key]*entry
	seq     uint64
	stopped bool
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

func New(post Poster) *Scheduler {
	return &Scheduler{post: post, timers: make(map[Key]*entry)}
}

// After runs fn on the loop once d has elapsed, unless the key is canceled or
// rescheduled first. A task whose timer fired but which was canceled before
// reaching the loop does not run.
func (s *Scheduler) After(key Key, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.timer.Stop()
	}
	s.seq++
	gen := s.seq
	e := &entry{gen: gen}
	e.timer = time.AfterFunc(d, func() {
		s.post(func() { s.fire(key, gen, fn) })
	})
	s.timers[key] = e
}

func (s *Scheduler) fire(key Key, gen uint64, fn func()) {
	s.mu.Lock()
	e, ok := s.timers[key]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()
	fn()
}

func (s *Scheduler) Pending(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

// CancelConversation drops every pending task scheduled for conversationID.
func (s *Scheduler) CancelConversation(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, e := range s.timers {
		if key.Conversation != conversationID {
			continue
		}
		e.timer.Stop()
		delete(s.timers, key)
		n++
	}
	return n
}

// Stop cancels everything and refuses new tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
	s.stopped = true
}
