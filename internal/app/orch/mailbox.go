package orch

import (
	"sync"

	"github.com/gammazero/deque"
)

type event struct {
	name string
	fn   func()
	// drop runs instead of fn when the session ends before fn could run.
	drop func()
}

// mailbox is an unbounded FIFO drained by the session goroutine.
type mailbox struct {
	mu     sync.Mutex
	queue  deque.Deque[event]
	wake   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// push reports false once the mailbox is closed.
func (m *mailbox) push(e event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue.PushBack(e)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) pop() (event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queue.Len() == 0 {
		return event{}, false
	}
	return m.queue.PopFront(), true
}

// close refuses further pushes and returns what was still queued.
func (m *mailbox) close() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	left := make([]event, 0, m.queue.Len())
	for m.queue.Len() > 0 {
		left = append(left, m.queue.PopFront())
	}
	return left
}
