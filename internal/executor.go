// Package internal holds the serial executor used to deliver subscriber
// events without stalling connection readers.
package internal

import "sync"

// Executor runs submitted callbacks one at a time in submission order, so
// message events keep their per-connection ordering even when handlers are
// slow.
type Executor struct {
	mu     sync.Mutex
	closed bool
	ch     chan func()
	done   chan struct{}
}

// NewExecutor starts an executor with the given queue capacity.
func NewExecutor(capacity int) *Executor {
	if capacity <= 0 {
		capacity = 128
	}
	e := &Executor{
		ch:   make(chan func(), capacity),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *Executor) loop() {
	defer close(e.done)
	for f := range e.ch {
		f()
	}
}

// Do enqueues f. When the queue is full Do blocks: backpressure on event
// producers is preferable to dropping or reordering events.
func (e *Executor) Do(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.ch <- f
}

// Close drains the queue and stops the worker. Submissions after Close are
// silently discarded.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()
	<-e.done
}
