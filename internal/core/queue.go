package core

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/parley-chat/parley-server/internal/proto"
)

// Inbound is one decoded envelope together with the connection it arrived
// on. The connection is needed so INITIALISATION can bind a username and
// so signaling handlers can read remote addresses.
type Inbound struct {
	Env  *proto.Envelope
	Conn Conn
}

// Queue is the FIFO hand-off between connection read loops (producers) and
// the worker pool (consumers). Enqueue never blocks the producer; Dequeue
// blocks a worker until an item arrives or the queue is closed.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  deque.Deque[Inbound]
	closed bool
}

// NewQueue creates an open, empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an item. Items pushed after Close are dropped.
func (q *Queue) Enqueue(in Inbound) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items.PushBack(in)
	q.cond.Signal()
}

// Dequeue removes and returns the oldest item, blocking while the queue is
// empty. The second return value is false once the queue is closed and
// drained.
func (q *Queue) Dequeue() (Inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return Inbound{}, false
	}
	return q.items.PopFront(), true
}

// Close wakes every blocked worker. Already-queued items are still
// delivered; new items are refused.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
