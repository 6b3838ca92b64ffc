package relay

import "sync"

// Queue is an unbounded, mutex-guarded FIFO of pending display messages.
//
// Enqueue never blocks on I/O and never drops. Each message is returned by
// Dequeue exactly once.
type Queue struct {
	mu    sync.Mutex
	items []string
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a message to the tail.
func (q *Queue) Enqueue(msg string) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
}

// Dequeue removes and returns the head, or ("", false) when empty.
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}

	msg := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return msg, true
}

// PushFront puts a message back at the head, ahead of everything queued.
// Used when a write fails after the message was dequeued.
func (q *Queue) PushFront(msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, "")
	copy(q.items[1:], q.items)
	q.items[0] = msg
}

// IsEmpty reports whether the queue holds no messages.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued message and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil
	return n
}
