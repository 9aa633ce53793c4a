package modemmgr

import (
	"sync"
)

// DefaultMaxQueued is the default capacity of the deferred place_call queue.
const DefaultMaxQueued = 16

// CommandQueue is a bounded FIFO of deferred requests, safe for concurrent use.
type CommandQueue struct {
	mu    sync.Mutex
	items []*CommandRequest
	max   int
}

// NewCommandQueue returns a queue holding at most max requests; max <= 0 selects DefaultMaxQueued.
func NewCommandQueue(max int) *CommandQueue {
	if max <= 0 {
		max = DefaultMaxQueued
	}
	return &CommandQueue{max: max}
}

// Push appends req. It returns ErrQueueFull at capacity.
func (q *CommandQueue) Push(req *CommandRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		return ErrQueueFull
	}
	q.items = append(q.items, req)
	return nil
}

// PushFront puts req back at the head. Capacity is not checked since the
// request was dequeued just before.
func (q *CommandQueue) PushFront(req *CommandRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*CommandRequest{req}, q.items...)
}

// Pop removes the oldest request.
func (q *CommandQueue) Pop() (*CommandRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	req := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return req, true
}

// Len returns the number of queued requests.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
