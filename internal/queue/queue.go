// Package queue serializes trade-mutating operations per (market, option)
// key. At most one operation runs at a time for a given key, in strict
// submission order; unrelated keys never block each other.
//
// Moving the ordering decision into this in-process admission queue means
// the database transactions it admits never contend with each other on the
// same option's rows, which removes the lock-order deadlock class without
// two-phase locking at every call site. It is a per-key mutex with a FIFO
// waiting line, not a distributed lock: correctness holds within a single
// instance only.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrTimeout is returned when the caller's context expires before the
// operation is admitted. Safe to retry.
var ErrTimeout = errors.New("queue: wait for execution slot timed out")

// Key identifies one serialization domain.
type Key struct {
	MarketID string
	OptionID string
}

// Queue admits operations per key in FIFO order. The zero value is not
// usable; call New.
type Queue struct {
	mu    sync.Mutex
	lines map[Key]*line
}

// line is the serialization primitive for one key: a chain of baton
// channels. Each waiter holds the channel its predecessor will close.
type line struct {
	tail  chan struct{}
	depth int
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{lines: make(map[Key]*line)}
}

// Enqueue runs op once every operation previously enqueued under the same
// key has completed, success or failure. The op's error propagates to the
// caller and never affects sibling scheduling.
//
// If ctx expires while waiting for admission, Enqueue returns ErrTimeout
// and the slot passes to the next waiter. Once op starts it is not
// interruptible; callers set deadlines before submission.
func (q *Queue) Enqueue(ctx context.Context, key Key, op func() error) error {
	q.mu.Lock()
	ln, ok := q.lines[key]
	if !ok {
		first := make(chan struct{})
		close(first)
		ln = &line{tail: first}
		q.lines[key] = ln
	}
	turn := ln.tail
	done := make(chan struct{})
	ln.tail = done
	ln.depth++
	q.mu.Unlock()

	select {
	case <-turn:
	case <-ctx.Done():
		// The baton must still reach our successor once the predecessor
		// finishes, or the line stalls forever.
		go func() {
			<-turn
			q.release(key, done)
		}()
		return ErrTimeout
	}

	defer q.release(key, done)
	return op()
}

// Depth returns the number of operations enqueued (waiting or running)
// for key.
func (q *Queue) Depth(key Key) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ln, ok := q.lines[key]; ok {
		return ln.depth
	}
	return 0
}

// release hands the baton to the next waiter and evicts the key's entry
// once its line drains, so the registry never grows unboundedly.
func (q *Queue) release(key Key, done chan struct{}) {
	close(done)
	q.mu.Lock()
	if ln, ok := q.lines[key]; ok {
		ln.depth--
		if ln.depth == 0 {
			delete(q.lines, key)
		}
	}
	q.mu.Unlock()
}
