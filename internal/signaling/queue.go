package signaling

import (
	"sync"
)

// sendQueue is a byte-bounded FIFO of encoded frames.
//
// Enqueue never blocks, so a router delivering to a slow peer only loses the
// frame for that peer.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   [][]byte
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	enqueueFull
	enqueueClosed
)

func (q *sendQueue) Enqueue(frame []byte) enqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return enqueueClosed
	}
	if q.curBytes+len(frame) > q.maxBytes {
		return enqueueFull
	}
	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	q.notEmpty.Signal()
	return enqueued
}

// Dequeue blocks until a frame is available. It returns false once the queue
// is closed.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.curBytes -= len(frame)
	return frame, true
}

// Close discards anything still queued and wakes the writer.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
