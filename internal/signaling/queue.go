package signaling

import (
	"errors"
	"sync"
)

var (
	errQueueFull   = errors.New("send queue full")
	errQueueClosed = errors.New("send queue closed")
)

// sendQueue is a FIFO of encoded frames bounded by frame count and bytes.
// Enqueue never blocks, so fan-out under a room lock cannot stall on a slow
// recipient.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxFrames int
	maxBytes  int
	curBytes  int
	frames    [][]byte
}

func newSendQueue(maxFrames, maxBytes int) *sendQueue {
	q := &sendQueue{maxFrames: maxFrames, maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) Enqueue(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	if len(q.frames) >= q.maxFrames || q.curBytes+len(frame) > q.maxBytes {
		return errQueueFull
	}
	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a frame is available. After Drain it keeps returning
// the frames already queued and then reports false.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.curBytes -= len(frame)
	return frame, true
}

// Drain stops accepting frames but lets the writer flush what is queued.
func (q *sendQueue) Drain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Close stops accepting frames and discards anything still queued.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
