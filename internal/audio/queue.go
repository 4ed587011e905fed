package audio

import "sync"

// Queue is a FIFO of decoded audio buffers awaiting playback. The event
// interpreter appends; the playback drain loop consumes. Order is strictly
// arrival order.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	bufs   [][]byte
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a buffer. Buffers enqueued after Close are dropped.
func (q *Queue) Enqueue(buf []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.bufs = append(q.bufs, buf)
	q.cond.Signal()
}

// Next blocks until a buffer is available or the queue is closed. The second
// return is false once the queue is closed and drained.
func (q *Queue) Next() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.bufs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.bufs) == 0 {
		return nil, false
	}
	buf := q.bufs[0]
	q.bufs = q.bufs[1:]
	return buf, true
}

// Len returns the number of queued buffers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bufs)
}

// Clear drops all queued buffers without closing the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bufs = nil
}

// Close drops pending buffers and releases any blocked Next caller.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.bufs = nil
	q.cond.Broadcast()
}
