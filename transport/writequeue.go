package transport

import (
	"sync"

	"github.com/opd-ai/assoctransport/association"
)

// writeQueue buffers encoded frames between callers and the channel's
// writer goroutine. With a high watermark set, the queue reports itself
// unwritable once that many bytes are pending and writable again when the
// writer drains it to the low watermark.
type writeQueue struct {
	mu       sync.Mutex
	frames   [][]byte
	pending  int
	high     int
	low      int
	writable bool
	closed   bool
	notify   chan struct{}
}

func newWriteQueue(high, low int) *writeQueue {
	return &writeQueue{
		high:     high,
		low:      low,
		writable: true,
		notify:   make(chan struct{}, 1),
	}
}

// push appends a frame for the writer.
func (q *writeQueue) push(frame []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return association.ErrChannelClosed
	}
	q.frames = append(q.frames, frame)
	q.pending += len(frame)
	if q.high > 0 && q.pending >= q.high {
		q.writable = false
	}
	q.mu.Unlock()

	q.signal()
	return nil
}

// next blocks until a frame is available. It returns false once the queue
// is closed and drained, or abort fires.
func (q *writeQueue) next(abort <-chan struct{}) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return frame, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.notify:
		case <-abort:
			return nil, false
		}
	}
}

// sent records that n bytes reached the connection.
func (q *writeQueue) sent(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending -= n
	if !q.writable && q.pending <= q.low {
		q.writable = true
	}
}

// close rejects further pushes; the writer drains what is queued.
func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *writeQueue) isWritable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writable && !q.closed
}

func (q *writeQueue) pendingBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *writeQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
