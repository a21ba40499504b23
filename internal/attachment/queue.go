package attachment

import (
	"sync"

	"github.com/pion/rtp"
)

// leakyQueue is a bounded FIFO of RTP packets that drops the oldest buffered
// packet once full, so a slow viewer never back-pressures the shared graph
// or any sibling viewer. One leakyQueue backs one branch (video or audio) of
// one Attachment.
type leakyQueue struct {
	mu       sync.Mutex
	buf      []*rtp.Packet
	capacity int
	dropped  uint64
	closed   bool

	notify chan struct{}
	done   chan struct{}

	onDrop func()
}

func newLeakyQueue(capacity int, onDrop func()) *leakyQueue {
	return &leakyQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		onDrop:   onDrop,
	}
}

// push enqueues pkt without blocking, dropping the oldest buffered packet
// if the queue is already at capacity.
func (q *leakyQueue) push(pkt *rtp.Packet) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	dropped := false
	if len(q.buf) >= q.capacity {
		q.buf = q.buf[1:]
		q.dropped++
		dropped = true
	}
	q.buf = append(q.buf, pkt)
	q.mu.Unlock()

	if dropped && q.onDrop != nil {
		q.onDrop()
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *leakyQueue) popAll() []*rtp.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = nil
	return out
}

// run drains the queue in FIFO order on the calling goroutine until close is
// called. Intended to run on its own goroutine, started before the queue is
// linked to the shared tee (spec order: sink runs before link).
func (q *leakyQueue) run(sink func(*rtp.Packet)) {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}
		for _, pkt := range q.popAll() {
			sink(pkt)
		}
	}
}

// close stops the drain loop. Safe to call more than once.
func (q *leakyQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *leakyQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
