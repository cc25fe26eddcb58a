package cmdchan

import (
	"sync"
)

// queueChunkSize is the number of controls per node of a controlQueue.
const queueChunkSize = 128

// controlQueue is a chunked linked-list FIFO of controls.
//
// Thread Safety: NOT thread-safe. The channel's queue mutex guards both
// instances.
type controlQueue struct {
	head   *queueChunk
	tail   *queueChunk
	length int
}

var queueChunkPool = sync.Pool{
	New: func() any {
		return &queueChunk{}
	},
}

type queueChunk struct {
	items   [queueChunkSize]*Control
	next    *queueChunk
	readPos int
	pos     int
}

func newQueueChunk() *queueChunk {
	c := queueChunkPool.Get().(*queueChunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnQueueChunk clears every slot so the pool never retains controls.
func returnQueueChunk(c *queueChunk) {
	clear(c.items[:c.pos])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	queueChunkPool.Put(c)
}

// push appends c.
//
// CALLER MUST HOLD THE QUEUE MUTEX.
func (q *controlQueue) push(c *Control) {
	if q.tail == nil {
		q.tail = newQueueChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.items) {
		next := newQueueChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.items[q.tail.pos] = c
	q.tail.pos++
	q.length++
}

// pop removes and returns the oldest control, or nil.
//
// CALLER MUST HOLD THE QUEUE MUTEX.
func (q *controlQueue) pop() *Control {
	h := q.head
	if h == nil || h.readPos >= h.pos {
		return nil
	}
	c := h.items[h.readPos]
	h.items[h.readPos] = nil
	h.readPos++
	q.length--
	if h.readPos == h.pos {
		q.retireHead()
	}
	return c
}

// retireHead recycles the exhausted head chunk, or rewinds it in place when
// it is also the tail. The head is therefore only ever exhausted when the
// queue is empty.
func (q *controlQueue) retireHead() {
	if q.head == q.tail {
		q.head.pos = 0
		q.head.readPos = 0
		return
	}
	old := q.head
	q.head = old.next
	returnQueueChunk(old)
}

// each calls fn for every queued control, oldest first, stopping early if
// fn returns false.
//
// CALLER MUST HOLD THE QUEUE MUTEX.
func (q *controlQueue) each(fn func(*Control) bool) {
	for c := q.head; c != nil; c = c.next {
		for i := c.readPos; i < c.pos; i++ {
			if !fn(c.items[i]) {
				return
			}
		}
	}
}

// drain empties the queue, returning its contents in order.
//
// CALLER MUST HOLD THE QUEUE MUTEX.
func (q *controlQueue) drain() []*Control {
	if q.length == 0 {
		return nil
	}
	out := make([]*Control, 0, q.length)
	for c := q.pop(); c != nil; c = q.pop() {
		out = append(out, c)
	}
	return out
}

func (q *controlQueue) len() int {
	return q.length
}
