package session

import (
	"sync"

	"github.com/coderelay/agentmux/agentwire"
)

// msgQueue is the per-session outbound turn queue: unbounded FIFO,
// ordered by enqueue. Concurrent pushes serialize on the lock, so queue
// order is enqueue order, never an arrival race.
type msgQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []agentwire.SendMessage
	closed bool
}

func newMsgQueue() *msgQueue {
	q := &msgQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends one message. Pushing to a closed queue is a silent drop;
// the session is already tearing down.
func (q *msgQueue) push(msg agentwire.SendMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
}

// pop blocks until a message is available or the queue closes. The
// second return is false once the queue is closed and drained.
func (q *msgQueue) pop() (agentwire.SendMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return agentwire.SendMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// close wakes any blocked pop. Idempotent.
func (q *msgQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

func (q *msgQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
