package peer

import (
	"context"
	"sync"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// queue is the outbound packet queue of one edge. The send task drains it
// whole into a single batch.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pkts     []*packet.Packet
	inflight bool
	closed   bool
	dead     bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(pkts ...*packet.Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return terrors.ErrClosed
	}
	q.pkts = append(q.pkts, pkts...)
	q.cond.Broadcast()
	return nil
}

// take blocks until packets are queued and returns all of them. It returns
// false once the queue is closed and empty.
func (q *queue) take() ([]*packet.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pkts) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pkts) == 0 {
		return nil, false
	}
	out := q.pkts
	q.pkts = nil
	q.inflight = true
	return out, true
}

// sent marks the batch returned by take as written.
func (q *queue) sent() {
	q.mu.Lock()
	q.inflight = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

// close stops accepting packets; queued ones are still drained.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// kill drops everything and releases all waiters.
func (q *queue) kill() {
	q.mu.Lock()
	q.closed, q.dead = true, true
	q.pkts = nil
	q.inflight = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pkts)
}

// drained blocks until every queued packet was written.
func (q *queue) drained(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for (len(q.pkts) > 0 || q.inflight) && !q.dead {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	if q.dead {
		return terrors.ErrClosed
	}
	return nil
}
