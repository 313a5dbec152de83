package network

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/10yihang/treenet/internal/metrics"
	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// ackKey names what an ack answers: the tag of the reply and, for replies
// tied to an object, its id.
type ackKey struct {
	tag packet.Tag
	id  uint32
}

// ackWait collects one reply from each expected rank.
type ackWait struct {
	key ackKey

	mu      sync.Mutex
	pending map[packet.Rank]bool
	results map[packet.Rank]*packet.Packet
	err     error
	done    chan struct{}
}

func (w *ackWait) ack(r packet.Rank, p *packet.Packet) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.pending[r] {
		return false
	}
	delete(w.pending, r)
	w.results[r] = p
	if len(w.pending) == 0 && w.err == nil {
		w.closeLocked()
	}
	return true
}

// closeLocked marks the wait finished. It is safe to call more than once.
func (w *ackWait) closeLocked() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

// abort ends the wait when r is still expected.
func (w *ackWait) abort(r packet.Rank, cause error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.pending[r] || w.err != nil {
		return false
	}
	w.err = fmt.Errorf("%w: rank %d: %w", terrors.ErrAborted, r, cause)
	w.closeLocked()
	return true
}

func (w *ackWait) expects(r packet.Rank) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending[r]
}

// wait blocks until every rank acked, the wait was aborted or ctx ended. It
// returns the replies received so far in every case.
func (w *ackWait) wait(ctx context.Context) (map[packet.Rank]*packet.Packet, error) {
	select {
	case <-w.done:
	case <-ctx.Done():
		w.mu.Lock()
		// A wait that already completed keeps its result.
		if w.err == nil && len(w.pending) > 0 {
			w.err = fmt.Errorf("%w: waiting for %s from %v", terrors.ErrTimeout, w.key.tag, w.missingLocked())
			w.closeLocked()
		}
		w.mu.Unlock()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[packet.Rank]*packet.Packet, len(w.results))
	for r, p := range w.results {
		out[r] = p
	}
	switch {
	case w.err == nil:
		metrics.RecordAckWait("ok")
	case terrors.Is(w.err, terrors.ErrAborted):
		metrics.RecordAckWait("aborted")
	default:
		metrics.RecordAckWait("timeout")
	}
	return out, w.err
}

func (w *ackWait) missingLocked() []packet.Rank {
	out := make([]packet.Rank, 0, len(w.pending))
	for r := range w.pending {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// ackTable matches incoming replies to outstanding waits.
type ackTable struct {
	mu    sync.Mutex
	waits map[ackKey][]*ackWait
}

func newAckTable() *ackTable {
	return &ackTable{waits: make(map[ackKey][]*ackWait)}
}

// expect registers a wait for one reply from each of ranks. The wait is
// already complete when ranks is empty.
func (t *ackTable) expect(tag packet.Tag, id uint32, ranks []packet.Rank) *ackWait {
	w := &ackWait{
		key:     ackKey{tag, id},
		pending: make(map[packet.Rank]bool, len(ranks)),
		results: make(map[packet.Rank]*packet.Packet, len(ranks)),
		done:    make(chan struct{}),
	}
	for _, r := range ranks {
		w.pending[r] = true
	}
	if len(w.pending) == 0 {
		w.closeLocked()
		return w
	}
	t.mu.Lock()
	t.waits[w.key] = append(t.waits[w.key], w)
	t.mu.Unlock()
	return w
}

// release forgets w.
func (t *ackTable) release(w *ackWait) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waits[w.key]
	if i := slices.Index(ws, w); i >= 0 {
		ws = slices.Delete(ws, i, i+1)
	}
	if len(ws) == 0 {
		delete(t.waits, w.key)
	} else {
		t.waits[w.key] = ws
	}
}

// Ack hands p from rank r to the oldest wait for key that still expects r.
func (t *ackTable) Ack(tag packet.Tag, id uint32, r packet.Rank, p *packet.Packet) bool {
	t.mu.Lock()
	ws := slices.Clone(t.waits[ackKey{tag, id}])
	t.mu.Unlock()
	for _, w := range ws {
		if w.ack(r, p) {
			return true
		}
	}
	return false
}

// Abort ends every wait that still expects r.
func (t *ackTable) Abort(r packet.Rank, cause error) int {
	t.mu.Lock()
	var all []*ackWait
	for _, ws := range t.waits {
		all = append(all, ws...)
	}
	t.mu.Unlock()
	n := 0
	for _, w := range all {
		if w.abort(r, cause) {
			n++
		}
	}
	return n
}

func (t *ackTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ws := range t.waits {
		n += len(ws)
	}
	return n
}
