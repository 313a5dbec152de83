// Package stream holds the per-stream state of one node: the three filter
// stages, the set of child peers the stream flows through and the queue of
// packets delivered to the local application.
package stream

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/10yihang/treenet/internal/filter"
	"github.com/10yihang/treenet/internal/metrics"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/perfdata"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

const DefaultQueueLen = 1024

type Config struct {
	ID        uint32
	Endpoints []packet.Rank
	// Peers are the child ranks through which endpoints are reached.
	Peers []packet.Rank
	Sync  *filter.Instance
	Up    *filter.Instance
	Down  *filter.Instance
	// Leaf streams pass upstream packets through without filtering.
	Leaf     bool
	Internal bool
	QueueLen int
	Perf     *perfdata.Manager
	// OnDeliver is called after a packet was queued for Recv.
	OnDeliver func()
}

type Stream struct {
	id        uint32
	endpoints []packet.Rank
	leaf      bool
	internal  bool
	perf      *perfdata.Manager
	onDeliver func()

	mu    sync.RWMutex
	peers map[packet.Rank]bool // rank -> closed
	err   error

	upMu   sync.Mutex
	downMu sync.Mutex
	sync   *filter.Instance
	up     *filter.Instance
	down   *filter.Instance

	queue     chan *packet.Packet
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Stream {
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = DefaultQueueLen
	}
	if cfg.Perf == nil {
		cfg.Perf = perfdata.NewManager()
	}
	s := &Stream{
		id:        cfg.ID,
		endpoints: slices.Clone(cfg.Endpoints),
		leaf:      cfg.Leaf,
		internal:  cfg.Internal,
		perf:      cfg.Perf,
		onDeliver: cfg.OnDeliver,
		peers:     make(map[packet.Rank]bool, len(cfg.Peers)),
		sync:      cfg.Sync,
		up:        cfg.Up,
		down:      cfg.Down,
		queue:     make(chan *packet.Packet, cfg.QueueLen),
		done:      make(chan struct{}),
	}
	slices.Sort(s.endpoints)
	for _, r := range cfg.Peers {
		s.peers[r] = false
	}
	metrics.RecordStream(1)
	return s
}

func (s *Stream) ID() uint32 { return s.id }
func (s *Stream) Endpoints() []packet.Rank { return slices.Clone(s.endpoints) }
func (s *Stream) Internal() bool { return s.internal }
func (s *Stream) Perf() *perfdata.Manager { return s.perf }
func (s *Stream) SyncFilter() *filter.Instance { return s.sync }
func (s *Stream) UpFilter() *filter.Instance { return s.up }
func (s *Stream) DownFilter() *filter.Instance { return s.down }

// HasEndpoint reports whether r is one of the stream's endpoints.
func (s *Stream) HasEndpoint(r packet.Rank) bool {
	_, ok := slices.BinarySearch(s.endpoints, r)
	return ok
}

// Peers returns the open peers in rank order.
func (s *Stream) Peers() []packet.Rank {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]packet.Rank, 0, len(s.peers))
	for r, closed := range s.peers {
		if !closed {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return out
}

func (s *Stream) Info() filter.StreamInfo {
	return filter.StreamInfo{ID: s.id, Peers: s.Peers()}
}

// SetPeers replaces the peer set, keeping the closed flag of retained peers.
// It returns the ranks that were added.
func (s *Stream) SetPeers(ranks []packet.Rank) []packet.Rank {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[packet.Rank]bool, len(ranks))
	var added []packet.Rank
	for _, r := range ranks {
		closed, ok := s.peers[r]
		if !ok {
			added = append(added, r)
		}
		next[r] = closed
	}
	s.peers = next
	slices.Sort(added)
	return added
}

// HasPeer reports whether r is an open peer.
func (s *Stream) HasPeer(r packet.Rank) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	closed, ok := s.peers[r]
	return ok && !closed
}

// ClosePeer marks r as finished sending and re-runs synchronization, since
// a wave may now be complete without it.
func (s *Stream) ClosePeer(env filter.Env, r packet.Rank) (filter.Output, error) {
	s.mu.Lock()
	if _, ok := s.peers[r]; ok {
		s.peers[r] = true
	}
	s.mu.Unlock()
	return s.PushUpstream(env, []*packet.Packet{})
}

// RemovePeer drops r, for instance after it failed, and re-runs
// synchronization.
func (s *Stream) RemovePeer(env filter.Env, r packet.Rank) (filter.Output, error) {
	s.mu.Lock()
	delete(s.peers, r)
	s.mu.Unlock()
	return s.PushUpstream(env, []*packet.Packet{})
}

// IsClosed reports whether every peer has closed. A stream without peers is
// never closed this way.
func (s *Stream) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.peers) == 0 {
		return false
	}
	for _, closed := range s.peers {
		if !closed {
			return false
		}
	}
	return true
}

// PushUpstream runs packets travelling toward the root through the sync
// filter and then the upstream transform. A nil batch tells the sync filter
// that its timeout elapsed.
func (s *Stream) PushUpstream(env filter.Env, in []*packet.Packet) (filter.Output, error) {
	if s.leaf {
		return filter.Output{Packets: in}, nil
	}
	s.upMu.Lock()
	defer s.upMu.Unlock()

	info := s.Info()
	synced, err := s.sync.Push(env, info, in)
	if err != nil {
		return filter.Output{}, err
	}
	if len(synced.Packets) == 0 {
		return filter.Output{Reverse: synced.Reverse}, nil
	}

	s.perf.Count(perfdata.NumPackets, perfdata.CtxFilterIn, uint64(len(synced.Packets)))
	start := time.Now()
	out, err := s.up.Push(env, info, synced.Packets)
	elapsed := time.Since(start)
	if err != nil {
		return filter.Output{}, err
	}
	s.perf.Count(perfdata.NumPackets, perfdata.CtxFilterOut, uint64(len(out.Packets)))
	s.perf.Add(perfdata.ElapsedSec, perfdata.CtxFilterOut, perfdata.Datum{F: elapsed.Seconds()})
	metrics.RecordFilter(s.up.Name(), elapsed)

	out.Reverse = append(synced.Reverse, out.Reverse...)
	return out, nil
}

// PushDownstream runs packets travelling toward the leaves through the
// downstream transform.
func (s *Stream) PushDownstream(env filter.Env, in []*packet.Packet) (filter.Output, error) {
	if len(in) == 0 {
		return filter.Output{}, nil
	}
	s.downMu.Lock()
	defer s.downMu.Unlock()
	start := time.Now()
	out, err := s.down.Push(env, s.Info(), in)
	if err != nil {
		return filter.Output{}, err
	}
	metrics.RecordFilter(s.down.Name(), time.Since(start))
	return out, nil
}

// State returns the upstream transform's state packet, or nil.
func (s *Stream) State(env filter.Env) (*packet.Packet, error) {
	s.upMu.Lock()
	defer s.upMu.Unlock()
	return s.up.State(env, s.Info())
}

// CountSend records packets leaving the node on this stream.
func (s *Stream) CountSend(pkts []*packet.Packet) {
	if len(pkts) == 0 {
		return
	}
	s.perf.Count(perfdata.NumPackets, perfdata.CtxSend, uint64(len(pkts)))
	var n int
	for _, p := range pkts {
		n += p.Size()
	}
	s.perf.Count(perfdata.NumBytes, perfdata.CtxSend, uint64(n))
}

// Deliver queues p for Recv. It blocks while the queue is full.
func (s *Stream) Deliver(p *packet.Packet) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}
	select {
	case s.queue <- p:
	case <-s.done:
		return s.closedErr()
	}
	if s.onDeliver != nil {
		s.onDeliver()
	}
	return nil
}

// Recv returns the next delivered packet. Packets queued before Close are
// still returned.
func (s *Stream) Recv(ctx context.Context) (*packet.Packet, error) {
	select {
	case p := <-s.queue:
		s.countRecv(p)
		return p, nil
	default:
	}
	select {
	case p := <-s.queue:
		s.countRecv(p)
		return p, nil
	case <-s.done:
		select {
		case p := <-s.queue:
			s.countRecv(p)
			return p, nil
		default:
		}
		return nil, s.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryRecv returns a queued packet without blocking.
func (s *Stream) TryRecv() (*packet.Packet, bool) {
	select {
	case p := <-s.queue:
		s.countRecv(p)
		return p, true
	default:
		return nil, false
	}
}

func (s *Stream) countRecv(p *packet.Packet) {
	s.perf.Count(perfdata.NumPackets, perfdata.CtxRecv, 1)
	s.perf.Count(perfdata.NumBytes, perfdata.CtxRecv, uint64(p.Size()))
}

// Close ends the stream. Pending and later receives fail with err, or
// ErrClosed when err is nil.
func (s *Stream) Close(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		metrics.RecordStream(-1)
	})
}

func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Err() error {
	if !s.Closed() {
		return nil
	}
	return s.closedErr()
}

func (s *Stream) closedErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return s.err
	}
	return terrors.ErrClosed
}
