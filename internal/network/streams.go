package network

import (
	"context"
	"fmt"
	"slices"

	"github.com/10yihang/treenet/internal/filter"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/perfdata"
	"github.com/10yihang/treenet/internal/stream"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// Communicator is a set of end-point ranks a stream is created over.
type Communicator struct {
	ranks []packet.Rank
}

// NewCommunicator returns a communicator holding ranks.
func NewCommunicator(ranks ...packet.Rank) *Communicator {
	c := &Communicator{}
	c.Add(ranks...)
	return c
}

// Add inserts ranks, ignoring duplicates.
func (c *Communicator) Add(ranks ...packet.Rank) {
	for _, r := range ranks {
		if i, found := slices.BinarySearch(c.ranks, r); !found {
			c.ranks = slices.Insert(c.ranks, i, r)
		}
	}
}

func (c *Communicator) Ranks() []packet.Rank { return slices.Clone(c.ranks) }
func (c *Communicator) Len() int { return len(c.ranks) }

// Broadcast returns a communicator over every back-end currently in the
// tree.
func (n *Network) Broadcast() *Communicator {
	if n.top == nil {
		return NewCommunicator()
	}
	var leaves []packet.Rank
	for _, r := range n.top.Leaves() {
		if r != n.rank && !n.isFailed(r) {
			leaves = append(leaves, r)
		}
	}
	return NewCommunicator(leaves...)
}

// FilterStage selects one of the three filters of a stream.
type FilterStage int

const (
	UpstreamTransform FilterStage = iota
	UpstreamSync
	Downstream
)

func (fs FilterStage) tag() packet.Tag {
	switch fs {
	case UpstreamSync:
		return packet.TagSetFilterParamsUpstreamSync
	case Downstream:
		return packet.TagSetFilterParamsDownstream
	}
	return packet.TagSetFilterParamsUpstreamTrans
}

// Stream is the application handle on a stream. On the front end it sends
// toward the back-ends; on a back-end it sends toward the front end.
type Stream struct {
	n *Network
	s *stream.Stream
}

// Stream returns the handle of an existing application stream.
func (n *Network) Stream(id uint32) (*Stream, bool) {
	s := n.stream(id)
	if s == nil || s.Internal() {
		return nil, false
	}
	return &Stream{n: n, s: s}, true
}

// Streams lists the application streams, ordered by id.
func (n *Network) Streams() []*Stream {
	ss := n.userStreams()
	out := make([]*Stream, len(ss))
	for i, s := range ss {
		out[i] = &Stream{n: n, s: s}
	}
	return out
}

func (st *Stream) ID() uint32 { return st.s.ID() }
func (st *Stream) Endpoints() []packet.Rank { return st.s.Endpoints() }
func (st *Stream) Peers() []packet.Rank { return st.s.Peers() }
func (st *Stream) Perf() *perfdata.Manager { return st.s.Perf() }
func (st *Stream) Closed() bool { return st.s.Closed() }

// Filters names the upstream transformation, synchronization and
// downstream filters this node runs for the stream.
func (st *Stream) Filters() (up, sync, down string) {
	return st.s.UpFilter().Name(), st.s.SyncFilter().Name(), st.s.DownFilter().Name()
}

// Send packs values with format and sends them with tag.
func (st *Stream) Send(tag packet.Tag, format string, values ...any) error {
	p, err := packet.New(st.ID(), tag, format, values...)
	if err != nil {
		return err
	}
	return st.SendPacket(p)
}

// SendPacket sends p on the stream. A packet built for another stream is
// copied onto this one.
func (st *Stream) SendPacket(p *packet.Packet) error {
	n := st.n
	if err := n.Err(); err != nil {
		return err
	}
	if st.s.Closed() {
		if err := st.s.Err(); err != nil {
			return err
		}
		return terrors.ErrClosed
	}
	if p.StreamID() != st.ID() {
		var err error
		if p, err = p.WithStream(st.ID(), p.Tag()); err != nil {
			return err
		}
	}
	pkts := []*packet.Packet{p}
	switch {
	case n.IsRoot():
		out, err := st.s.PushDownstream(n.env, pkts)
		if err != nil {
			return err
		}
		n.sendPeers(st.s, out.Packets...)
		return nil
	case n.IsLeaf():
		p.SetSourceRank(n.rank)
		out, err := st.s.PushUpstream(n.env, pkts)
		if err != nil {
			return err
		}
		if len(out.Packets) == 0 {
			return nil
		}
		st.s.CountSend(out.Packets)
		return n.sendUp(out.Packets...)
	}
	return fmt.Errorf("%w: relays do not originate stream data", terrors.ErrNoRoute)
}

// Recv blocks for the next packet delivered on the stream.
func (st *Stream) Recv(ctx context.Context) (*packet.Packet, error) {
	return st.s.Recv(ctx)
}

// Flush waits until everything queued toward the stream's next hops is
// written.
func (st *Stream) Flush(ctx context.Context) error {
	n := st.n
	if cr := upward(n.role); cr != nil {
		p := cr.peer()
		if p == nil {
			return terrors.ErrClosed
		}
		return p.Flush(ctx)
	}
	pr := downward(n.role)
	for _, r := range st.s.Peers() {
		if p := pr.get(r); p != nil {
			if err := p.Flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close ends the stream. The front end deletes it everywhere; a back-end
// tells its parent it is done with it.
func (st *Stream) Close() error {
	n := st.n
	id := st.ID()
	var p *packet.Packet
	var err error
	if n.IsRoot() {
		p, err = packet.New(packet.ControlStreamID, packet.TagDelStream, idFormat, id)
		if err == nil {
			n.sendChildren(p)
		}
	} else {
		p, err = packet.New(packet.ControlStreamID, packet.TagCloseStream, idFormat, id)
		if err == nil {
			err = n.sendUp(p)
		}
	}
	n.removeStream(id, nil)
	return err
}

// SetFilterParams configures one filter of the stream on every node it
// passes through. Only the front end may call it.
func (st *Stream) SetFilterParams(stage FilterStage, format string, values ...any) error {
	n := st.n
	if !n.IsRoot() {
		return fmt.Errorf("%w: filter parameters are set by the front end", terrors.ErrNoRoute)
	}
	tag := stage.tag()
	params, err := packet.New(st.ID(), tag, format, values...)
	if err != nil {
		return err
	}
	ctl, err := filterParamsPacket(tag, st.ID(), params)
	if err != nil {
		return err
	}
	applyFilterParams(st.s, tag, params)
	n.sendTo(st.s.Peers(), ctl)
	return nil
}

// NewStream creates a stream over comm on every node between the front end
// and the communicator's ranks. It returns ErrNoRoute at once if any rank
// cannot be reached.
func (n *Network) NewStream(ctx context.Context, comm *Communicator, up, sync, down filter.ID) (*Stream, error) {
	if err := n.checkRoutes(comm); err != nil {
		return nil, err
	}
	sp := streamSpec{id: n.allocStreamID(), endpoints: comm.Ranks(), up: up, sync: sync, down: down}
	p, err := streamPacket(packet.TagNewStream, sp)
	if err != nil {
		return nil, err
	}
	return n.openStream(ctx, sp, p)
}

// NewHeteroStream is NewStream with per-rank filters. Each spec has the
// form "filter=rank,rank;filter=rank"; ranks not named run the null
// transformation and the wait-for-all synchronization.
func (n *Network) NewHeteroStream(ctx context.Context, comm *Communicator, upSpec, syncSpec, downSpec string) (*Stream, error) {
	if err := n.checkRoutes(comm); err != nil {
		return nil, err
	}
	id := n.allocStreamID()
	sp, err := n.heteroStreamSpec(id, comm.Ranks(), upSpec, syncSpec, downSpec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", terrors.ErrUnknownFilter, err)
	}
	p, err := packet.New(packet.ControlStreamID, packet.TagNewHeteroStream, heteroFormat,
		id, sp.endpoints, upSpec, syncSpec, downSpec)
	if err != nil {
		return nil, err
	}
	return n.openStream(ctx, sp, p)
}

func (n *Network) checkRoutes(comm *Communicator) error {
	if !n.IsRoot() {
		return fmt.Errorf("%w: streams are created by the front end", terrors.ErrNoRoute)
	}
	if comm == nil || comm.Len() == 0 {
		return fmt.Errorf("%w: empty communicator", terrors.ErrNoRoute)
	}
	unreachable := []packet.Rank{}
	for _, r := range comm.ranks {
		if r == n.rank {
			continue
		}
		if rt := n.router.Route(r); !rt.Found || n.isFailed(r) {
			unreachable = append(unreachable, r)
		}
	}
	if len(unreachable) > 0 {
		return fmt.Errorf("%w: ranks %v", terrors.ErrNoRoute, unreachable)
	}
	return nil
}

// openStream creates the stream locally, announces it to the subtree and
// waits for the acks. A subtree that does not answer in time is logged; the
// stream is usable on the nodes that did.
func (n *Network) openStream(ctx context.Context, sp streamSpec, announce *packet.Packet) (*Stream, error) {
	s := n.addStream(sp)
	w := n.expectChildren(announce, packet.TagNewStreamAck, sp.id)
	if _, err := n.awaitChildren(ctx, w); err != nil {
		if ctx.Err() != nil {
			n.removeStream(sp.id, nil)
			return nil, ctx.Err()
		}
		n.log.Warn("stream creation not acknowledged by every child", "stream", sp.id, "error", err)
	}
	n.log.Debug("stream created", "stream", sp.id, "endpoints", sp.endpoints,
		"up", s.UpFilter().Name(), "sync", s.SyncFilter().Name(), "down", s.DownFilter().Name())
	return &Stream{n: n, s: s}, nil
}

// RecvAny returns the next packet delivered on any application stream.
// Streams are scanned starting after the one served last so that none
// starves.
func (n *Network) RecvAny(ctx context.Context) (*Stream, *packet.Packet, error) {
	for {
		ss := n.userStreams()
		last := n.recvLast.Load()
		start := 0
		for i, s := range ss {
			if s.ID() > last {
				start = i
				break
			}
		}
		for i := range ss {
			s := ss[(start+i)%len(ss)]
			if p, ok := s.TryRecv(); ok {
				n.recvLast.Store(s.ID())
				return &Stream{n: n, s: s}, p, nil
			}
		}
		if err := n.Err(); err != nil {
			return nil, nil, err
		}
		select {
		case <-n.notify:
		case <-n.done:
			if err := n.Err(); err != nil {
				return nil, nil, err
			}
			return nil, nil, terrors.ErrClosed
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}
