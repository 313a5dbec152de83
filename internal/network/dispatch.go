package network

import (
	"github.com/10yihang/treenet/internal/filter"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/peer"
	"github.com/10yihang/treenet/internal/stream"
	"github.com/10yihang/treenet/internal/topology"
)

// runs splits a batch into consecutive runs sharing a stream id.
func runs(pkts []*packet.Packet, fn func(id uint32, run []*packet.Packet)) {
	for len(pkts) > 0 {
		id := pkts[0].StreamID()
		i := 1
		for i < len(pkts) && pkts[i].StreamID() == id {
			i++
		}
		fn(id, pkts[:i])
		pkts = pkts[i:]
	}
}

// handleFromChild is the receive handler of every child peer.
func (n *Network) handleFromChild(p *peer.Peer, pkts []*packet.Packet) {
	runs(pkts, func(id uint32, run []*packet.Packet) {
		if id == packet.ControlStreamID {
			for _, pkt := range run {
				n.controlUp(p.Rank(), pkt)
			}
			return
		}
		n.upstream(id, run)
	})
}

// handleFromParent is the receive handler of the parent peer.
func (n *Network) handleFromParent(p *peer.Peer, pkts []*packet.Packet) {
	runs(pkts, func(id uint32, run []*packet.Packet) {
		if id == packet.ControlStreamID {
			for _, pkt := range run {
				n.controlDown(pkt)
			}
			return
		}
		n.downstream(id, run)
	})
}

// upstream runs packets arriving from children through their stream.
func (n *Network) upstream(id uint32, pkts []*packet.Packet) {
	s := n.stream(id)
	if s == nil {
		n.log.Debug("dropping packets for unknown stream", "stream", id, "count", len(pkts))
		return
	}
	out, err := s.PushUpstream(n.env, pkts)
	if err != nil {
		n.log.Warn("upstream filter failed", "stream", id, "error", err)
		return
	}
	n.forwardUp(s, out)
}

// forwardUp moves filter output on toward the root. At the root it is
// delivered to the application.
func (n *Network) forwardUp(s *stream.Stream, out filter.Output) {
	if len(out.Reverse) > 0 {
		n.reverse(s, out.Reverse)
	}
	if len(out.Packets) == 0 {
		return
	}
	if n.IsRoot() {
		if !s.Internal() || n.isOneShot(s.ID()) {
			n.deliver(s, out.Packets)
		}
		return
	}
	s.CountSend(out.Packets)
	if err := n.sendUp(out.Packets...); err != nil {
		n.log.Debug("send to parent failed", "stream", s.ID(), "error", err)
	}
	if n.isOneShot(s.ID()) {
		n.removeStream(s.ID(), nil)
	}
}

// reverse turns packets around toward the leaves of s. They skip the local
// downstream filter; the port stream result is also delivered at the root
// so that the waiting caller sees it.
func (n *Network) reverse(s *stream.Stream, pkts []*packet.Packet) {
	if n.IsRoot() && s.ID() == packet.PortStreamID {
		n.deliver(s, pkts)
	}
	n.sendPeers(s, pkts...)
}

func (n *Network) deliver(s *stream.Stream, pkts []*packet.Packet) {
	for _, p := range pkts {
		if err := s.Deliver(p); err != nil {
			n.log.Debug("dropping packet for closed stream", "stream", s.ID(), "error", err)
			return
		}
	}
}

// downstream runs packets arriving from the parent through their stream.
func (n *Network) downstream(id uint32, pkts []*packet.Packet) {
	s := n.stream(id)
	if s == nil {
		n.log.Debug("dropping packets for unknown stream", "stream", id, "count", len(pkts))
		return
	}
	n.sendDown(s, pkts)
}

// sendDown filters pkts downstream and hands them to the stream peers, or
// to the application on a leaf.
func (n *Network) sendDown(s *stream.Stream, pkts []*packet.Packet) {
	out, err := s.PushDownstream(n.env, pkts)
	if err != nil {
		n.log.Warn("downstream filter failed", "stream", s.ID(), "error", err)
		return
	}
	if n.IsLeaf() {
		if !s.Internal() {
			n.deliver(s, out.Packets)
		}
		return
	}
	n.sendPeers(s, out.Packets...)
}

// sendUpstream injects locally produced packets at the bottom of s.
func (n *Network) sendUpstream(s *stream.Stream, pkts []*packet.Packet) {
	out, err := s.PushUpstream(n.env, pkts)
	if err != nil {
		n.log.Warn("upstream filter failed", "stream", s.ID(), "error", err)
		return
	}
	n.forwardUp(s, out)
}

// pushTopology reports updates on the topology stream. They are applied on
// the way up and replayed by every node once the root turns them around.
func (n *Network) pushTopology(updates []topology.Update) {
	n.pushUpdates(packet.TopologyStreamID, packet.TagTopoUpdate, updates)
}

func (n *Network) pushUpdates(id uint32, tag packet.Tag, updates []topology.Update) {
	if len(updates) == 0 {
		return
	}
	s := n.stream(id)
	if s == nil {
		return
	}
	p, err := topology.EncodeUpdates(tag, updates)
	if err == nil && id != packet.TopologyStreamID {
		p, err = p.WithStream(id, tag)
	}
	if err != nil {
		n.log.Warn("encoding topology update failed", "error", err)
		return
	}
	p.SetSourceRank(n.rank)
	n.sendUpstream(s, []*packet.Packet{p})
}
