package network

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/10yihang/treenet/internal/event"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/peer"
	"github.com/10yihang/treenet/internal/topology"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// HandleControl dispatches a connection accepted on the listening socket.
func (n *Network) HandleControl(ctx context.Context, conn net.Conn, first *packet.Packet) {
	switch first.Tag() {
	case packet.TagNewChildDataConnection:
		n.acceptChild(conn, first)
	case packet.TagNewChildFDConnection:
		n.acceptEvent(ctx, conn, first)
	default:
		n.log.Warn("unexpected first packet on new connection", "tag", first.Tag(), "remote", conn.RemoteAddr().String())
		conn.Close()
	}
}

func (n *Network) settings() peer.Settings {
	return peer.Settings{
		Values: map[string]string{
			settingRecovery: strconv.FormatBool(n.recovery.Load()),
			settingSession:  n.session,
			settingMaxFrame: strconv.Itoa(n.cfg.MaxFrameBytes),
		},
		Topology: n.top.String(),
	}
}

// acceptChild attaches a child that opened its data connection. The child
// is recorded in the local topology before the settings reply is written so
// that the topology it receives already contains it.
func (n *Network) acceptChild(conn net.Conn, first *packet.Packet) {
	h, err := peer.ParseHello(first)
	if err != nil {
		n.log.Warn("malformed child hello", "error", err)
		conn.Close()
		return
	}
	pr := downward(n.role)
	if pr == nil || n.shutting.Load() {
		n.log.Warn("refusing child", "child", h.Rank, "role", n.role.name())
		conn.Close()
		return
	}

	updates := childUpdates(n.rank, h, n.top)
	if _, err := n.top.ApplyAll(updates); err != nil {
		n.log.Warn("child attach partially applied", "child", h.Rank, "error", err)
	}
	n.clearFailed(h.Rank)
	n.topologyChanged([]packet.Rank{h.Rank})

	reply, err := n.settings().Packet()
	if err == nil {
		err = peer.WritePackets(conn, reply)
	}
	if err != nil {
		n.log.Warn("settings reply failed", "child", h.Rank, "error", err)
		conn.Close()
		return
	}

	p := peer.New(peer.Config{
		Rank:          h.Rank,
		Host:          h.Host,
		Port:          h.Port,
		Role:          peer.RoleChild,
		Internal:      h.Internal,
		Incarnation:   h.Incarnation,
		MaxFrame:      n.cfg.MaxFrameBytes,
		ShutdownGrace: n.cfg.ShutdownGrace,
		Logger:        n.log,
	}, conn, peer.HandlerFunc(n.handleFromChild))
	if old := pr.add(p); old != nil {
		go old.Close()
	}
	p.Start(n.ctx)
	go n.watchChild(p)

	n.log.Info("child attached", "child", h.Rank, "host", h.Host, "port", h.Port,
		"incarnation", h.Incarnation, "prev_parent", h.PrevParent)
	n.pushTopology(updates)
}

// childUpdates describes the attachment of h below parent. A child
// reconnecting after recovery is moved; a subtree unknown locally is added
// node by node.
func childUpdates(parent packet.Rank, h peer.Hello, top *topology.Topology) []topology.Update {
	typ := topology.UpdateNewBackEnd
	if h.Internal {
		typ = topology.UpdateNewInternal
	}
	_, known := top.Node(h.Rank)
	if h.PrevParent != packet.UnknownRank && known {
		us := []topology.Update{{Type: topology.UpdateChangeParent, Parent: parent, Child: h.Rank}}
		if h.Port != packet.UnknownPort {
			us = append(us, topology.Update{Type: topology.UpdateChangePort, Parent: packet.UnknownRank, Child: h.Rank, Port: h.Port})
		}
		return us
	}
	us := []topology.Update{{Type: typ, Parent: parent, Child: h.Rank, Host: h.Host, Port: h.Port}}
	if h.SubTree == "" {
		return us
	}
	sub, err := topology.ParseSerialGraph(h.SubTree)
	if err != nil || sub.Root() != h.Rank {
		return us
	}
	for _, nd := range sub.Nodes() {
		if _, ok := top.Node(nd.Rank); ok || nd.Rank == h.Rank {
			continue
		}
		t := topology.UpdateNewBackEnd
		if nd.Internal || len(nd.Children) > 0 {
			t = topology.UpdateNewInternal
		}
		us = append(us, topology.Update{Type: t, Parent: nd.Parent, Child: nd.Rank, Host: nd.Host, Port: nd.Port})
	}
	return us
}

// acceptEvent pairs an event connection with its data connection.
func (n *Network) acceptEvent(ctx context.Context, conn net.Conn, first *packet.Packet) {
	eh, err := peer.ParseEventHello(first)
	if err != nil {
		n.log.Warn("malformed event hello", "error", err)
		conn.Close()
		return
	}
	pr := downward(n.role)
	var p *peer.Peer
	if pr != nil {
		p = pr.get(eh.Rank)
	}
	if p == nil {
		n.log.Warn("event connection from unknown child", "child", eh.Rank)
		conn.Close()
		return
	}
	p.SetEventConn(conn)
	pr.setWatch(eh.Rank, n.mon.Watch(ctx, eh.Rank, false, conn))
}

// HandlePeerLost reacts to a closed event connection.
func (n *Network) HandlePeerLost(ctx context.Context, l event.Loss) {
	if n.shutting.Load() {
		return
	}
	if l.Parent {
		cr := upward(n.role)
		if cr == nil || !cr.currentWatch(l.Watch) {
			return
		}
		n.parentLost(cr.peer(), l.Err)
		return
	}
	pr := downward(n.role)
	if pr == nil || !pr.currentWatch(l.Rank, l.Watch) {
		return
	}
	n.childLost(l.Rank, pr.get(l.Rank), l.Err)
}

// HandleTimeouts releases the sync filters whose deadline passed.
func (n *Network) HandleTimeouts(ctx context.Context, streams []uint32) {
	for _, id := range streams {
		s := n.stream(id)
		if s == nil {
			continue
		}
		out, err := s.PushUpstream(n.env, nil)
		if err != nil {
			n.log.Warn("timeout release failed", "stream", id, "error", err)
			continue
		}
		n.forwardUp(s, out)
	}
}

func (n *Network) watchChild(p *peer.Peer) {
	select {
	case <-p.Done():
	case <-n.ctx.Done():
		return
	}
	if n.shutting.Load() {
		return
	}
	n.childLost(p.Rank(), p, p.Err())
}

// childLost handles a child that died. Only the first report for a given
// connection has an effect.
func (n *Network) childLost(r packet.Rank, p *peer.Peer, cause error) {
	pr := downward(n.role)
	if pr == nil || p == nil || pr.remove(r, p) == nil {
		return
	}
	go p.Close()
	n.markFailed(r)
	if cause == nil {
		cause = terrors.ErrClosed
	}
	n.log.Warn("child lost", "child", r, "error", cause)

	if aborted := n.acks.Abort(r, cause); aborted > 0 {
		n.log.Info("aborted control waits", "child", r, "count", aborted)
	}
	for _, s := range n.allStreams() {
		out, err := s.RemovePeer(n.env, r)
		if err != nil {
			n.log.Warn("purging failed child", "stream", s.ID(), "child", r, "error", err)
			continue
		}
		n.forwardUp(s, out)
	}

	host := ""
	if nd, ok := n.top.Node(r); ok {
		host = nd.Host
	}
	n.emit(event.TypePeerFailure, r, host, fmt.Sprintf("child of %d: %v", n.rank, cause))
	if !n.IsRoot() {
		if rpt, err := packet.New(packet.ControlStreamID, packet.TagFailureRpt, failureFormat, uint32(r), uint32(n.rank)); err == nil {
			_ = n.sendUp(rpt)
		}
	}
	n.pushTopology([]topology.Update{{Type: topology.UpdateRemoveRank, Parent: n.rank, Child: r}})

	if !n.recovery.Load() {
		n.closeUnreachable(fmt.Errorf("%w: child %d lost: %v", terrors.ErrRecoveryDisabled, r, cause))
	}
}

// closeUnreachable closes the application streams that can no longer reach
// any endpoint.
func (n *Network) closeUnreachable(err error) {
	for _, s := range n.userStreams() {
		if len(s.Peers()) > 0 || s.HasEndpoint(n.rank) {
			continue
		}
		n.removeStream(s.ID(), err)
		n.emit(event.TypeStreamClosed, n.rank, n.host, fmt.Sprintf("stream %d: %v", s.ID(), err))
	}
}
