package network

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/10yihang/treenet/internal/event"
	"github.com/10yihang/treenet/internal/metrics"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/peer"
	"github.com/10yihang/treenet/internal/topology"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// attach opens the data and event connections to parent and installs the
// new parent peer. prev is the failed parent when reconnecting.
func (n *Network) attach(ctx context.Context, parent packet.Rank, addr string, incarnation uint32, prev packet.Rank, subTree string) (peer.Settings, error) {
	cr := upward(n.role)
	hello := peer.Hello{
		Host:        n.host,
		Port:        n.port,
		Rank:        n.rank,
		Incarnation: incarnation,
		PrevParent:  prev,
		SubTree:     subTree,
		Internal:    !n.IsLeaf(),
	}
	conn, settings, err := peer.Connect(ctx, addr, hello, n.cfg.MaxFrameBytes, n.cfg.DialTimeout)
	if err != nil {
		return peer.Settings{}, err
	}
	p := peer.New(peer.Config{
		Rank:          parent,
		Host:          hostOf(addr),
		Port:          portOf(addr),
		Role:          peer.RoleParent,
		Internal:      true,
		Incarnation:   incarnation,
		MaxFrame:      n.cfg.MaxFrameBytes,
		ShutdownGrace: n.cfg.ShutdownGrace,
		Logger:        n.log,
	}, conn, peer.HandlerFunc(n.handleFromParent))

	ev, err := peer.ConnectEvent(ctx, addr, peer.EventHello{Host: n.host, Port: n.port, Rank: n.rank}, n.cfg.DialTimeout)
	if err != nil {
		conn.Close()
		return peer.Settings{}, err
	}
	p.SetEventConn(ev)
	cr.set(p, incarnation)
	n.applySettings(settings.Values)
	return settings, nil
}

// startParent runs the parent peer and watches it once the node is ready
// to handle its traffic.
func (n *Network) startParent() {
	cr := upward(n.role)
	p := cr.peer()
	p.Start(n.ctx)
	cr.setWatch(n.mon.Watch(n.ctx, p.Rank(), true, p.EventConn()))
	go n.watchParent(p)
}

func (n *Network) watchParent(p *peer.Peer) {
	select {
	case <-p.Done():
	case <-n.ctx.Done():
		return
	}
	n.parentLost(p, p.Err())
}

func (n *Network) applySettings(values map[string]string) {
	if v, ok := values[settingRecovery]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			n.recovery.Store(b)
		}
	}
	if v, ok := values[settingSession]; ok && v != "" {
		n.session = v
	}
}

// parentLost starts recovery for the loss of p, or ends the node when
// recovery is off. Reports for a peer that is no longer the parent are
// ignored.
func (n *Network) parentLost(p *peer.Peer, cause error) {
	if n.shutting.Load() || p == nil {
		return
	}
	cr := upward(n.role)
	if cr == nil || cr.peer() != p {
		return
	}
	if cause == nil {
		cause = terrors.ErrClosed
	}
	old := p.Rank()
	host := ""
	if nd, ok := n.top.Node(old); ok {
		host = nd.Host
	}
	if !n.recovery.Load() {
		err := fmt.Errorf("%w: parent %d lost: %v", terrors.ErrRecoveryDisabled, old, cause)
		n.log.Error("parent lost", "parent", old, "error", cause)
		n.emit(event.TypePeerFailure, old, host, err.Error())
		n.fail(err)
		return
	}
	if !cr.beginRecovery() {
		return
	}
	n.log.Warn("parent lost, recovering", "parent", old, "error", cause)
	n.emit(event.TypePeerFailure, old, host, fmt.Sprintf("parent of %d: %v", n.rank, cause))
	go n.recoverFrom(old)
}

func (n *Network) recoverFrom(old packet.Rank) {
	cr := upward(n.role)
	defer cr.endRecovery()

	rc := event.NewRecovery(&reparenter{n: n, old: old}, event.RecoveryConfig{
		Attempts: n.cfg.RecoveryAttempts,
		Rate:     rate.Limit(n.cfg.ReconnectRate),
		Burst:    1,
	}, n.log)
	parent, err := rc.Run(n.ctx, old)
	metrics.RecordRecovery(err == nil)
	if err != nil {
		n.recovery.Store(false)
		n.emit(event.TypeRecovery, n.rank, n.host, fmt.Sprintf("recovery from %d failed: %v", old, err))
		n.fail(fmt.Errorf("%w: %w", terrors.ErrRecoveryDisabled, err))
		return
	}
	n.emit(event.TypeRecovery, n.rank, n.host, fmt.Sprintf("reparented from %d to %d", old, parent))
}

// fail ends the node after an unrecoverable loss. Pending and later
// receives return err.
func (n *Network) fail(err error) {
	n.setErr(err)
	for _, s := range n.allStreams() {
		n.removeStream(s.ID(), err)
	}
	go n.close()
}

// reparenter carries out recovery steps on behalf of event.Recovery.
type reparenter struct {
	n   *Network
	old packet.Rank
}

func (r *reparenter) MarkFailed(old packet.Rank) {
	n := r.n
	n.markFailed(old)
	n.top.MarkFailed(old)
	if p := upward(n.role).peer(); p != nil && p.Rank() == old {
		p.Close()
	}
}

func (r *reparenter) FindNewParent(attempt int) (packet.Rank, error) {
	return r.n.top.FindNewParent(r.n.rank, attempt)
}

func (r *reparenter) Reconnect(ctx context.Context, parent packet.Rank) error {
	n := r.n
	nd, ok := n.top.Node(parent)
	if !ok {
		return fmt.Errorf("%w: %d", terrors.ErrUnknownRank, parent)
	}
	cr := upward(n.role)
	if _, err := n.attach(ctx, parent, nd.Addr(), cr.nextIncarnation(), r.old, n.top.SerialGraph(n.rank)); err != nil {
		return err
	}
	n.startParent()
	return nil
}

// Resync resends the upstream filter state of every application stream.
func (r *reparenter) Resync(ctx context.Context) error {
	n := r.n
	var pkts []*packet.Packet
	for _, s := range n.userStreams() {
		st, err := s.State(n.env)
		if err != nil {
			return fmt.Errorf("stream %d: %w", s.ID(), err)
		}
		if st == nil {
			continue
		}
		if st.StreamID() != s.ID() {
			if st, err = st.WithStream(s.ID(), st.Tag()); err != nil {
				return err
			}
		}
		st.SetSourceRank(n.rank)
		pkts = append(pkts, st)
	}
	if len(pkts) == 0 {
		return nil
	}
	if err := n.sendUp(pkts...); err != nil {
		return err
	}
	return upward(n.role).peer().Flush(ctx)
}

func (r *reparenter) Reparent(old, parent packet.Rank) error {
	n := r.n
	if _, err := n.top.RemoveNode(old); err != nil {
		return err
	}
	if _, err := n.top.ChangeParent(n.rank, parent); err != nil {
		return err
	}
	n.topologyChanged(nil)
	n.pushTopology([]topology.Update{
		{Type: topology.UpdateRemoveRank, Parent: packet.UnknownRank, Child: old},
		{Type: topology.UpdateChangeParent, Parent: parent, Child: n.rank},
	})
	return nil
}

// Announce tells the subtree which parent replaced the failed one.
func (r *reparenter) Announce(ctx context.Context, old, parent packet.Rank) error {
	n := r.n
	if n.IsLeaf() {
		return nil
	}
	p, err := packet.New(packet.ControlStreamID, packet.TagRecoveryRpt, recoveryFormat, uint32(n.rank), uint32(old), uint32(parent))
	if err != nil {
		return err
	}
	n.sendChildren(p)
	return nil
}

func hostOf(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

func portOf(addr string) packet.Port {
	_, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return packet.UnknownPort
	}
	p, err := strconv.ParseUint(ps, 10, 16)
	if err != nil {
		return packet.UnknownPort
	}
	return packet.Port(p)
}
