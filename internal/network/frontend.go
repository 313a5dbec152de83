package network

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/10yihang/treenet/internal/config"
	"github.com/10yihang/treenet/internal/event"
	"github.com/10yihang/treenet/internal/filter"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/perfdata"
	"github.com/10yihang/treenet/internal/topology"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// NewFrontEnd builds the tree described by topoText with this process as
// its root. It returns once every subtree has reported in and the ports of
// all internal nodes are known.
func NewFrontEnd(ctx context.Context, rt *config.Runtime, topoText string, launcher Launcher, opts ...Option) (*Network, error) {
	if rt == nil {
		rt = config.Discard()
	}
	top, err := topology.ParseFileString(topoText)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	ln, err := listen(listenAddr(rt, o))
	if err != nil {
		return nil, err
	}
	root, _ := top.Node(top.Root())
	n := newNode(ctx, rt, root.Rank, root.Host, ln, opts)
	if launcher != nil {
		n.opts.launcher = launcher
	}
	n.role = Root{parent: newParentRole(ln)}
	n.session = newSession()
	if _, err := top.ChangePort(n.rank, n.port); err != nil {
		ln.Close()
		return nil, err
	}
	n.top = top
	n.router.Rebuild(top)

	if o.archive != nil {
		n.archive = o.archive
	} else {
		a, err := perfdata.OpenArchive(rt.Config.PerfData.ArchiveDir)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("perf data archive: %w", err)
		}
		n.archive, n.ownArchive = a, true
	}

	n.addInternalStreams()
	n.start(ln)
	if err := n.launchChildren(ctx); err != nil {
		n.close()
		return nil, err
	}
	if err := n.UpdatePorts(ctx); err != nil {
		n.log.Warn("port update incomplete", "error", err)
	}
	if n.opts.onTopo != nil {
		n.opts.onTopo(n.top)
	}
	n.log.Info("front end ready", "session", n.session, "port", n.port, "nodes", n.top.Len())
	return n, nil
}

// UpdatePorts asks every back-end to report in on the port stream and
// waits until the round trip completes. Every node learns the listening
// ports of the internal nodes on the way back down.
func (n *Network) UpdatePorts(ctx context.Context) error {
	if !n.IsRoot() {
		return fmt.Errorf("%w: ports are collected by the front end", terrors.ErrNoRoute)
	}
	s := n.stream(packet.PortStreamID)
	if s == nil || len(s.Peers()) == 0 {
		return nil
	}
	n.sendChildren(packet.MustNew(packet.ControlStreamID, packet.TagPortUpdate, ""))
	wctx, cancel := n.ackTimeout(ctx)
	defer cancel()
	_, err := s.Recv(wctx)
	return err
}

// LoadFilter loads fn from so on every node. A node that cannot load it
// runs a pass-through under the same id; each failure is logged as an
// event and the returned error matches ErrFilterLoad. The id is valid
// either way.
func (n *Network) LoadFilter(ctx context.Context, so, fn string) (filter.ID, error) {
	if !n.IsRoot() {
		return 0, fmt.Errorf("%w: filters are loaded by the front end", terrors.ErrNoRoute)
	}
	id, lerr := n.reg.Load(so, fn)
	if lerr != nil {
		id = n.reg.Reserve()
		n.reg.Placeholder(id, fn)
	}
	p, err := packet.New(packet.ControlStreamID, packet.TagNewFilter, filterFormat, uint16(id), so, fn)
	if err != nil {
		return 0, err
	}
	w := n.expectChildren(p, packet.TagEvent, uint32(id))
	res, werr := n.awaitChildren(ctx, w)

	var fr filterReport
	fr.local(n.rank, n.host, lerr)
	fr.merge(res, werr, n.rank, n.host)
	if len(fr.failures) == 0 {
		n.emit(event.TypeFilterLoaded, n.rank, n.host, fmt.Sprintf("%s from %s as %d", fn, so, id))
		return id, nil
	}
	for _, f := range fr.failures {
		r, host, msg := splitFailure(f)
		n.emit(event.TypeFilterLoadFailure, r, host, msg)
	}
	return id, fmt.Errorf("%w: %s from %s failed on %d node(s)", terrors.ErrFilterLoad, fn, so, len(fr.failures))
}

func splitFailure(f string) (packet.Rank, string, string) {
	parts := strings.SplitN(f, "\t", 3)
	if len(parts) != 3 {
		return packet.UnknownRank, "", f
	}
	r, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return packet.UnknownRank, parts[1], parts[2]
	}
	return packet.Rank(r), parts[1], parts[2]
}

func (n *Network) perfControl(tag packet.Tag, id uint32, met perfdata.Metric, c perfdata.Context) error {
	if !n.IsRoot() {
		return fmt.Errorf("%w: perf data is managed by the front end", terrors.ErrNoRoute)
	}
	if !met.Valid() || !c.Valid() {
		return fmt.Errorf("invalid perf data selector %d/%d", met, c)
	}
	s := n.stream(id)
	if s == nil {
		return fmt.Errorf("%w: %d", terrors.ErrUnknownStream, id)
	}
	p, err := packet.New(packet.ControlStreamID, tag, perfFormat, id, int(met), int(c))
	if err != nil {
		return err
	}
	n.applyPerfControl(id, s.Perf(), tag, met, c)
	n.sendTo(s.Peers(), p)
	return nil
}

// EnablePerfData starts recording met in context c for stream id on every
// node the stream reaches.
func (n *Network) EnablePerfData(id uint32, met perfdata.Metric, c perfdata.Context) error {
	return n.perfControl(packet.TagEnablePerfData, id, met, c)
}

func (n *Network) DisablePerfData(id uint32, met perfdata.Metric, c perfdata.Context) error {
	return n.perfControl(packet.TagDisablePerfData, id, met, c)
}

// PrintPerfData has every node log what it recorded.
func (n *Network) PrintPerfData(id uint32, met perfdata.Metric, c perfdata.Context) error {
	return n.perfControl(packet.TagPrintPerfData, id, met, c)
}

// CollectPerfData gathers what every node recorded for met in context c on
// stream id. When agg is sum, min, max or avg the samples are combined on
// the way up and the result holds a single entry under a negative rank;
// otherwise each node's samples are kept under its rank. The result is
// archived.
func (n *Network) CollectPerfData(ctx context.Context, id uint32, met perfdata.Metric, c perfdata.Context, agg filter.ID) (perfdata.Results, error) {
	if !n.IsRoot() {
		return nil, fmt.Errorf("%w: perf data is collected by the front end", terrors.ErrNoRoute)
	}
	s := n.stream(id)
	if s == nil {
		return nil, fmt.Errorf("%w: %d", terrors.ErrUnknownStream, id)
	}
	req := collectRequest{target: id, met: met, ctx: c, agg: agg, out: n.allocStreamID()}

	var pkt *packet.Packet
	var err error
	if len(s.Peers()) == 0 {
		pkt, err = localPerfPacket(n.rank, req.out, s.Perf(), met, c)
	} else {
		pkt, err = n.collectRemote(ctx, req, s.Endpoints())
	}
	if err != nil {
		return nil, err
	}
	res, err := decodePerfPacket(met, pkt)
	if err != nil {
		return nil, err
	}
	if n.archive != nil {
		if err := n.archive.Put(ctx, id, met, c, res, time.Now()); err != nil {
			n.log.Warn("archiving perf data failed", "stream", id, "metric", met, "error", err)
		}
	}
	return res, nil
}

func (n *Network) collectRemote(ctx context.Context, req collectRequest, endpoints []packet.Rank) (*packet.Packet, error) {
	cs, err := n.openCollection(req, endpoints)
	if err != nil {
		return nil, err
	}
	defer n.removeStream(req.out, nil)
	p, err := req.packet()
	if err != nil {
		return nil, err
	}
	n.sendTo(cs.Peers(), p)
	wctx, cancel := n.ackTimeout(ctx)
	defer cancel()
	return cs.Recv(wctx)
}

func decodePerfPacket(met perfdata.Metric, p *packet.Packet) (perfdata.Results, error) {
	var ranks, nelems []int32
	var vals packet.Element
	if err := p.Scan(met.Format(), &ranks, &nelems, &vals); err != nil {
		return nil, err
	}
	return perfdata.Split(met, ranks, nelems, vals.Value)
}

// EnableRecovery turns failure recovery on for the whole tree.
func (n *Network) EnableRecovery() { n.setRecovery(true) }

// DisableRecovery turns it off. A node that loses its parent afterwards
// closes its streams with ErrRecoveryDisabled.
func (n *Network) DisableRecovery() { n.setRecovery(false) }

func (n *Network) setRecovery(on bool) {
	n.recovery.Store(on)
	tag := packet.TagDisableRecovery
	if on {
		tag = packet.TagEnableRecovery
	}
	n.sendChildren(packet.MustNew(packet.ControlStreamID, tag, ""))
}

// KillRank makes the node of rank r drop all of its connections at once,
// as if it had crashed.
func (n *Network) KillRank(r packet.Rank) error {
	if r == n.rank {
		return fmt.Errorf("%w: the front end cannot kill itself", terrors.ErrNoRoute)
	}
	rt := n.router.Route(r)
	if !rt.Found {
		return fmt.Errorf("%w: rank %d", terrors.ErrNoRoute, r)
	}
	p, err := packet.New(packet.ControlStreamID, packet.TagKillSelf, idFormat, uint32(r))
	if err != nil {
		return err
	}
	return n.sendToChild(rt.Outlet, p)
}

// Shutdown tears the tree down from the leaves up and closes the front
// end. Called on any other node it closes that node only.
func (n *Network) Shutdown(ctx context.Context) error {
	if !n.IsRoot() {
		n.close()
		return nil
	}
	if !n.shutting.CompareAndSwap(false, true) {
		select {
		case <-n.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	n.log.Info("shutting down network")
	n.shutdownChildren(ctx)
	n.close()
	return nil
}

// Close drops every connection of this node without telling its peers.
func (n *Network) Close() { n.close() }
