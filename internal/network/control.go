package network

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/10yihang/treenet/internal/event"
	"github.com/10yihang/treenet/internal/filter"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/peer"
	"github.com/10yihang/treenet/internal/perfdata"
	"github.com/10yihang/treenet/internal/stream"
	"github.com/10yihang/treenet/internal/topology"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// Control packet layouts.
const (
	streamFormat   = "%ud %aud %uhd %uhd %uhd"
	heteroFormat   = "%ud %aud %s %s %s"
	idFormat       = "%ud"
	filterFormat   = "%uhd %s %s"
	eventFormat    = "%uhd %d %s %s"
	paramsPrefix   = "%ud %s "
	perfFormat     = "%ud %d %d"
	collectFormat  = "%ud %d %d %uhd %ud"
	failureFormat  = "%ud %ud"
	recoveryFormat = "%ud %ud %ud"
)

// controlDown handles a control packet sent by the parent.
func (n *Network) controlDown(p *packet.Packet) {
	switch p.Tag() {
	case packet.TagNewStream, packet.TagNewInternalStream:
		n.onNewStream(p)
	case packet.TagNewHeteroStream:
		n.onNewHeteroStream(p)
	case packet.TagDelStream:
		n.onDelStream(p)
	case packet.TagNewFilter:
		n.onNewFilter(p)
	case packet.TagSetFilterParamsUpstreamTrans,
		packet.TagSetFilterParamsUpstreamSync,
		packet.TagSetFilterParamsDownstream:
		n.onFilterParams(p)
	case packet.TagEnablePerfData, packet.TagDisablePerfData, packet.TagPrintPerfData:
		n.onPerfControl(p)
	case packet.TagCollectPerfData:
		n.onCollectPerfData(p)
	case packet.TagPortUpdate:
		n.onPortUpdate(p)
	case packet.TagEnableRecovery, packet.TagDisableRecovery:
		n.recovery.Store(p.Tag() == packet.TagEnableRecovery)
		n.sendChildren(p)
	case packet.TagRecoveryRpt:
		n.onRecoveryReport(p)
	case packet.TagNetSettings:
		n.onNetSettings(p)
	case packet.TagKillSelf:
		n.onKill(p)
	case packet.TagShutdown:
		n.onShutdown()
	case packet.TagEDTShutdown, packet.TagEDTRemoteShutdown:
		n.log.Debug("event detection shutdown requested", "tag", p.Tag())
	default:
		n.log.Warn("unexpected control packet from parent", "tag", p.Tag())
	}
}

// controlUp handles a control packet sent by child from.
func (n *Network) controlUp(from packet.Rank, p *packet.Packet) {
	switch p.Tag() {
	case packet.TagSubtreeInitDoneRpt, packet.TagShutdownAck:
		n.acks.Ack(p.Tag(), 0, from, p)
	case packet.TagNewStreamAck:
		var id uint32
		if err := p.Scan(idFormat, &id); err != nil {
			n.log.Warn("malformed stream ack", "child", from, "error", err)
			return
		}
		n.acks.Ack(p.Tag(), id, from, p)
	case packet.TagEvent:
		var id uint16
		var typ int
		var host, detail string
		if err := p.Scan(eventFormat, &id, &typ, &host, &detail); err != nil {
			n.log.Warn("malformed filter report", "child", from, "error", err)
			return
		}
		n.acks.Ack(p.Tag(), uint32(id), from, p)
	case packet.TagCloseStream:
		n.onCloseStream(from, p)
	case packet.TagFailureRpt:
		n.onFailureReport(p)
	default:
		n.log.Warn("unexpected control packet from child", "child", from, "tag", p.Tag())
	}
}

// expectChildren sends p to every child and registers a wait for their
// replies. Children the packet could not reach count as answered.
func (n *Network) expectChildren(p *packet.Packet, tag packet.Tag, id uint32) *ackWait {
	children := n.Children()
	w := n.acks.expect(tag, id, children)
	sent := n.sendChildren(p)
	for _, r := range children {
		if !slices.Contains(sent, r) {
			w.ack(r, nil)
		}
	}
	return w
}

// awaitChildren waits for the replies registered by expectChildren.
func (n *Network) awaitChildren(ctx context.Context, w *ackWait) (map[packet.Rank]*packet.Packet, error) {
	defer n.acks.release(w)
	ctx, cancel := n.ackTimeout(ctx)
	defer cancel()
	return w.wait(ctx)
}

// relay forwards p to the children and calls done with their replies
// without blocking the caller.
func (n *Network) relay(p *packet.Packet, tag packet.Tag, id uint32, done func(map[packet.Rank]*packet.Packet, error)) {
	w := n.expectChildren(p, tag, id)
	go func() {
		res, err := n.awaitChildren(n.ctx, w)
		done(res, err)
	}()
}

func streamPacket(tag packet.Tag, sp streamSpec) (*packet.Packet, error) {
	return packet.New(packet.ControlStreamID, tag, streamFormat,
		sp.id, sp.endpoints, uint16(sp.up), uint16(sp.sync), uint16(sp.down))
}

func parseStreamPacket(p *packet.Packet) (streamSpec, error) {
	var sp streamSpec
	var up, syncF, down uint16
	if err := p.Scan(streamFormat, &sp.id, &sp.endpoints, &up, &syncF, &down); err != nil {
		return sp, err
	}
	sp.up, sp.sync, sp.down = filter.ID(up), filter.ID(syncF), filter.ID(down)
	sp.internal = p.Tag() == packet.TagNewInternalStream
	return sp, nil
}

func (n *Network) onNewStream(p *packet.Packet) {
	sp, err := parseStreamPacket(p)
	if err != nil {
		n.log.Warn("malformed stream request", "error", err)
		return
	}
	n.addStream(sp)
	n.ackStream(p, sp.id)
}

// ackStream relays a stream creation to the subtree and acknowledges it
// once the subtree has.
func (n *Network) ackStream(p *packet.Packet, id uint32) {
	n.relay(p, packet.TagNewStreamAck, id, func(_ map[packet.Rank]*packet.Packet, err error) {
		if err != nil {
			n.log.Warn("stream creation incomplete below", "stream", id, "error", err)
		}
		ack, perr := packet.New(packet.ControlStreamID, packet.TagNewStreamAck, idFormat, id)
		if perr != nil {
			return
		}
		if err := n.sendUp(ack); err != nil {
			n.log.Debug("stream ack not sent", "stream", id, "error", err)
		}
	})
}

// heteroSpec assigns filters to ranks: "id=r,r;id=r". Ranks not listed get
// def.
type heteroSpec struct {
	def    filter.ID
	byRank map[packet.Rank]filter.ID
}

func parseHeteroSpec(s string, def filter.ID) (heteroSpec, error) {
	hs := heteroSpec{def: def, byRank: make(map[packet.Rank]filter.ID)}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, ranks, ok := strings.Cut(part, "=")
		if !ok {
			return hs, fmt.Errorf("filter assignment %q: missing '='", part)
		}
		fid, err := strconv.ParseUint(strings.TrimSpace(id), 10, 16)
		if err != nil {
			return hs, fmt.Errorf("filter assignment %q: %w", part, err)
		}
		for _, rs := range strings.Split(ranks, ",") {
			rs = strings.TrimSpace(rs)
			if rs == "" {
				continue
			}
			r, err := strconv.ParseUint(rs, 10, 32)
			if err != nil {
				return hs, fmt.Errorf("filter assignment %q: %w", part, err)
			}
			hs.byRank[packet.Rank(r)] = filter.ID(fid)
		}
	}
	return hs, nil
}

func (hs heteroSpec) at(r packet.Rank) filter.ID {
	if id, ok := hs.byRank[r]; ok {
		return id
	}
	return hs.def
}

// String renders hs in the form parseHeteroSpec reads, ranks in order.
func (hs heteroSpec) String() string {
	groups := make(map[filter.ID][]packet.Rank)
	var ids []filter.ID
	for r, id := range hs.byRank {
		if _, ok := groups[id]; !ok {
			ids = append(ids, id)
		}
		groups[id] = append(groups[id], r)
	}
	slices.Sort(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		rs := groups[id]
		slices.Sort(rs)
		strs := make([]string, len(rs))
		for i, r := range rs {
			strs[i] = strconv.FormatUint(uint64(r), 10)
		}
		parts = append(parts, fmt.Sprintf("%d=%s", id, strings.Join(strs, ",")))
	}
	return strings.Join(parts, ";")
}

func (n *Network) onNewHeteroStream(p *packet.Packet) {
	var id uint32
	var endpoints []packet.Rank
	var ups, syncs, downs string
	if err := p.Scan(heteroFormat, &id, &endpoints, &ups, &syncs, &downs); err != nil {
		n.log.Warn("malformed stream request", "error", err)
		return
	}
	sp, err := n.heteroStreamSpec(id, endpoints, ups, syncs, downs)
	if err != nil {
		n.log.Warn("bad filter assignment", "stream", id, "error", err)
	}
	n.addStream(sp)
	n.ackStream(p, id)
}

// heteroStreamSpec resolves the filters this node runs on a heterogeneous
// stream. Unparseable assignments fall back to the defaults.
func (n *Network) heteroStreamSpec(id uint32, endpoints []packet.Rank, ups, syncs, downs string) (streamSpec, error) {
	sp := streamSpec{id: id, endpoints: endpoints, up: filter.TFilterNull, sync: filter.SFilterWaitForAll, down: filter.TFilterNull}
	var errs []error
	if hs, err := parseHeteroSpec(ups, filter.TFilterNull); err == nil {
		sp.up = hs.at(n.rank)
	} else {
		errs = append(errs, err)
	}
	if hs, err := parseHeteroSpec(syncs, filter.SFilterWaitForAll); err == nil {
		sp.sync = hs.at(n.rank)
	} else {
		errs = append(errs, err)
	}
	if hs, err := parseHeteroSpec(downs, filter.TFilterNull); err == nil {
		sp.down = hs.at(n.rank)
	} else {
		errs = append(errs, err)
	}
	return sp, terrors.Join(errs...)
}

func (n *Network) onDelStream(p *packet.Packet) {
	var id uint32
	if err := p.Scan(idFormat, &id); err != nil {
		n.log.Warn("malformed stream delete", "error", err)
		return
	}
	n.sendChildren(p)
	n.removeStream(id, nil)
}

// onCloseStream records that a child finished a stream. Once every peer
// has, the close moves on toward the root, which then drops the stream.
func (n *Network) onCloseStream(from packet.Rank, p *packet.Packet) {
	var id uint32
	if err := p.Scan(idFormat, &id); err != nil {
		n.log.Warn("malformed stream close", "child", from, "error", err)
		return
	}
	s := n.stream(id)
	if s == nil {
		return
	}
	out, err := s.ClosePeer(n.env, from)
	if err != nil {
		n.log.Warn("closing stream peer", "stream", id, "child", from, "error", err)
	}
	n.forwardUp(s, out)
	if !s.IsClosed() {
		return
	}
	if n.IsRoot() {
		n.removeStream(id, nil)
		n.emit(event.TypeStreamClosed, n.rank, n.host, fmt.Sprintf("stream %d closed by every back-end", id))
		return
	}
	up, err := packet.New(packet.ControlStreamID, packet.TagCloseStream, idFormat, id)
	if err == nil {
		err = n.sendUp(up)
	}
	if err != nil {
		n.log.Debug("stream close not forwarded", "stream", id, "error", err)
	}
}

// filterReport is the aggregated result of loading a filter in a subtree.
// Each failure is "rank\thost\tmessage".
type filterReport struct {
	failures []string
}

func failureLine(r packet.Rank, host, msg string) string {
	return fmt.Sprintf("%d\t%s\t%s", r, host, msg)
}

func (fr *filterReport) local(r packet.Rank, host string, err error) {
	if err != nil {
		fr.failures = append(fr.failures, failureLine(r, host, err.Error()))
	}
}

// merge adds the children's reports. A wait that failed counts against the
// node that waited.
func (fr *filterReport) merge(res map[packet.Rank]*packet.Packet, werr error, r packet.Rank, host string) {
	for _, c := range sortedKeys(res) {
		p := res[c]
		if p == nil {
			continue
		}
		var id uint16
		var typ int
		var h, detail string
		if err := p.Scan(eventFormat, &id, &typ, &h, &detail); err != nil {
			continue
		}
		if event.Type(typ) == event.TypeFilterLoadFailure && detail != "" {
			fr.failures = append(fr.failures, strings.Split(detail, "\n")...)
		}
	}
	if werr != nil {
		fr.failures = append(fr.failures, failureLine(r, host, werr.Error()))
	}
}

func (fr *filterReport) packet(id filter.ID, host string) (*packet.Packet, error) {
	typ := event.TypeFilterLoaded
	if len(fr.failures) > 0 {
		typ = event.TypeFilterLoadFailure
	}
	return packet.New(packet.ControlStreamID, packet.TagEvent, eventFormat,
		uint16(id), int(typ), host, strings.Join(fr.failures, "\n"))
}

// onNewFilter loads a filter under the id the front end chose. A node that
// cannot load it keeps a pass-through in its place and reports the failure
// upward with its subtree's results.
func (n *Network) onNewFilter(p *packet.Packet) {
	var id uint16
	var so, fn string
	if err := p.Scan(filterFormat, &id, &so, &fn); err != nil {
		n.log.Warn("malformed filter request", "error", err)
		return
	}
	fid := filter.ID(id)
	lerr := n.reg.LoadAs(fid, so, fn)
	if lerr != nil {
		n.log.Warn("filter load failed", "filter", fn, "object", so, "error", lerr)
		n.reg.Placeholder(fid, fn)
	}
	n.relay(p, packet.TagEvent, uint32(id), func(res map[packet.Rank]*packet.Packet, err error) {
		var fr filterReport
		fr.local(n.rank, n.host, lerr)
		fr.merge(res, err, n.rank, n.host)
		rpt, perr := fr.packet(fid, n.host)
		if perr != nil {
			n.log.Warn("encoding filter report failed", "error", perr)
			return
		}
		if err := n.sendUp(rpt); err != nil {
			n.log.Debug("filter report not sent", "filter", fn, "error", err)
		}
	})
}

// filterParamsPacket wraps params for the filter selected by tag on
// stream.
func filterParamsPacket(tag packet.Tag, stream uint32, params *packet.Packet) (*packet.Packet, error) {
	user, err := params.Elements()
	if err != nil {
		return nil, err
	}
	elems := append([]packet.Element{packet.UInt32(stream), packet.String(params.Format())}, user...)
	return packet.FromElements(packet.ControlStreamID, tag, paramsPrefix+params.Format(), elems)
}

func parseFilterParams(p *packet.Packet) (uint32, *packet.Packet, error) {
	elems, err := p.Elements()
	if err != nil {
		return 0, nil, err
	}
	if len(elems) < 2 {
		return 0, nil, fmt.Errorf("%w: filter parameters need a stream and a format", terrors.ErrFilterFormat)
	}
	id, _ := elems[0].Uint64()
	ufmt, ok := elems[1].Str()
	if !ok {
		return 0, nil, fmt.Errorf("%w: filter parameter format is not a string", terrors.ErrFilterFormat)
	}
	params, err := packet.FromElements(uint32(id), p.Tag(), ufmt, elems[2:])
	return uint32(id), params, err
}

// applyFilterParams installs params on the filter of s that tag selects.
func applyFilterParams(s *stream.Stream, tag packet.Tag, params *packet.Packet) {
	switch tag {
	case packet.TagSetFilterParamsUpstreamTrans:
		s.UpFilter().SetParams(params)
	case packet.TagSetFilterParamsUpstreamSync:
		s.SyncFilter().SetParams(params)
	case packet.TagSetFilterParamsDownstream:
		s.DownFilter().SetParams(params)
	}
}

func (n *Network) onFilterParams(p *packet.Packet) {
	id, params, err := parseFilterParams(p)
	if err != nil {
		n.log.Warn("malformed filter parameters", "error", err)
		return
	}
	s := n.stream(id)
	if s == nil {
		n.log.Debug("filter parameters for unknown stream", "stream", id)
		return
	}
	applyFilterParams(s, p.Tag(), params)
	n.sendTo(s.Peers(), p)
}

// sendTo sends control packets to the listed children.
func (n *Network) sendTo(ranks []packet.Rank, pkts ...*packet.Packet) {
	for _, r := range ranks {
		if err := n.sendToChild(r, pkts...); err != nil {
			n.log.Debug("control send failed", "child", r, "error", err)
		}
	}
}

func (n *Network) onPerfControl(p *packet.Packet) {
	var id uint32
	var met, ctx int
	if err := p.Scan(perfFormat, &id, &met, &ctx); err != nil {
		n.log.Warn("malformed perf data request", "error", err)
		return
	}
	s := n.stream(id)
	if s == nil {
		return
	}
	n.applyPerfControl(s.ID(), s.Perf(), p.Tag(), perfdata.Metric(met), perfdata.Context(ctx))
	n.sendTo(s.Peers(), p)
}

func (n *Network) applyPerfControl(id uint32, m *perfdata.Manager, tag packet.Tag, met perfdata.Metric, ctx perfdata.Context) {
	switch tag {
	case packet.TagEnablePerfData:
		m.Enable(met, ctx)
	case packet.TagDisablePerfData:
		m.Disable(met, ctx)
	case packet.TagPrintPerfData:
		m.Print(n.log, id, met, ctx)
	}
}

type collectRequest struct {
	target uint32
	met    perfdata.Metric
	ctx    perfdata.Context
	agg    filter.ID
	out    uint32
}

func (c collectRequest) packet() (*packet.Packet, error) {
	return packet.New(packet.ControlStreamID, packet.TagCollectPerfData, collectFormat,
		c.target, int(c.met), int(c.ctx), uint16(c.agg), c.out)
}

func parseCollect(p *packet.Packet) (collectRequest, error) {
	var c collectRequest
	var met, ctx int
	var agg uint16
	if err := p.Scan(collectFormat, &c.target, &met, &ctx, &agg, &c.out); err != nil {
		return c, err
	}
	c.met, c.ctx, c.agg = perfdata.Metric(met), perfdata.Context(ctx), filter.ID(agg)
	return c, nil
}

// openCollection creates the one-shot stream that carries a perf-data
// collection for target back to the root.
func (n *Network) openCollection(c collectRequest, target []packet.Rank) (*stream.Stream, error) {
	cs := n.addStream(streamSpec{
		id:        c.out,
		endpoints: target,
		up:        filter.TFilterPerfData,
		sync:      filter.SFilterWaitForAll,
		down:      filter.TFilterNull,
		internal:  true,
		oneShot:   true,
	})
	params, err := packet.New(c.out, packet.TagCollectPerfData, filter.PerfDataParamsFormat,
		int(c.met), int(c.ctx), uint32(c.agg), c.target)
	if err != nil {
		return nil, err
	}
	cs.UpFilter().SetParams(params)
	return cs, nil
}

func (n *Network) onCollectPerfData(p *packet.Packet) {
	c, err := parseCollect(p)
	if err != nil {
		n.log.Warn("malformed perf data collection", "error", err)
		return
	}
	s := n.stream(c.target)
	if s == nil {
		n.log.Debug("perf data collection for unknown stream", "stream", c.target)
		return
	}
	if n.IsLeaf() {
		rpt, err := localPerfPacket(n.rank, c.out, s.Perf(), c.met, c.ctx)
		if err == nil {
			err = n.sendUp(rpt)
		}
		if err != nil {
			n.log.Warn("perf data report failed", "stream", c.target, "error", err)
		}
		return
	}
	cs, err := n.openCollection(c, s.Endpoints())
	if err != nil {
		n.log.Warn("perf data collection failed", "stream", c.target, "error", err)
		return
	}
	n.sendTo(cs.Peers(), p)
}

func (n *Network) onPortUpdate(p *packet.Packet) {
	if !n.IsLeaf() {
		n.sendChildren(p)
		return
	}
	n.pushUpdates(packet.PortStreamID, packet.TagPortUpdate, []topology.Update{{
		Type:   topology.UpdateChangePort,
		Parent: packet.UnknownRank,
		Child:  n.rank,
		Port:   packet.UnknownPort,
	}})
}

func (n *Network) onRecoveryReport(p *packet.Packet) {
	var child, old, parent uint32
	if err := p.Scan(recoveryFormat, &child, &old, &parent); err != nil {
		n.log.Warn("malformed recovery report", "error", err)
		return
	}
	n.log.Info("ancestor recovered", "node", child, "failed_parent", old, "new_parent", parent)
	n.sendChildren(p)
}

func (n *Network) onFailureReport(p *packet.Packet) {
	if !n.IsRoot() {
		if err := n.sendUp(p); err != nil {
			n.log.Debug("failure report not forwarded", "error", err)
		}
		return
	}
	var failed, reporter uint32
	if err := p.Scan(failureFormat, &failed, &reporter); err != nil {
		n.log.Warn("malformed failure report", "error", err)
		return
	}
	host := ""
	if nd, ok := n.top.Node(packet.Rank(failed)); ok {
		host = nd.Host
	}
	n.emit(event.TypePeerFailure, packet.Rank(failed), host, fmt.Sprintf("reported by %d", reporter))
}

func (n *Network) onNetSettings(p *packet.Packet) {
	st, err := peer.ParseSettings(p)
	if err != nil {
		n.log.Warn("malformed settings", "error", err)
		return
	}
	n.applySettings(st.Values)
	n.sendChildren(p)
}

// onKill routes a kill request toward its target. The target drops its
// connections without telling anyone.
func (n *Network) onKill(p *packet.Packet) {
	var target uint32
	if err := p.Scan(idFormat, &target); err != nil {
		n.log.Warn("malformed kill request", "error", err)
		return
	}
	r := packet.Rank(target)
	if r == n.rank {
		n.log.Warn("killed on request")
		n.setErr(fmt.Errorf("%w: rank %d killed", terrors.ErrAborted, r))
		go n.close()
		return
	}
	rt := n.router.Route(r)
	if !rt.Found {
		n.log.Debug("kill request for unreachable rank", "rank", r)
		return
	}
	if err := n.sendToChild(rt.Outlet, p); err != nil {
		n.log.Debug("kill request not forwarded", "rank", r, "error", err)
	}
}

// onShutdown tears down the subtree below, acknowledges to the parent and
// closes the node.
func (n *Network) onShutdown() {
	if !n.shutting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.AckTimeout+n.cfg.ShutdownGrace)
		defer cancel()
		n.shutdownChildren(ctx)
		if cr := upward(n.role); cr != nil {
			if pp := cr.peer(); pp != nil {
				ack := packet.MustNew(packet.ControlStreamID, packet.TagShutdownAck, "")
				if err := pp.Shutdown(ctx, ack); err != nil {
					n.log.Debug("parent connection shutdown", "error", err)
				}
			}
		}
		n.close()
	}()
}

// shutdownChildren asks every child to shut down, waits for their acks
// and closes the connections once they have drained.
func (n *Network) shutdownChildren(ctx context.Context) {
	pr := downward(n.role)
	if pr == nil {
		return
	}
	req := packet.MustNew(packet.ControlStreamID, packet.TagShutdown, "")
	w := n.expectChildren(req, packet.TagShutdownAck, 0)
	if _, err := n.awaitChildren(ctx, w); err != nil {
		n.log.Warn("shutdown not acknowledged by every child", "error", err)
	}
	var g errgroup.Group
	for _, p := range pr.all() {
		g.Go(func() error { return p.Shutdown(ctx) })
	}
	if err := g.Wait(); err != nil {
		n.log.Debug("child connection shutdown", "error", err)
	}
}

func sortedKeys(m map[packet.Rank]*packet.Packet) []packet.Rank {
	out := make([]packet.Rank, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}
