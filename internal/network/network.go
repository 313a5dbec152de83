// Package network assembles a tree node: its role (root, relay or leaf),
// the connections to its parent and children, the stream table and the
// control protocol that keeps every node's view of streams, filters and
// topology in step. Network is the handle tools program against.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/10yihang/treenet/internal/config"
	"github.com/10yihang/treenet/internal/event"
	"github.com/10yihang/treenet/internal/filter"
	"github.com/10yihang/treenet/internal/metrics"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/peer"
	"github.com/10yihang/treenet/internal/perfdata"
	"github.com/10yihang/treenet/internal/stream"
	"github.com/10yihang/treenet/internal/topology"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// Setting keys exchanged in the handshake.
const (
	settingRecovery = "recovery"
	settingSession  = "session"
	settingMaxFrame = "max_frame"
)

type Network struct {
	rt   *config.Runtime
	cfg  config.NetworkConfig
	opts options
	log  *slog.Logger

	rank    packet.Rank
	host    string
	port    packet.Port
	session string

	role   role
	top    *topology.Topology
	router *topology.Router
	reg    *filter.Registry
	tk     *event.TimeKeeper
	mon    *event.Monitor
	events *event.Log
	acks   *ackTable
	env    *nodeEnv

	archive    *perfdata.Archive
	ownArchive bool

	streamsMu  sync.RWMutex
	streams    map[uint32]*stream.Stream
	oneShot    map[uint32]bool
	nextStream uint32

	failedMu sync.RWMutex
	failed   map[packet.Rank]bool

	recovery atomic.Bool
	shutting atomic.Bool
	notify   chan struct{}
	recvLast atomic.Uint32

	errMu sync.Mutex
	err   error

	ctx       context.Context
	cancel    context.CancelFunc
	monDone   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// newNode builds the parts every role shares. ln may be nil for a leaf.
func newNode(ctx context.Context, rt *config.Runtime, rank packet.Rank, host string, ln net.Listener, opts []Option) *Network {
	if rt == nil {
		rt = config.Discard()
	}
	o := buildOptions(opts)
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n := &Network{
		rt:         rt,
		cfg:        rt.Config.Network,
		opts:       o,
		rank:       rank,
		host:       host,
		port:       packet.UnknownPort,
		router:     topology.NewRouter(rank),
		tk:         event.NewTimeKeeper(),
		events:     event.NewLog(rt.Config.Network.EventLogSize),
		acks:       newAckTable(),
		streams:    make(map[uint32]*stream.Stream),
		oneShot:    make(map[uint32]bool),
		nextStream: packet.UserStreamBase,
		failed:     make(map[packet.Rank]bool),
		notify:     make(chan struct{}, 1),
		ctx:        lctx,
		cancel:     cancel,
		monDone:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	n.log = rt.Logger.With(slog.String("component", "network"), slog.Uint64("rank", uint64(rank)))
	n.env = &nodeEnv{n: n}
	n.recovery.Store(rt.Config.Network.Recovery)
	if ln != nil {
		if p, err := listenPort(ln); err == nil {
			n.port = p
		}
	}
	n.reg = filter.NewRegistry(o.loader, host)
	for _, b := range o.bindings {
		if err := n.reg.Register(b); err != nil {
			n.log.Warn("filter not registered", "filter", b.Name, "error", err)
		}
	}
	return n
}

func listenPort(ln net.Listener) (packet.Port, error) {
	p := portOf(ln.Addr().String())
	if p == packet.UnknownPort {
		return p, fmt.Errorf("no port in %s", ln.Addr())
	}
	return p, nil
}

// listen opens the children-facing socket.
func listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, terrors.New(terrors.CodeNetworkFailure, "network.listen", err)
	}
	return ln, nil
}

// start runs the monitor. Must be called once the role is set.
func (n *Network) start(ln net.Listener) {
	n.mon = event.NewMonitor(ln, n.tk, n, event.MonitorConfig{
		MaxFrame:         n.cfg.MaxFrameBytes,
		HandshakeTimeout: n.cfg.DialTimeout,
	}, n.log)
	go func() {
		defer close(n.monDone)
		if err := n.mon.Run(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.log.Error("monitor stopped", "error", err)
		}
	}()
}

func (n *Network) Rank() packet.Rank { return n.rank }
func (n *Network) Host() string { return n.host }
func (n *Network) Port() packet.Port { return n.port }
func (n *Network) Session() string { return n.session }
func (n *Network) Topology() *topology.Topology { return n.top }
func (n *Network) Router() *topology.Router { return n.router }
func (n *Network) Events() *event.Log { return n.events }
func (n *Network) Filters() *filter.Registry { return n.reg }
func (n *Network) Logger() *slog.Logger { return n.log }
func (n *Network) Done() <-chan struct{} { return n.done }
func (n *Network) RecoveryEnabled() bool { return n.recovery.Load() }
func (n *Network) IsRoot() bool { _, ok := n.role.(Root); return ok }
func (n *Network) IsLeaf() bool { _, ok := n.role.(Leaf); return ok }
func (n *Network) Role() string { return n.role.name() }

// Archive is the perf-data archive, held by the front end only.
func (n *Network) Archive() *perfdata.Archive { return n.archive }

// Addr is the address children connect to.
func (n *Network) Addr() string {
	return net.JoinHostPort(n.host, strconv.Itoa(int(n.port)))
}

// Err is the failure that ended the node's connection to the tree, if any.
func (n *Network) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.err
}

func (n *Network) setErr(err error) {
	n.errMu.Lock()
	if n.err == nil {
		n.err = err
	}
	n.errMu.Unlock()
}

// ParentRank is the current parent, or UnknownRank on the root.
func (n *Network) ParentRank() packet.Rank {
	if cr := upward(n.role); cr != nil {
		return cr.rank()
	}
	return packet.UnknownRank
}

// Children lists the connected children.
func (n *Network) Children() []packet.Rank {
	if pr := downward(n.role); pr != nil {
		return pr.ranks()
	}
	return nil
}

// PeerInfo describes one live edge.
type PeerInfo struct {
	Rank        packet.Rank
	Addr        string
	Role        string
	Internal    bool
	Incarnation uint32
	Stats       peer.Stats
}

// Peers lists the live edges of this node, the parent first.
func (n *Network) Peers() []PeerInfo {
	var out []PeerInfo
	add := func(p *peer.Peer) {
		out = append(out, PeerInfo{
			Rank:        p.Rank(),
			Addr:        p.Addr(),
			Role:        p.Role().String(),
			Internal:    p.Internal(),
			Incarnation: p.Incarnation(),
			Stats:       p.Stats(),
		})
	}
	if cr := upward(n.role); cr != nil {
		if p := cr.peer(); p != nil {
			add(p)
		}
	}
	if pr := downward(n.role); pr != nil {
		for _, p := range pr.all() {
			add(p)
		}
	}
	return out
}

// emit records a network event.
func (n *Network) emit(typ event.Type, rank packet.Rank, host, detail string) {
	n.events.Append(typ, rank, host, detail)
	metrics.RecordEvent(typ.String())
}

func (n *Network) isFailed(r packet.Rank) bool {
	n.failedMu.RLock()
	defer n.failedMu.RUnlock()
	return n.failed[r]
}

// markFailed reports whether r was newly marked.
func (n *Network) markFailed(r packet.Rank) bool {
	n.failedMu.Lock()
	defer n.failedMu.Unlock()
	if n.failed[r] {
		return false
	}
	n.failed[r] = true
	return true
}

func (n *Network) clearFailed(r packet.Rank) {
	n.failedMu.Lock()
	delete(n.failed, r)
	n.failedMu.Unlock()
}

// Stream table.

func (n *Network) stream(id uint32) *stream.Stream {
	n.streamsMu.RLock()
	defer n.streamsMu.RUnlock()
	return n.streams[id]
}

func (n *Network) allStreams() []*stream.Stream {
	n.streamsMu.RLock()
	defer n.streamsMu.RUnlock()
	out := make([]*stream.Stream, 0, len(n.streams))
	for _, s := range n.streams {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *stream.Stream) int { return cmpID(a.ID(), b.ID()) })
	return out
}

// userStreams returns the streams visible to the application.
func (n *Network) userStreams() []*stream.Stream {
	var out []*stream.Stream
	for _, s := range n.allStreams() {
		if !s.Internal() {
			out = append(out, s)
		}
	}
	return out
}

func cmpID(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// streamSpec describes a stream to create locally.
type streamSpec struct {
	id        uint32
	endpoints []packet.Rank
	up        filter.ID
	sync      filter.ID
	down      filter.ID
	internal  bool
	oneShot   bool
}

// addStream creates the stream unless it exists. A filter that cannot be
// instantiated is replaced by the null filter, or the wait-for-all filter
// for synchronization, so that the stream still forms.
func (n *Network) addStream(sp streamSpec) *stream.Stream {
	n.streamsMu.Lock()
	if s, ok := n.streams[sp.id]; ok {
		n.streamsMu.Unlock()
		return s
	}
	n.streamsMu.Unlock()

	up := n.instance(sp.id, sp.up, filter.TFilterNull)
	syncF := n.instance(sp.id, sp.sync, filter.SFilterWaitForAll)
	down := n.instance(sp.id, sp.down, filter.TFilterNull)
	s := stream.New(stream.Config{
		ID:        sp.id,
		Endpoints: sp.endpoints,
		Peers:     n.peersFor(sp.id, sp.endpoints),
		Sync:      syncF,
		Up:        up,
		Down:      down,
		Leaf:      n.IsLeaf(),
		Internal:  sp.internal,
		QueueLen:  n.opts.queueLen,
		OnDeliver: n.wake,
	})

	n.streamsMu.Lock()
	defer n.streamsMu.Unlock()
	if prev, ok := n.streams[sp.id]; ok {
		s.Close(nil)
		return prev
	}
	n.streams[sp.id] = s
	if sp.oneShot {
		n.oneShot[sp.id] = true
	}
	if sp.id >= n.nextStream {
		n.nextStream = sp.id + 1
	}
	return s
}

func (n *Network) instance(stream uint32, id, fallback filter.ID) *filter.Instance {
	f, err := n.reg.New(id)
	if err == nil {
		return f
	}
	n.log.Warn("filter unavailable, using default", "stream", stream, "filter", id, "error", err)
	f, _ = n.reg.New(fallback)
	return f
}

// removeStream closes and forgets a stream.
func (n *Network) removeStream(id uint32, err error) *stream.Stream {
	n.streamsMu.Lock()
	s, ok := n.streams[id]
	delete(n.streams, id)
	delete(n.oneShot, id)
	n.streamsMu.Unlock()
	if !ok {
		return nil
	}
	n.tk.Clear(id)
	s.Close(err)
	return s
}

func (n *Network) isOneShot(id uint32) bool {
	n.streamsMu.RLock()
	defer n.streamsMu.RUnlock()
	return n.oneShot[id]
}

func (n *Network) allocStreamID() uint32 {
	n.streamsMu.Lock()
	defer n.streamsMu.Unlock()
	id := n.nextStream
	n.nextStream++
	return id
}

// liveChildren are the topology children of this node not known to have
// failed.
func (n *Network) liveChildren() []packet.Rank {
	if n.top == nil {
		return nil
	}
	node, ok := n.top.Node(n.rank)
	if !ok {
		return nil
	}
	out := make([]packet.Rank, 0, len(node.Children))
	for _, c := range node.Children {
		if !n.isFailed(c) {
			out = append(out, c)
		}
	}
	return out
}

// peersFor computes the children a stream flows through.
func (n *Network) peersFor(id uint32, endpoints []packet.Rank) []packet.Rank {
	if n.IsLeaf() {
		return nil
	}
	if id == packet.TopologyStreamID || id == packet.PortStreamID {
		return n.liveChildren()
	}
	var out []packet.Rank
	for _, r := range n.router.Outlets(endpoints) {
		if !n.isFailed(r) {
			out = append(out, r)
		}
	}
	return out
}

// topologyChanged rebuilds the router and every stream's peer set.
func (n *Network) topologyChanged(added []packet.Rank) {
	if n.top == nil {
		return
	}
	for _, r := range added {
		n.clearFailed(r)
	}
	n.router.Rebuild(n.top)
	for _, s := range n.allStreams() {
		s.SetPeers(n.peersFor(s.ID(), s.Endpoints()))
	}
	if n.opts.onTopo != nil {
		n.opts.onTopo(n.top)
	}
}

// wake signals RecvAny.
func (n *Network) wake() {
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

// Sending.

func (n *Network) sendUp(pkts ...*packet.Packet) error {
	cr := upward(n.role)
	if cr == nil {
		return fmt.Errorf("%w: root has no parent", terrors.ErrNoRoute)
	}
	p := cr.peer()
	if p == nil {
		return terrors.ErrClosed
	}
	return p.Send(pkts...)
}

func (n *Network) sendToChild(r packet.Rank, pkts ...*packet.Packet) error {
	pr := downward(n.role)
	if pr == nil {
		return fmt.Errorf("%w: leaf has no children", terrors.ErrNoRoute)
	}
	p := pr.get(r)
	if p == nil {
		return fmt.Errorf("%w: child %d not connected", terrors.ErrNoRoute, r)
	}
	return p.Send(pkts...)
}

// sendChildren sends to every connected child and returns the ranks reached.
func (n *Network) sendChildren(pkts ...*packet.Packet) []packet.Rank {
	pr := downward(n.role)
	if pr == nil {
		return nil
	}
	var sent []packet.Rank
	for _, p := range pr.all() {
		if err := p.Send(pkts...); err != nil {
			n.log.Debug("send to child failed", "child", p.Rank(), "error", err)
			continue
		}
		sent = append(sent, p.Rank())
	}
	return sent
}

// sendPeers sends to the stream's peers and returns the ranks reached.
func (n *Network) sendPeers(s *stream.Stream, pkts ...*packet.Packet) []packet.Rank {
	if len(pkts) == 0 {
		return nil
	}
	var sent []packet.Rank
	for _, r := range s.Peers() {
		if err := n.sendToChild(r, pkts...); err != nil {
			n.log.Debug("send to stream peer failed", "stream", s.ID(), "peer", r, "error", err)
			continue
		}
		sent = append(sent, r)
	}
	if len(sent) > 0 {
		s.CountSend(pkts)
	}
	return sent
}

// close releases local resources once the node is done.
func (n *Network) close() {
	n.closeOnce.Do(func() {
		n.shutting.Store(true)
		n.cancel()
		if n.mon != nil {
			<-n.monDone
		}
		for _, s := range n.allStreams() {
			n.removeStream(s.ID(), nil)
		}
		if pr := downward(n.role); pr != nil {
			for _, p := range pr.all() {
				p.Close()
			}
		}
		if cr := upward(n.role); cr != nil {
			if p := cr.peer(); p != nil {
				p.Close()
			}
		}
		if n.ownArchive && n.archive != nil {
			if err := n.archive.Close(); err != nil {
				n.log.Warn("perfdata archive close failed", "error", err)
			}
		}
		close(n.done)
	})
}

// ackTimeout bounds a wait by the configured ack timeout.
func (n *Network) ackTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, n.cfg.AckTimeout)
}

// nodeEnv is the view filters get of this node.
type nodeEnv struct{ n *Network }

func (e *nodeEnv) LocalRank() packet.Rank { return e.n.rank }
func (e *nodeEnv) LocalPort() packet.Port { return e.n.port }
func (e *nodeEnv) IsRoot() bool { return e.n.IsRoot() }
func (e *nodeEnv) IsLeaf() bool { return e.n.IsLeaf() }
func (e *nodeEnv) Failed(r packet.Rank) bool { return e.n.isFailed(r) }
func (e *nodeEnv) Topology() *topology.Topology { return e.n.top }
func (e *nodeEnv) Logger() *slog.Logger { return e.n.log }

func (e *nodeEnv) TopologyChanged(added []packet.Rank) {
	e.n.topologyChanged(added)
	e.n.emit(event.TypeTopologyChange, e.n.rank, e.n.host, fmt.Sprintf("version %d", e.n.top.Version()))
}

func (e *nodeEnv) RegisterTimeout(stream uint32, d time.Duration) bool {
	return e.n.tk.Register(stream, d)
}

func (e *nodeEnv) ClearTimeout(stream uint32) { e.n.tk.Clear(stream) }

func (e *nodeEnv) CollectPerfData(id uint32, met perfdata.Metric, ctx perfdata.Context) (*packet.Packet, error) {
	s := e.n.stream(id)
	if s == nil {
		return nil, nil
	}
	return localPerfPacket(e.n.rank, id, s.Perf(), met, ctx)
}

// localPerfPacket packs this node's samples in the perf-data layout, on
// stream out.
func localPerfPacket(rank packet.Rank, out uint32, m *perfdata.Manager, met perfdata.Metric, ctx perfdata.Context) (*packet.Packet, error) {
	switch met {
	case perfdata.MemVirtKB, perfdata.MemPhysKB:
		m.SampleMemory()
	case perfdata.CPUUsrPct, perfdata.CPUSysPct:
		m.SampleCPU()
	}
	data := m.Collect(met, ctx)
	return packet.New(out, packet.TagCollectPerfData, met.Format(),
		[]int32{int32(rank)}, []int32{int32(len(data))}, perfdata.Values(met, data))
}

func newSession() string { return uuid.NewString() }
