// Package peer implements one edge of the tree: a data connection driven by
// a send task and a receive task, plus the event connection used to detect
// that the remote process died.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/10yihang/treenet/internal/metrics"
	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// Role is the position of the remote end relative to the local node.
type Role int

const (
	RoleParent Role = iota
	RoleChild
)

func (r Role) String() string {
	if r == RoleParent {
		return "parent"
	}
	return "child"
}

// Handler receives every batch read from a peer, in order, on the peer's
// receive task.
type Handler interface {
	HandlePackets(p *Peer, pkts []*packet.Packet)
}

type HandlerFunc func(p *Peer, pkts []*packet.Packet)

func (f HandlerFunc) HandlePackets(p *Peer, pkts []*packet.Packet) { f(p, pkts) }

type Config struct {
	Rank        packet.Rank
	Host        string
	Port        packet.Port
	Role        Role
	Internal    bool
	Incarnation uint32

	MaxFrame      int
	ShutdownGrace time.Duration
	Logger        *slog.Logger
}

// Stats counts the traffic of one peer.
type Stats struct {
	PacketsSent uint64
	BytesSent   uint64
	PacketsRecv uint64
	BytesRecv   uint64
}

type Peer struct {
	cfg  Config
	data net.Conn
	q    *queue
	h    Handler
	log  *slog.Logger

	mu    sync.Mutex
	event net.Conn

	alive   atomic.Bool
	started atomic.Bool
	done    chan struct{}
	err     error

	pktsSent, bytesSent atomic.Uint64
	pktsRecv, bytesRecv atomic.Uint64
}

// New wraps an established data connection.
func New(cfg Config, data net.Conn, h Handler) *Peer {
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = packet.DefaultMaxFrame
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Peer{
		cfg:  cfg,
		data: data,
		q:    newQueue(),
		h:    h,
		log: log.With(slog.String("component", "peer"),
			slog.Uint64("peer", uint64(cfg.Rank)), slog.String("role", cfg.Role.String())),
		done: make(chan struct{}),
	}
}

func (p *Peer) Rank() packet.Rank { return p.cfg.Rank }
func (p *Peer) Host() string { return p.cfg.Host }
func (p *Peer) Port() packet.Port { return p.cfg.Port }
func (p *Peer) Role() Role { return p.cfg.Role }
func (p *Peer) Internal() bool { return p.cfg.Internal }
func (p *Peer) Incarnation() uint32 { return p.cfg.Incarnation }
func (p *Peer) Alive() bool { return p.alive.Load() }
func (p *Peer) Done() <-chan struct{} { return p.done }
func (p *Peer) Addr() string {
	return net.JoinHostPort(p.cfg.Host, fmt.Sprint(p.cfg.Port))
}

func (p *Peer) Stats() Stats {
	return Stats{
		PacketsSent: p.pktsSent.Load(),
		BytesSent:   p.bytesSent.Load(),
		PacketsRecv: p.pktsRecv.Load(),
		BytesRecv:   p.bytesRecv.Load(),
	}
}

// SetEventConn attaches the event connection.
func (p *Peer) SetEventConn(c net.Conn) {
	p.mu.Lock()
	old := p.event
	p.event = c
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (p *Peer) EventConn() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.event
}

// Start runs the send and receive tasks until the connection ends or ctx is
// cancelled.
func (p *Peer) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.alive.Store(true)
	metrics.RecordPeer(p.cfg.Role.String(), 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(p.sendLoop)
	g.Go(p.recvLoop)
	stop := context.AfterFunc(gctx, func() {
		p.q.kill()
		p.data.Close()
	})

	go func() {
		err := g.Wait()
		stop()
		p.q.kill()
		p.data.Close()
		p.err = err
		p.alive.Store(false)
		metrics.RecordPeer(p.cfg.Role.String(), -1)
		if err != nil {
			p.log.Debug("peer stopped", "error", err)
		}
		close(p.done)
	}()
}

func (p *Peer) sendLoop() error {
	for {
		pkts, ok := p.q.take()
		if !ok {
			if cw, ok := p.data.(interface{ CloseWrite() error }); ok {
				return cw.CloseWrite()
			}
			return nil
		}
		n, err := packet.WriteBatch(p.data, pkts)
		p.q.sent()
		if err != nil {
			return terrors.New(terrors.CodeNetworkFailure, "peer.send", err)
		}
		p.pktsSent.Add(uint64(len(pkts)))
		p.bytesSent.Add(uint64(n))
		metrics.RecordSend(len(pkts), n)
	}
}

func (p *Peer) recvLoop() error {
	for {
		pkts, n, err := packet.ReadBatch(p.data, p.cfg.MaxFrame)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The remote finished writing; flush what is queued and end
				// the send task too.
				p.q.close()
				return nil
			}
			if terrors.Is(err, terrors.ErrPacking) {
				return err
			}
			return terrors.New(terrors.CodeNetworkFailure, "peer.recv", err)
		}
		if len(pkts) == 0 {
			continue
		}
		p.pktsRecv.Add(uint64(len(pkts)))
		p.bytesRecv.Add(uint64(n))
		metrics.RecordRecv(len(pkts), n)
		for _, pkt := range pkts {
			pkt.SetInletRank(p.cfg.Rank)
		}
		p.h.HandlePackets(p, pkts)
	}
}

// Send queues packets for the send task.
func (p *Peer) Send(pkts ...*packet.Packet) error {
	if len(pkts) == 0 {
		return nil
	}
	return p.q.push(pkts...)
}

// Flush blocks until everything queued so far was written.
func (p *Peer) Flush(ctx context.Context) error {
	return p.q.drained(ctx)
}

// Pending is the number of queued packets not yet taken by the send task.
func (p *Peer) Pending() int { return p.q.len() }

// Shutdown performs an orderly close: final is queued last, the queue is
// flushed, the write half is closed and the receive task drains until the
// remote end closes. After the shutdown grace the connection is forced shut.
func (p *Peer) Shutdown(ctx context.Context, final ...*packet.Packet) error {
	if len(final) > 0 {
		if err := p.q.push(final...); err != nil && !p.started.Load() {
			return err
		}
	}
	p.q.close()
	if !p.started.Load() {
		p.Close()
		return nil
	}

	timer := time.NewTimer(p.cfg.ShutdownGrace)
	defer timer.Stop()
	var err error
	select {
	case <-p.done:
		err = p.err
	case <-timer.C:
		p.log.Warn("shutdown grace elapsed, forcing close")
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.Close()
	return err
}

// Close tears the connection down immediately.
func (p *Peer) Close() {
	p.q.kill()
	p.data.Close()
	if c := p.EventConn(); c != nil {
		c.Close()
	}
	if p.started.Load() {
		<-p.done
	}
}

// Err is the error that stopped the peer, valid once Done is closed.
func (p *Peer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
