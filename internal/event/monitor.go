// Package event runs the per-node failure and event monitor: a single loop
// that accepts control connections from children, watches event sockets for
// closure and fires stream timeouts.
package event

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/10yihang/treenet/internal/packet"
)

// Handler reacts to what the monitor observes. All calls are made from the
// monitor goroutine, one at a time.
type Handler interface {
	// HandleControl receives a freshly accepted connection together with the
	// first packet read from it.
	HandleControl(ctx context.Context, conn net.Conn, first *packet.Packet)
	HandlePeerLost(ctx context.Context, loss Loss)
	HandleTimeouts(ctx context.Context, streams []uint32)
}

// Loss reports that a watched event socket closed.
type Loss struct {
	Rank   packet.Rank
	Parent bool
	// Watch identifies the Watch call that reported the loss.
	Watch uint64
	Err   error
}

type accepted struct {
	conn  net.Conn
	first *packet.Packet
}

type MonitorConfig struct {
	MaxFrame         int
	HandshakeTimeout time.Duration
}

type Monitor struct {
	ln  net.Listener
	tk  *TimeKeeper
	h   Handler
	cfg MonitorConfig
	log *slog.Logger

	conns   chan accepted
	lost    chan Loss
	watchID atomic.Uint64
	wg      sync.WaitGroup
}

// NewMonitor builds a monitor. ln may be nil on nodes without children.
func NewMonitor(ln net.Listener, tk *TimeKeeper, h Handler, cfg MonitorConfig, log *slog.Logger) *Monitor {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Monitor{
		ln:    ln,
		tk:    tk,
		h:     h,
		cfg:   cfg,
		log:   log.With(slog.String("component", "monitor")),
		conns: make(chan accepted),
		lost:  make(chan Loss, 16),
	}
}

// Run blocks until ctx is cancelled. It closes the listener on return.
func (m *Monitor) Run(ctx context.Context) error {
	if m.ln != nil {
		m.wg.Add(1)
		go m.acceptLoop(ctx)
	}
	defer func() {
		if m.ln != nil {
			m.ln.Close()
		}
		m.wg.Wait()
	}()

	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if next, ok := m.tk.Next(); ok {
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case a := <-m.conns:
			m.h.HandleControl(ctx, a.conn, a.first)
		case l := <-m.lost:
			m.h.HandlePeerLost(ctx, l)
		case <-m.tk.Changed():
		case now := <-timerC:
			if exp := m.tk.Expired(now); len(exp) > 0 {
				m.h.HandleTimeouts(ctx, exp)
			}
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (m *Monitor) acceptLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				m.log.Warn("accept failed", "error", err)
			}
			return
		}
		m.wg.Add(1)
		go m.readFirst(ctx, conn)
	}
}

func (m *Monitor) readFirst(ctx context.Context, conn net.Conn) {
	defer m.wg.Done()
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	pkts, _, err := packet.ReadBatch(conn, m.cfg.MaxFrame)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || len(pkts) == 0 {
		m.log.Warn("dropping connection without handshake", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	select {
	case m.conns <- accepted{conn: conn, first: pkts[0]}:
	case <-ctx.Done():
		conn.Close()
	}
}

// Watch reads r until it fails and then reports a Loss for rank. Packets
// arriving on an event socket carry no data and are discarded. The returned
// id is echoed in Loss.Watch.
func (m *Monitor) Watch(ctx context.Context, rank packet.Rank, parent bool, r io.Reader) uint64 {
	id := m.watchID.Add(1)
	go func() {
		var err error
		for err == nil {
			_, _, err = packet.ReadBatch(r, m.cfg.MaxFrame)
		}
		if errors.Is(err, io.EOF) {
			err = nil
		}
		select {
		case m.lost <- Loss{Rank: rank, Parent: parent, Watch: id, Err: err}:
		case <-ctx.Done():
		}
	}()
	return id
}
