package peer

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)
	return client, server
}

type collector struct {
	mu   sync.Mutex
	pkts []*packet.Packet
	got  chan struct{}
}

func newCollector() *collector { return &collector{got: make(chan struct{}, 64)} }

func (c *collector) HandlePackets(p *Peer, pkts []*packet.Packet) {
	c.mu.Lock()
	c.pkts = append(c.pkts, pkts...)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []*packet.Packet {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		if len(c.pkts) >= n {
			out := append([]*packet.Packet(nil), c.pkts...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d packets", n)
		}
	}
}

func TestQueue_TakeDrainsWhole(t *testing.T) {
	q := newQueue()
	a := packet.MustNew(packet.UserStreamBase, 100, "%d", 1)
	b := packet.MustNew(packet.UserStreamBase, 100, "%d", 2)
	require.NoError(t, q.push(a))
	require.NoError(t, q.push(b))

	got, ok := q.take()
	require.True(t, ok)
	assert.Equal(t, []*packet.Packet{a, b}, got)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.drained(ctx), context.DeadlineExceeded, "batch still in flight")

	q.sent()
	assert.NoError(t, q.drained(context.Background()))

	q.close()
	assert.ErrorIs(t, q.push(a), terrors.ErrClosed)
	_, ok = q.take()
	assert.False(t, ok)
}

func TestQueue_KillReleasesWaiters(t *testing.T) {
	q := newQueue()
	require.NoError(t, q.push(packet.MustNew(packet.UserStreamBase, 100, "%d", 1)))
	errc := make(chan error, 1)
	go func() { errc <- q.drained(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	q.kill()
	assert.ErrorIs(t, <-errc, terrors.ErrClosed)
}

func TestPeer_SendRecvAndShutdown(t *testing.T) {
	c1, c2 := tcpPair(t)
	recvA, recvB := newCollector(), newCollector()

	a := New(Config{Rank: 2, Role: RoleChild, Logger: discard()}, c1, recvA)
	b := New(Config{Rank: 0, Role: RoleParent, Logger: discard()}, c2, recvB)
	ctx := context.Background()
	a.Start(ctx)
	b.Start(ctx)
	assert.True(t, a.Alive())

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(packet.MustNew(packet.UserStreamBase, 100, "%d", i)))
	}
	require.NoError(t, a.Flush(ctx))
	got := recvB.wait(t, 10)
	for i, p := range got {
		var v int
		require.NoError(t, p.Scan("%d", &v))
		assert.Equal(t, i, v, "order preserved")
		assert.Equal(t, packet.Rank(2), p.InletRank(), "inlet stamped with the sender's rank")
	}

	require.NoError(t, b.Send(packet.MustNew(packet.ControlStreamID, packet.TagShutdown, "")))
	recvA.wait(t, 1)

	done := make(chan error, 1)
	go func() {
		done <- a.Shutdown(ctx, packet.MustNew(packet.ControlStreamID, packet.TagShutdownAck, ""))
	}()
	acks := recvB.wait(t, 11)
	assert.Equal(t, packet.TagShutdownAck, acks[10].Tag())

	require.NoError(t, b.Shutdown(ctx))
	require.NoError(t, <-done)
	assert.False(t, a.Alive())
	assert.False(t, b.Alive())

	st := a.Stats()
	assert.Equal(t, uint64(11), st.PacketsSent)
	assert.Equal(t, uint64(1), st.PacketsRecv)
	assert.ErrorIs(t, a.Send(packet.MustNew(packet.UserStreamBase, 100, "%d", 1)), terrors.ErrClosed)
}

func TestPeer_ShutdownGraceForcesClose(t *testing.T) {
	c1, c2 := tcpPair(t)
	defer c2.Close()
	p := New(Config{Rank: 1, ShutdownGrace: 50 * time.Millisecond, Logger: discard()}, c1, newCollector())
	p.Start(context.Background())

	start := time.Now()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, p.Alive())
}

func TestPeer_RemoteCrash(t *testing.T) {
	c1, c2 := tcpPair(t)
	p := New(Config{Rank: 1, Logger: discard()}, c1, newCollector())
	p.Start(context.Background())

	_, err := c2.Write([]byte{0, 0, 0, 9, 1, 2})
	require.NoError(t, err)
	c2.Close()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not stop")
	}
	assert.Error(t, p.Err())
}

func TestPeer_RemoteCleanCloseEndsPeer(t *testing.T) {
	c1, c2 := tcpPair(t)
	p := New(Config{Rank: 1, Logger: discard()}, c1, newCollector())
	p.Start(context.Background())
	require.True(t, p.Alive())

	require.NoError(t, c2.Close())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not report done after the remote closed")
	}
	assert.False(t, p.Alive())
	assert.ErrorIs(t, p.Send(packet.MustNew(packet.UserStreamBase, 100, "%d", 1)), terrors.ErrClosed)
}

func TestHandshake_RoundTrip(t *testing.T) {
	h := Hello{Host: "node3", Port: 7010, Rank: 3, Incarnation: 2, PrevParent: 1, SubTree: "[node3:07010:3:0]", Internal: true}
	p, err := h.Packet()
	require.NoError(t, err)
	got, err := ParseHello(p)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	s := Settings{Values: map[string]string{"recovery": "true", "max_frame": "1024"}, Topology: "[fe:07000:0:0]"}
	sp, err := s.Packet()
	require.NoError(t, err)
	gs, err := ParseSettings(sp)
	require.NoError(t, err)
	assert.Equal(t, s, gs)

	_, err = ParseSettings(p)
	assert.Error(t, err)

	e := EventHello{Host: "node3", Port: 7010, Rank: 3}
	ep, err := e.Packet()
	require.NoError(t, err)
	ge, err := ParseEventHello(ep)
	require.NoError(t, err)
	assert.Equal(t, e, ge)
}

func TestConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		first, err := ReadPacket(conn, 0, time.Second)
		if err != nil {
			conn.Close()
			return
		}
		h, _ := ParseHello(first)
		reply, _ := Settings{Values: map[string]string{"child": h.Host}}.Packet()
		_ = WritePackets(conn, reply)
	}()

	conn, s, err := Connect(context.Background(), ln.Addr().String(), Hello{Host: "leaf", Rank: 4, PrevParent: packet.UnknownRank}, 0, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "leaf", s.Values["child"])
}
