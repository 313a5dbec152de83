package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/treenet/internal/config"
	"github.com/10yihang/treenet/internal/event"
	"github.com/10yihang/treenet/internal/filter"
	"github.com/10yihang/treenet/internal/network"
	"github.com/10yihang/treenet/internal/perfdata"
)

func startFrontEnd(t *testing.T) *network.Network {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.Host = "127.0.0.1"
	cfg.Node.ListenAddr = "127.0.0.1:0"
	cfg.Network.AckTimeout = 5 * time.Second
	cfg.Network.ShutdownGrace = time.Second
	rt := &config.Runtime{Config: cfg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l := &network.InProcessLauncher{Runtime: rt}
	fe, err := network.NewFrontEnd(ctx, rt, "127.0.0.1:0 => 127.0.0.1:1 127.0.0.1:2 ;", l)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = fe.Shutdown(ctx)
		_ = l.Wait(ctx)
	})
	return fe
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func startConsole(t *testing.T, fe *network.Network) *client {
	t.Helper()
	s := NewServer("127.0.0.1:0", fe, nil)
	go s.Start()
	t.Cleanup(func() { s.Stop() })

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("admin console did not start")
	}
	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) do(t *testing.T, args ...string) any {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	_, err := c.conn.Write([]byte(b.String()))
	require.NoError(t, err)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	v, err := readReply(c.r)
	require.NoError(t, err)
	return v
}

type respError string

// readReply decodes one RESP value: strings, errors, integers, bulk
// strings and arrays.
func readReply(r *bufio.Reader) (any, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("empty reply line")
	}
	switch line[0] {
	case '+':
		return line[1:], nil
	case '-':
		return respError(line[1:]), nil
	case ':':
		return strconv.ParseInt(line[1:], 10, 64)
	case '$':
		n, err := strconv.Atoi(line[1:])
		if err != nil || n < 0 {
			return nil, err
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line[1:])
		if err != nil || n < 0 {
			return nil, err
		}
		out := make([]any, n)
		for i := range out {
			if out[i], err = readReply(r); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected reply %q", line)
}

func TestConsole_Ping(t *testing.T) {
	c := startConsole(t, startFrontEnd(t))

	assert.Equal(t, "PONG", c.do(t, "PING"))
	assert.Equal(t, "hello", c.do(t, "ping", "hello"))
	assert.IsType(t, respError(""), c.do(t, "PING", "a", "b"))
	assert.Equal(t, respError("ERR unknown command 'FLUSHALL'"), c.do(t, "flushall"))
}

func TestConsole_InfoAndTopology(t *testing.T) {
	fe := startFrontEnd(t)
	c := startConsole(t, fe)

	info, ok := c.do(t, "INFO").(string)
	require.True(t, ok)
	assert.Contains(t, info, "role:root\r\n")
	assert.Contains(t, info, "nodes:3\r\n")
	assert.Contains(t, info, "backends:2\r\n")
	assert.Contains(t, info, "recovery:1\r\n")
	assert.Contains(t, info, "session:"+fe.Session())

	assert.Equal(t, fe.Topology().String(), c.do(t, "TOPOLOGY"))
}

func TestConsole_PeersRoutesStreams(t *testing.T) {
	fe := startFrontEnd(t)
	c := startConsole(t, fe)

	peers, ok := c.do(t, "PEERS").([]any)
	require.True(t, ok)
	assert.Len(t, peers, 2)

	assert.Equal(t, []any{"1 1", "2 2"}, c.do(t, "ROUTES"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := fe.NewStream(ctx, fe.Broadcast(), filter.TFilterSum, filter.SFilterWaitForAll, filter.TFilterNull)
	require.NoError(t, err)

	streams, ok := c.do(t, "STREAMS").([]any)
	require.True(t, ok)
	require.Len(t, streams, 1)
	assert.Equal(t, fmt.Sprintf("%d endpoints=1,2 peers=1,2 up=sum sync=wait_for_all down=null", st.ID()), streams[0])
}

func TestConsole_Events(t *testing.T) {
	fe := startFrontEnd(t)
	c := startConsole(t, fe)

	for i := 0; i < 3; i++ {
		fe.Events().Append(event.TypeRecovery, 4, "node-d", fmt.Sprintf("attempt %d", i))
	}
	got, ok := c.do(t, "EVENTS", "2").([]any)
	require.True(t, ok)
	require.Len(t, got, 2)

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(got[1].(string)), &ev))
	assert.Equal(t, "recovery", ev["type"])
	assert.Equal(t, "attempt 2", ev["detail"])
	assert.Equal(t, "node-d", ev["host"])

	assert.IsType(t, respError(""), c.do(t, "EVENTS", "-1"))
}

func TestConsole_Recovery(t *testing.T) {
	fe := startFrontEnd(t)
	c := startConsole(t, fe)

	assert.Equal(t, "on", c.do(t, "RECOVERY"))
	assert.Equal(t, "OK", c.do(t, "RECOVERY", "off"))
	assert.False(t, fe.RecoveryEnabled())
	assert.Equal(t, "off", c.do(t, "RECOVERY"))
	assert.Equal(t, "OK", c.do(t, "recovery", "ON"))
	assert.True(t, fe.RecoveryEnabled())
	assert.IsType(t, respError(""), c.do(t, "RECOVERY", "maybe"))
}

func TestConsole_PerfData(t *testing.T) {
	fe := startFrontEnd(t)
	c := startConsole(t, fe)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	res := perfdata.Results{1: {{U: 4}}, 2: {{U: 6}}}
	require.NoError(t, fe.Archive().Put(context.Background(), 1<<30+10, perfdata.NumPackets, perfdata.CtxSend, res, at))

	rows, ok := c.do(t, "PERFDATA", strconv.Itoa(1<<30+10), "NumPackets").([]any)
	require.True(t, ok)
	assert.Equal(t, []any{
		at.Format(time.RFC3339Nano) + " 1 Send 4",
		at.Format(time.RFC3339Nano) + " 2 Send 6",
	}, rows)

	rows, ok = c.do(t, "PERFDATA", strconv.Itoa(1<<30+10), "NumPackets", "1").([]any)
	require.True(t, ok)
	assert.Len(t, rows, 1)

	assert.IsType(t, respError(""), c.do(t, "PERFDATA", "10", "Bogus"))
	assert.IsType(t, respError(""), c.do(t, "PERFDATA", "10"))
}

func TestEventFeed(t *testing.T) {
	log := event.NewLog(16)
	log.Append(event.TypeTopologyChange, 0, "fe", "old")

	feed := NewEventFeed(log, nil)
	srv := httptest.NewServer(feed)
	defer srv.Close()
	defer feed.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?backlog=5&type=peer_failure"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	log.Append(event.TypeTopologyChange, 0, "fe", "filtered out")
	log.Append(event.TypePeerFailure, 3, "node-c", "child of 1: EOF")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev event.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "peer_failure", ev.Name)
	assert.Equal(t, "node-c", ev.Host)
	assert.Equal(t, "child of 1: EOF", ev.Detail)
}

func TestEventFeed_Backlog(t *testing.T) {
	log := event.NewLog(16)
	log.Append(event.TypeRecovery, 2, "relay", "reparented from 1 to 0")

	feed := NewEventFeed(log, nil)
	srv := httptest.NewServer(feed)
	defer srv.Close()
	defer feed.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/?backlog=1", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "reparented from 1 to 0")
}
