package peer

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// Handshake packet layouts.
const (
	// host, listening port, rank, incarnation, previous parent, subtree, internal
	HelloFormat = "%s %uhd %ud %ud %ud %s %d"
	// key=value settings, topology
	SettingsFormat = "%as %s"
	// host, listening port, rank
	EventHelloFormat = "%s %uhd %ud"
)

// Hello opens a data connection from child to parent.
type Hello struct {
	Host        string
	Port        packet.Port
	Rank        packet.Rank
	Incarnation uint32
	// PrevParent is UnknownRank on first attach and the failed parent when
	// reconnecting during recovery.
	PrevParent packet.Rank
	SubTree    string
	Internal   bool
}

func (h Hello) Packet() (*packet.Packet, error) {
	internal := 0
	if h.Internal {
		internal = 1
	}
	return packet.New(packet.ControlStreamID, packet.TagNewChildDataConnection, HelloFormat,
		h.Host, uint16(h.Port), uint32(h.Rank), h.Incarnation, uint32(h.PrevParent), h.SubTree, internal)
}

func ParseHello(p *packet.Packet) (Hello, error) {
	if p.Tag() != packet.TagNewChildDataConnection {
		return Hello{}, fmt.Errorf("peer: expected %s, got %s", packet.TagNewChildDataConnection, p.Tag())
	}
	var h Hello
	var internal int
	if err := p.Scan(HelloFormat, &h.Host, &h.Port, &h.Rank, &h.Incarnation, &h.PrevParent, &h.SubTree, &internal); err != nil {
		return Hello{}, err
	}
	h.Internal = internal != 0
	return h, nil
}

// Settings is the parent's reply to a Hello.
type Settings struct {
	Values   map[string]string
	Topology string
}

func (s Settings) Packet() (*packet.Packet, error) {
	kv := make([]string, 0, len(s.Values))
	for k, v := range s.Values {
		kv = append(kv, k+"="+v)
	}
	slices.Sort(kv)
	return packet.New(packet.ControlStreamID, packet.TagNetSettings, SettingsFormat, kv, s.Topology)
}

func ParseSettings(p *packet.Packet) (Settings, error) {
	if p.Tag() != packet.TagNetSettings {
		return Settings{}, fmt.Errorf("peer: expected %s, got %s", packet.TagNetSettings, p.Tag())
	}
	var kv []string
	var s Settings
	if err := p.Scan(SettingsFormat, &kv, &s.Topology); err != nil {
		return Settings{}, err
	}
	s.Values = make(map[string]string, len(kv))
	for _, e := range kv {
		k, v, _ := strings.Cut(e, "=")
		s.Values[k] = v
	}
	return s, nil
}

// EventHello opens the event connection after the data connection is up.
type EventHello struct {
	Host string
	Port packet.Port
	Rank packet.Rank
}

func (h EventHello) Packet() (*packet.Packet, error) {
	return packet.New(packet.ControlStreamID, packet.TagNewChildFDConnection, EventHelloFormat,
		h.Host, uint16(h.Port), uint32(h.Rank))
}

func ParseEventHello(p *packet.Packet) (EventHello, error) {
	if p.Tag() != packet.TagNewChildFDConnection {
		return EventHello{}, fmt.Errorf("peer: expected %s, got %s", packet.TagNewChildFDConnection, p.Tag())
	}
	var h EventHello
	if err := p.Scan(EventHelloFormat, &h.Host, &h.Port, &h.Rank); err != nil {
		return EventHello{}, err
	}
	return h, nil
}

// Dial connects to addr within timeout.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, terrors.New(terrors.CodeNetworkFailure, "peer.Dial", err)
	}
	return conn, nil
}

// WritePackets writes pkts as one frame.
func WritePackets(conn net.Conn, pkts ...*packet.Packet) error {
	_, err := packet.WriteBatch(conn, pkts)
	return err
}

// ReadPacket reads a frame within timeout and returns its first packet.
func ReadPacket(conn net.Conn, limit int, timeout time.Duration) (*packet.Packet, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	pkts, _, err := packet.ReadBatch(conn, limit)
	if err != nil {
		return nil, err
	}
	if len(pkts) == 0 {
		return nil, fmt.Errorf("peer: empty handshake frame")
	}
	return pkts[0], nil
}

// Connect dials the parent's data socket, sends h and waits for the settings
// reply.
func Connect(ctx context.Context, addr string, h Hello, limit int, timeout time.Duration) (net.Conn, Settings, error) {
	conn, err := Dial(ctx, addr, timeout)
	if err != nil {
		return nil, Settings{}, err
	}
	hello, err := h.Packet()
	if err != nil {
		conn.Close()
		return nil, Settings{}, err
	}
	if err := WritePackets(conn, hello); err != nil {
		conn.Close()
		return nil, Settings{}, terrors.New(terrors.CodeNetworkFailure, "peer.Connect", err)
	}
	reply, err := ReadPacket(conn, limit, timeout)
	if err != nil {
		conn.Close()
		return nil, Settings{}, terrors.New(terrors.CodeNetworkFailure, "peer.Connect", err)
	}
	s, err := ParseSettings(reply)
	if err != nil {
		conn.Close()
		return nil, Settings{}, err
	}
	return conn, s, nil
}

// ConnectEvent dials the parent's event socket and identifies the child.
func ConnectEvent(ctx context.Context, addr string, h EventHello, timeout time.Duration) (net.Conn, error) {
	conn, err := Dial(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	hello, err := h.Packet()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := WritePackets(conn, hello); err != nil {
		conn.Close()
		return nil, terrors.New(terrors.CodeNetworkFailure, "peer.ConnectEvent", err)
	}
	return conn, nil
}
