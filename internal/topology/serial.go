package topology

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// SerialGraph renders the subtree rooted at r in the serialized-graph form
// exchanged between nodes:
//
//	[host:PPPPP:rank:0]               back-end
//	[host:PPPPP:rank:1 children... ]  internal node, no separators
//
// The port is zero padded to five digits.
func (t *Topology) SerialGraph(r Rank) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var b strings.Builder
	t.serialize(&b, r)
	return b.String()
}

// String renders the whole tree from the root.
func (t *Topology) String() string {
	return t.SerialGraph(t.Root())
}

func (t *Topology) serialize(b *strings.Builder, r Rank) {
	n, ok := t.nodes[r]
	if !ok {
		return
	}
	internal := 0
	if n.Internal || len(n.Children) > 0 {
		internal = 1
	}
	fmt.Fprintf(b, "[%s:%05d:%d:%d", n.Host, n.Port, n.Rank, internal)
	if internal == 0 {
		b.WriteByte(']')
		return
	}
	for _, c := range n.Children {
		t.serialize(b, c)
	}
	b.WriteByte(']')
}

// ParseSerialGraph rebuilds a topology from its serialized form. The first
// node becomes the root.
func ParseSerialGraph(s string) (*Topology, error) {
	p := &graphParser{src: s}
	var t *Topology
	seen := make(map[Rank]bool)
	err := p.node(packet.UnknownRank, func(parent Rank, n nodeSpec) error {
		if seen[n.rank] {
			return p.errorf("duplicate rank %d", n.rank)
		}
		seen[n.rank] = true
		if parent == packet.UnknownRank {
			t = New(n.rank, n.host, n.port)
			return nil
		}
		_, err := t.AddNode(parent, n.rank, n.host, n.port, n.internal)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.pos != len(s) {
		return nil, p.errorf("trailing data")
	}
	return t, nil
}

// SubGraph extracts the serialized subtree rooted at rank from a serialized
// graph without building a topology.
func SubGraph(s string, rank Rank) (string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '[' {
			continue
		}
		end := strings.IndexAny(s[i+1:], "[]")
		if end < 0 {
			return "", false
		}
		spec, err := parseNodeSpec(s[i+1 : i+1+end])
		if err != nil || spec.rank != rank {
			continue
		}
		depth := 0
		for j := i; j < len(s); j++ {
			switch s[j] {
			case '[':
				depth++
			case ']':
				depth--
				if depth == 0 {
					return s[i : j+1], true
				}
			}
		}
		return "", false
	}
	return "", false
}

type nodeSpec struct {
	host     string
	port     Port
	rank     Rank
	internal bool
}

type graphParser struct {
	src string
	pos int
}

func (p *graphParser) errorf(format string, args ...any) error {
	return terrors.Newf(terrors.CodeTopologyFormat, "topology.ParseSerialGraph",
		"offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *graphParser) node(parent Rank, visit func(Rank, nodeSpec) error) error {
	if p.pos >= len(p.src) || p.src[p.pos] != '[' {
		return p.errorf("expected '['")
	}
	p.pos++
	end := strings.IndexAny(p.src[p.pos:], "[]")
	if end < 0 {
		return p.errorf("unterminated node")
	}
	spec, err := parseNodeSpec(p.src[p.pos : p.pos+end])
	if err != nil {
		return p.errorf("%v", err)
	}
	p.pos += end
	if err := visit(parent, spec); err != nil {
		return err
	}

	for p.pos < len(p.src) && p.src[p.pos] == '[' {
		if !spec.internal {
			return p.errorf("back-end %d has children", spec.rank)
		}
		if err := p.node(spec.rank, visit); err != nil {
			return err
		}
	}
	if p.pos >= len(p.src) || p.src[p.pos] != ']' {
		return p.errorf("expected ']'")
	}
	p.pos++
	return nil
}

func parseNodeSpec(s string) (nodeSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return nodeSpec{}, fmt.Errorf("node %q: want host:port:rank:internal", s)
	}
	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return nodeSpec{}, fmt.Errorf("node %q: bad port: %w", s, err)
	}
	rank, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return nodeSpec{}, fmt.Errorf("node %q: bad rank: %w", s, err)
	}
	var internal bool
	switch parts[3] {
	case "0":
	case "1":
		internal = true
	default:
		return nodeSpec{}, fmt.Errorf("node %q: bad internal flag %q", s, parts[3])
	}
	if parts[0] == "" {
		return nodeSpec{}, fmt.Errorf("node %q: empty host", s)
	}
	return nodeSpec{host: parts[0], port: Port(port), rank: Rank(rank), internal: internal}, nil
}
