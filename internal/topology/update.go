package topology

import (
	"fmt"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// UpdateType enumerates topology mutations carried on the topology stream.
type UpdateType int32

const (
	UpdateNewBackEnd UpdateType = iota
	UpdateRemoveRank
	UpdateChangeParent
	UpdateChangePort
	UpdateNewInternal
)

func (u UpdateType) String() string {
	switch u {
	case UpdateNewBackEnd:
		return "new-backend"
	case UpdateRemoveRank:
		return "remove-rank"
	case UpdateChangeParent:
		return "change-parent"
	case UpdateChangePort:
		return "change-port"
	case UpdateNewInternal:
		return "new-internal"
	}
	return fmt.Sprintf("update(%d)", int32(u))
}

// UpdateFormat is the packet layout of a batch of updates:
// types, parents, children, child hosts, child ports.
const UpdateFormat = "%ad %aud %aud %as %auhd"

type Update struct {
	Type   UpdateType
	Parent Rank
	Child  Rank
	Host   string
	Port   Port
}

func (u Update) String() string {
	return fmt.Sprintf("%s(parent=%d child=%d %s:%d)", u.Type, u.Parent, u.Child, u.Host, u.Port)
}

// Apply performs one update. It reports whether the tree changed; applying
// the same update twice changes nothing the second time.
func (t *Topology) Apply(u Update) (bool, error) {
	switch u.Type {
	case UpdateNewBackEnd:
		return t.AddNode(u.Parent, u.Child, u.Host, u.Port, false)
	case UpdateNewInternal:
		return t.AddNode(u.Parent, u.Child, u.Host, u.Port, true)
	case UpdateRemoveRank:
		return t.RemoveNode(u.Child)
	case UpdateChangeParent:
		return t.ChangeParent(u.Child, u.Parent)
	case UpdateChangePort:
		return t.ChangePort(u.Child, u.Port)
	}
	return false, fmt.Errorf("unknown update type %d", u.Type)
}

// ApplyAll performs updates in order, continuing past failures. It returns
// whether anything changed and the joined errors.
func (t *Topology) ApplyAll(updates []Update) (bool, error) {
	changed := false
	var errs []error
	for _, u := range updates {
		c, err := t.Apply(u)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		changed = changed || c
	}
	if len(errs) > 0 {
		return changed, terrors.Join(errs...)
	}
	return changed, nil
}

// EncodeUpdates packs updates into a single packet on the topology stream.
func EncodeUpdates(tag packet.Tag, updates []Update) (*packet.Packet, error) {
	n := len(updates)
	types := make([]int32, n)
	parents := make([]uint32, n)
	children := make([]uint32, n)
	hosts := make([]string, n)
	ports := make([]uint16, n)
	for i, u := range updates {
		types[i] = int32(u.Type)
		parents[i] = uint32(u.Parent)
		children[i] = uint32(u.Child)
		hosts[i] = u.Host
		ports[i] = uint16(u.Port)
	}
	return packet.New(packet.TopologyStreamID, tag, UpdateFormat, types, parents, children, hosts, ports)
}

// DecodeUpdates unpacks a packet produced by EncodeUpdates.
func DecodeUpdates(p *packet.Packet) ([]Update, error) {
	var (
		types    []int32
		parents  []uint32
		children []uint32
		hosts    []string
		ports    []uint16
	)
	if err := p.Scan(UpdateFormat, &types, &parents, &children, &hosts, &ports); err != nil {
		return nil, err
	}
	n := len(types)
	if len(parents) != n || len(children) != n || len(hosts) != n || len(ports) != n {
		return nil, fmt.Errorf("update arrays differ in length: %d %d %d %d %d",
			n, len(parents), len(children), len(hosts), len(ports))
	}
	out := make([]Update, n)
	for i := range out {
		out[i] = Update{
			Type:   UpdateType(types[i]),
			Parent: Rank(parents[i]),
			Child:  Rank(children[i]),
			Host:   hosts[i],
			Port:   Port(ports[i]),
		}
	}
	return out, nil
}
