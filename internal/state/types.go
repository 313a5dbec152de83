package state

import "github.com/10yihang/treenet/internal/topology"

// CurrentSnapshotVersion is the schema version of the snapshot file.
const CurrentSnapshotVersion = 1

// Snapshot is the JSON form of the last known tree.
type Snapshot struct {
	Version         int        `json:"version"`
	Session         string     `json:"session,omitempty"`
	Root            uint32     `json:"root"`
	TopologyVersion uint64     `json:"topology_version"`
	Graph           string     `json:"graph"`
	Nodes           []NodeInfo `json:"nodes"`
	SavedAt         string     `json:"saved_at"`
}

type NodeInfo struct {
	Rank     uint32   `json:"rank"`
	Host     string   `json:"host"`
	Port     uint16   `json:"port"`
	Parent   uint32   `json:"parent"`
	Children []uint32 `json:"children,omitempty"`
	Internal bool     `json:"internal"`
	Failed   bool     `json:"failed,omitempty"`
}

// Topology rebuilds the tree from the snapshot's serial graph.
func (s *Snapshot) Topology() (*topology.Topology, error) {
	return topology.ParseSerialGraph(s.Graph)
}

func nodeInfos(t *topology.Topology) []NodeInfo {
	nodes := t.Nodes()
	out := make([]NodeInfo, len(nodes))
	for i, n := range nodes {
		var children []uint32
		for _, c := range n.Children {
			children = append(children, uint32(c))
		}
		out[i] = NodeInfo{
			Rank:     uint32(n.Rank),
			Host:     n.Host,
			Port:     uint16(n.Port),
			Parent:   uint32(n.Parent),
			Children: children,
			Internal: n.Internal,
			Failed:   n.Failed,
		}
	}
	return out
}
