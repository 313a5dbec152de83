// Package topology maintains the tree of ranks that make up a network, its
// textual encodings, and the per-node routing table derived from it.
//
// A Topology always holds one rooted tree. Removing an internal node detaches
// its children as orphans: they keep their own subtrees and are reattached by
// ChangeParent once they reconnect elsewhere. Orphans are not reachable from
// the root and therefore never appear in a router table.
package topology

import (
	"slices"
	"sync"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

type Topology struct {
	mu      sync.RWMutex
	root    Rank
	nodes   map[Rank]*Node
	orphans map[Rank]struct{}
	version uint64
}

// New creates a topology holding only the root.
func New(root Rank, host string, port Port) *Topology {
	t := &Topology{
		root:    root,
		nodes:   make(map[Rank]*Node),
		orphans: make(map[Rank]struct{}),
	}
	t.nodes[root] = &Node{Rank: root, Host: host, Port: port, Parent: packet.UnknownRank, Internal: true}
	return t
}

func (t *Topology) Root() Rank {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Version increases on every change that alters the tree.
func (t *Topology) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func (t *Topology) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

func (t *Topology) Node(r Rank) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[r]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Nodes returns copies of every node ordered by rank.
func (t *Topology) Nodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n.Clone())
	}
	slices.SortFunc(out, func(a, b *Node) int { return cmpRank(a.Rank, b.Rank) })
	return out
}

func (t *Topology) Orphans() []Rank {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Rank, 0, len(t.orphans))
	for r := range t.orphans {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// Leaves returns the ranks of attached back-end nodes in preorder.
func (t *Topology) Leaves() []Rank {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Rank
	t.walk(t.root, func(n *Node) {
		if !n.Internal && n.Rank != t.root {
			out = append(out, n.Rank)
		}
	})
	return out
}

// Subtree returns the ranks of r and its descendants in preorder.
func (t *Topology) Subtree(r Rank) []Rank {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Rank
	t.walk(r, func(n *Node) { out = append(out, n.Rank) })
	return out
}

// Ancestors returns the ancestors of r, nearest first.
func (t *Topology) Ancestors(r Rank) []Rank {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ancestors(r)
}

// Contains reports whether r is attached to the root.
func (t *Topology) Contains(r Rank) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attached(r)
}

func (t *Topology) walk(r Rank, fn func(*Node)) {
	n, ok := t.nodes[r]
	if !ok {
		return
	}
	fn(n)
	for _, c := range n.Children {
		t.walk(c, fn)
	}
}

func (t *Topology) ancestors(r Rank) []Rank {
	var out []Rank
	n, ok := t.nodes[r]
	for ok && n.Parent != packet.UnknownRank {
		out = append(out, n.Parent)
		n, ok = t.nodes[n.Parent]
	}
	return out
}

func (t *Topology) attached(r Rank) bool {
	if _, ok := t.nodes[r]; !ok {
		return false
	}
	if r == t.root {
		return true
	}
	anc := t.ancestors(r)
	return len(anc) > 0 && anc[len(anc)-1] == t.root
}

// isDescendant reports whether r lies in the subtree rooted at top.
func (t *Topology) isDescendant(r, top Rank) bool {
	if r == top {
		return true
	}
	return slices.Contains(t.ancestors(r), top)
}

// AddNode attaches child under parent. Re-adding an existing child under the
// same parent only refreshes its address; adding it under a different parent
// moves it as ChangeParent would.
func (t *Topology) AddNode(parent, child Rank, host string, port Port, internal bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addNode(parent, child, host, port, internal)
}

func (t *Topology) addNode(parent, child Rank, host string, port Port, internal bool) (bool, error) {
	const op = "topology.AddNode"
	if child == packet.UnknownRank || child == t.root {
		return false, terrors.Newf(terrors.CodeInternal, op, "cannot add rank %d", child)
	}
	p, ok := t.nodes[parent]
	if !ok {
		return false, terrors.New(terrors.CodeTopologyNotConnected, op, terrors.ErrUnknownRank)
	}
	if p.Failed {
		return false, terrors.Newf(terrors.CodeTopologyNotConnected, op, "parent %d has failed", parent)
	}

	if n, exists := t.nodes[child]; exists {
		changed := false
		if n.Host != host && host != "" {
			n.Host, changed = host, true
		}
		if n.Port != port && port != packet.UnknownPort {
			n.Port, changed = port, true
		}
		if internal && !n.Internal {
			n.Internal, changed = true, true
		}
		if n.Parent != parent {
			moved, err := t.changeParent(child, parent)
			if err != nil {
				return false, err
			}
			changed = changed || moved
		}
		if changed {
			t.version++
		}
		return changed, nil
	}

	t.nodes[child] = &Node{Rank: child, Host: host, Port: port, Parent: parent, Internal: internal}
	p.addChild(child)
	p.Internal = true
	t.version++
	return true, nil
}

// RemoveNode deletes r. Its children become orphans.
func (t *Topology) RemoveNode(r Rank) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[r]
	if !ok {
		return false, nil
	}
	if r == t.root {
		return false, terrors.Newf(terrors.CodeInternal, "topology.RemoveNode", "cannot remove root %d", r)
	}
	if p, ok := t.nodes[n.Parent]; ok {
		p.removeChild(r)
	}
	for _, c := range n.Children {
		if cn, ok := t.nodes[c]; ok && cn.Parent == r {
			cn.Parent = packet.UnknownRank
			t.orphans[c] = struct{}{}
		}
	}
	delete(t.nodes, r)
	delete(t.orphans, r)
	t.version++
	return true, nil
}

// ChangeParent moves child, with its subtree, under newParent.
func (t *Topology) ChangeParent(child, newParent Rank) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed, err := t.changeParent(child, newParent)
	if changed {
		t.version++
	}
	return changed, err
}

func (t *Topology) changeParent(child, newParent Rank) (bool, error) {
	const op = "topology.ChangeParent"
	n, ok := t.nodes[child]
	if !ok {
		return false, terrors.New(terrors.CodeTopologyNotConnected, op, terrors.ErrUnknownRank)
	}
	if child == t.root {
		return false, terrors.Newf(terrors.CodeInternal, op, "cannot reparent root %d", child)
	}
	np, ok := t.nodes[newParent]
	if !ok {
		return false, terrors.New(terrors.CodeTopologyNotConnected, op, terrors.ErrUnknownRank)
	}
	if np.Failed {
		return false, terrors.Newf(terrors.CodeTopologyNotConnected, op, "parent %d has failed", newParent)
	}
	if n.Parent == newParent {
		return false, nil
	}
	if t.isDescendant(newParent, child) {
		return false, terrors.Newf(terrors.CodeTopologyCycle, op, "rank %d is inside the subtree of %d", newParent, child)
	}

	if old, ok := t.nodes[n.Parent]; ok {
		old.removeChild(child)
	}
	n.Parent = newParent
	np.addChild(child)
	np.Internal = true
	delete(t.orphans, child)
	return true, nil
}

// ChangePort records a new listening port for r.
func (t *Topology) ChangePort(r Rank, port Port) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[r]
	if !ok {
		return false, terrors.New(terrors.CodeTopologyNotConnected, "topology.ChangePort", terrors.ErrUnknownRank)
	}
	if n.Port == port {
		return false, nil
	}
	n.Port = port
	t.version++
	return true, nil
}

// MarkFailed flags r as failed. Failed nodes stay in the tree until removed
// but can no longer accept children.
func (t *Topology) MarkFailed(r Rank) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[r]
	if !ok || n.Failed {
		return false
	}
	n.Failed = true
	t.version++
	return true
}

// Validate checks the structural invariants: one root, parent and child
// links agree, and no cycles. It returns nil for a consistent topology.
func (t *Topology) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	const op = "topology.Validate"

	for r, n := range t.nodes {
		if n.Rank != r {
			return terrors.Newf(terrors.CodeInternal, op, "node keyed %d has rank %d", r, n.Rank)
		}
		if r == t.root {
			if n.Parent != packet.UnknownRank {
				return terrors.Newf(terrors.CodeInternal, op, "root %d has parent %d", r, n.Parent)
			}
		} else if n.Parent == packet.UnknownRank {
			if _, ok := t.orphans[r]; !ok {
				return terrors.Newf(terrors.CodeTopologyNotConnected, op, "rank %d has no parent", r)
			}
		} else {
			p, ok := t.nodes[n.Parent]
			if !ok || !p.HasChild(r) {
				return terrors.Newf(terrors.CodeInternal, op, "rank %d not listed by parent %d", r, n.Parent)
			}
		}
		for _, c := range n.Children {
			cn, ok := t.nodes[c]
			if !ok || cn.Parent != r {
				return terrors.Newf(terrors.CodeInternal, op, "child %d of %d does not point back", c, r)
			}
		}
		seen := map[Rank]bool{r: true}
		for p := n.Parent; p != packet.UnknownRank; {
			if seen[p] {
				return terrors.Newf(terrors.CodeTopologyCycle, op, "cycle through rank %d", p)
			}
			seen[p] = true
			pn, ok := t.nodes[p]
			if !ok {
				break
			}
			p = pn.Parent
		}
	}
	return nil
}

// Clone returns a deep copy.
func (t *Topology) Clone() *Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &Topology{
		root:    t.root,
		nodes:   make(map[Rank]*Node, len(t.nodes)),
		orphans: make(map[Rank]struct{}, len(t.orphans)),
		version: t.version,
	}
	for r, n := range t.nodes {
		c.nodes[r] = n.Clone()
	}
	for r := range t.orphans {
		c.orphans[r] = struct{}{}
	}
	return c
}

func cmpRank(a, b Rank) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
