package topology

import (
	"slices"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// ParentCandidates lists the nodes orphan may reconnect to after its parent
// failed, best first: the surviving ancestors of the failed parent nearest
// first, then every other surviving internal node outside the failed
// parent's subtree in breadth-first order, ties broken by rank. Nodes without
// a known port are skipped.
//
// It must be called before the failed parent is removed.
func (t *Topology) ParentCandidates(orphan Rank) []Rank {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[orphan]
	if !ok {
		return nil
	}
	failed := n.Parent

	usable := func(r Rank) bool {
		c, ok := t.nodes[r]
		if !ok || c.Failed || c.Port == packet.UnknownPort {
			return false
		}
		if t.isDescendant(r, orphan) {
			return false
		}
		return failed == packet.UnknownRank || !t.isDescendant(r, failed)
	}

	var out []Rank
	seen := make(map[Rank]bool)
	if failed != packet.UnknownRank {
		for _, a := range t.ancestors(failed) {
			if usable(a) {
				out = append(out, a)
				seen[a] = true
			}
		}
	}

	level := []Rank{t.root}
	for len(level) > 0 {
		slices.Sort(level)
		var next []Rank
		for _, r := range level {
			c := t.nodes[r]
			if !seen[r] && (c.Internal || r == t.root) && usable(r) {
				out = append(out, r)
				seen[r] = true
			}
			next = append(next, c.Children...)
		}
		level = next
	}
	return out
}

// FindNewParent picks the attempt'th candidate from ParentCandidates, so a
// caller that fails to connect can retry with attempt+1.
func (t *Topology) FindNewParent(orphan Rank, attempt int) (Rank, error) {
	cands := t.ParentCandidates(orphan)
	if attempt < 0 || attempt >= len(cands) {
		return packet.UnknownRank, terrors.ErrNoNewParent
	}
	return cands[attempt], nil
}
