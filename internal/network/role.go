package network

import (
	"context"
	"net"
	"slices"
	"sync"

	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/peer"
)

// role is what a node is in the tree. Exactly one of Root, Relay or Leaf.
type role interface {
	name() string
}

// Root is the front end: it has children and no parent.
type Root struct{ parent *parentRole }

// Relay forwards between a parent and its children.
type Relay struct {
	parent *parentRole
	child  *childRole
}

// Leaf is a back-end: it has a parent and no children.
type Leaf struct{ child *childRole }

func (Root) name() string  { return "root" }
func (Relay) name() string { return "relay" }
func (Leaf) name() string  { return "leaf" }

// downward returns the children-facing half of r, if any.
func downward(r role) *parentRole {
	switch r := r.(type) {
	case Root:
		return r.parent
	case Relay:
		return r.parent
	}
	return nil
}

// upward returns the parent-facing half of r, if any.
func upward(r role) *childRole {
	switch r := r.(type) {
	case Relay:
		return r.child
	case Leaf:
		return r.child
	}
	return nil
}

// parentRole holds the connections to this node's children.
type parentRole struct {
	ln net.Listener

	mu      sync.RWMutex
	peers   map[packet.Rank]*peer.Peer
	watches map[packet.Rank]uint64
}

func newParentRole(ln net.Listener) *parentRole {
	return &parentRole{
		ln:      ln,
		peers:   make(map[packet.Rank]*peer.Peer),
		watches: make(map[packet.Rank]uint64),
	}
}

func (pr *parentRole) add(p *peer.Peer) *peer.Peer {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	old := pr.peers[p.Rank()]
	pr.peers[p.Rank()] = p
	delete(pr.watches, p.Rank())
	return old
}

func (pr *parentRole) get(r packet.Rank) *peer.Peer {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.peers[r]
}

// remove drops r when p is still its current connection. A nil p drops
// whatever is registered.
func (pr *parentRole) remove(r packet.Rank, p *peer.Peer) *peer.Peer {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	cur, ok := pr.peers[r]
	if !ok || (p != nil && cur != p) {
		return nil
	}
	delete(pr.peers, r)
	delete(pr.watches, r)
	return cur
}

func (pr *parentRole) setWatch(r packet.Rank, id uint64) {
	pr.mu.Lock()
	pr.watches[r] = id
	pr.mu.Unlock()
}

// currentWatch reports whether id is the live watch of r's event socket.
func (pr *parentRole) currentWatch(r packet.Rank, id uint64) bool {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.watches[r] == id
}

func (pr *parentRole) ranks() []packet.Rank {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]packet.Rank, 0, len(pr.peers))
	for r := range pr.peers {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (pr *parentRole) all() []*peer.Peer {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(pr.peers))
	for _, p := range pr.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *peer.Peer) int { return int(a.Rank()) - int(b.Rank()) })
	return out
}

// flush waits until every child's queue was written.
func (pr *parentRole) flush(ctx context.Context) error {
	for _, p := range pr.all() {
		if err := p.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// childRole holds the connection to this node's parent.
type childRole struct {
	mu          sync.RWMutex
	parent      *peer.Peer
	parentRank  packet.Rank
	incarnation uint32
	watch       uint64
	recovering  bool
}

func newChildRole(parentRank packet.Rank) *childRole {
	return &childRole{parentRank: parentRank, incarnation: 1}
}

func (cr *childRole) peer() *peer.Peer {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.parent
}

func (cr *childRole) rank() packet.Rank {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.parentRank
}

func (cr *childRole) set(p *peer.Peer, incarnation uint32) {
	cr.mu.Lock()
	cr.parent = p
	cr.parentRank = p.Rank()
	cr.incarnation = incarnation
	cr.mu.Unlock()
}

func (cr *childRole) setWatch(id uint64) {
	cr.mu.Lock()
	cr.watch = id
	cr.mu.Unlock()
}

func (cr *childRole) currentWatch(id uint64) bool {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.watch == id
}

// beginRecovery reports whether the caller should run recovery; only one
// recovery runs at a time.
func (cr *childRole) beginRecovery() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.recovering {
		return false
	}
	cr.recovering = true
	return true
}

func (cr *childRole) endRecovery() {
	cr.mu.Lock()
	cr.recovering = false
	cr.mu.Unlock()
}

func (cr *childRole) nextIncarnation() uint32 {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.incarnation + 1
}
