package network

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/10yihang/treenet/internal/config"
	"github.com/10yihang/treenet/internal/packet"
)

// LaunchSpec is everything a new process needs to join the tree below its
// parent.
type LaunchSpec struct {
	Host       string
	Rank       packet.Rank
	ParentHost string
	ParentPort packet.Port
	ParentRank packet.Rank
	// Internal is set for relays.
	Internal bool
	// SubTree is the serialized graph rooted at Rank.
	SubTree  string
	Settings map[string]string
}

// ParentAddr is the address the child dials.
func (s LaunchSpec) ParentAddr() string {
	return fmt.Sprintf("%s:%d", s.ParentHost, s.ParentPort)
}

// Launcher starts the process for one child of the calling node.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) error
}

// InProcessLauncher runs every launched node in the calling process. Launch
// returns once the node and its subtree are up.
type InProcessLauncher struct {
	Runtime *config.Runtime
	Options []Option

	mu    sync.Mutex
	nodes map[packet.Rank]*Network
}

func (l *InProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) error {
	opts := append(slices.Clone(l.Options), WithLauncher(l))
	n, err := NewNode(ctx, l.Runtime, spec, opts...)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.nodes == nil {
		l.nodes = make(map[packet.Rank]*Network)
	}
	l.nodes[spec.Rank] = n
	l.mu.Unlock()
	return nil
}

// Node returns the launched node of rank r.
func (l *InProcessLauncher) Node(r packet.Rank) (*Network, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[r]
	return n, ok
}

// Nodes returns every node launched so far, ordered by rank.
func (l *InProcessLauncher) Nodes() []*Network {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Network, 0, len(l.nodes))
	for _, n := range l.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Network) int { return cmpID(uint32(a.rank), uint32(b.rank)) })
	return out
}

// Wait blocks until every launched node has closed or ctx ends.
func (l *InProcessLauncher) Wait(ctx context.Context) error {
	for _, n := range l.Nodes() {
		select {
		case <-n.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// AttachLauncher starts nothing. It writes one line per back-end,
// "rank host parenthost:parentport:parentrank", for processes started by
// other means, which then attach with NewBackEnd. Relays cannot be
// attached this way.
type AttachLauncher struct {
	mu sync.Mutex
	w  io.Writer
}

func NewAttachLauncher(w io.Writer) *AttachLauncher {
	return &AttachLauncher{w: w}
}

func (l *AttachLauncher) Launch(ctx context.Context, spec LaunchSpec) error {
	if spec.Internal {
		return fmt.Errorf("attach launcher: rank %d is a relay", spec.Rank)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.w, "%d %s %s:%d:%d\n", spec.Rank, spec.Host, spec.ParentHost, spec.ParentPort, spec.ParentRank)
	return err
}
