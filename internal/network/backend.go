package network

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/10yihang/treenet/internal/config"
	"github.com/10yihang/treenet/internal/filter"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/topology"
)

// NewNode joins the tree as described by spec: a relay when spec.Internal
// is set, a back-end otherwise. A relay launches its own children and
// returns once its whole subtree has reported in.
func NewNode(ctx context.Context, rt *config.Runtime, spec LaunchSpec, opts ...Option) (*Network, error) {
	if rt == nil {
		rt = config.Discard()
	}
	var ln net.Listener
	if spec.Internal {
		var err error
		if ln, err = listen(listenAddr(rt, buildOptions(opts))); err != nil {
			return nil, err
		}
	}
	n := newNode(ctx, rt, spec.Rank, spec.Host, ln, opts)
	cr := newChildRole(spec.ParentRank)
	if spec.Internal {
		n.role = Relay{parent: newParentRole(ln), child: cr}
	} else {
		n.role = Leaf{child: cr}
	}
	if spec.Settings != nil {
		n.applySettings(spec.Settings)
	}

	abort := func(err error) (*Network, error) {
		n.close()
		if ln != nil {
			ln.Close()
		}
		return nil, err
	}
	settings, err := n.attach(ctx, spec.ParentRank, spec.ParentAddr(), 1, packet.UnknownRank, spec.SubTree)
	if err != nil {
		return abort(fmt.Errorf("rank %d attaching to %s: %w", spec.Rank, spec.ParentAddr(), err))
	}
	top, err := topology.ParseSerialGraph(settings.Topology)
	if err != nil {
		return abort(fmt.Errorf("rank %d: topology from parent: %w", spec.Rank, err))
	}
	n.top = top
	n.router.Rebuild(top)
	n.addInternalStreams()
	n.start(ln)
	n.startParent()

	if spec.Internal {
		if err := n.launchChildren(ctx); err != nil {
			return abort(fmt.Errorf("rank %d: %w", spec.Rank, err))
		}
	}
	done := packet.MustNew(packet.ControlStreamID, packet.TagSubtreeInitDoneRpt, "")
	if err := n.sendUp(done); err != nil {
		return abort(err)
	}
	n.log.Info("node ready", "role", n.role.name(), "parent", spec.ParentRank, "port", n.port)
	return n, nil
}

// NewBackEnd attaches a back-end of rank to the parent at parentHost:parentPort.
func NewBackEnd(ctx context.Context, rt *config.Runtime, parentHost string, parentPort packet.Port, parentRank, rank packet.Rank, opts ...Option) (*Network, error) {
	if rt == nil {
		rt = config.Discard()
	}
	return NewNode(ctx, rt, LaunchSpec{
		Host:       rt.Config.Node.Host,
		Rank:       rank,
		ParentHost: parentHost,
		ParentPort: parentPort,
		ParentRank: parentRank,
	}, opts...)
}

// NewRelay starts an internal node. spec.Internal is implied.
func NewRelay(ctx context.Context, rt *config.Runtime, spec LaunchSpec, opts ...Option) (*Network, error) {
	spec.Internal = true
	return NewNode(ctx, rt, spec, opts...)
}

// RunRelay runs a relay until the network shuts it down or ctx ends.
func RunRelay(ctx context.Context, rt *config.Runtime, spec LaunchSpec, opts ...Option) error {
	n, err := NewRelay(ctx, rt, spec, opts...)
	if err != nil {
		return err
	}
	select {
	case <-n.Done():
	case <-ctx.Done():
		n.close()
	}
	return n.Err()
}

func listenAddr(rt *config.Runtime, o options) string {
	if o.listenTCP != "" {
		return o.listenTCP
	}
	return rt.Config.Node.ListenAddr
}

// addInternalStreams creates the topology and port streams every node
// carries.
func (n *Network) addInternalStreams() {
	n.addStream(streamSpec{
		id:       packet.TopologyStreamID,
		up:       filter.TFilterTopoUpdate,
		sync:     filter.SFilterDontWait,
		down:     filter.TFilterTopoUpdateDownstream,
		internal: true,
	})
	n.addStream(streamSpec{
		id:       packet.PortStreamID,
		up:       filter.TFilterTopoUpdate,
		sync:     filter.SFilterWaitForAll,
		down:     filter.TFilterTopoUpdateDownstream,
		internal: true,
	})
}

// childSpec describes how child c of this node is launched.
func (n *Network) childSpec(c packet.Rank) LaunchSpec {
	spec := LaunchSpec{
		Rank:       c,
		ParentHost: n.host,
		ParentPort: n.port,
		ParentRank: n.rank,
		SubTree:    n.top.SerialGraph(c),
		Settings:   n.settings().Values,
	}
	if nd, ok := n.top.Node(c); ok {
		spec.Host = nd.Host
		spec.Internal = nd.Internal || len(nd.Children) > 0
	}
	return spec
}

// launchChildren starts every child in the topology and waits until each
// subtree has reported initialization done.
func (n *Network) launchChildren(ctx context.Context) error {
	children := n.liveChildren()
	if len(children) == 0 {
		return nil
	}
	if n.opts.launcher == nil {
		return fmt.Errorf("no launcher for %d children", len(children))
	}
	w := n.acks.expect(packet.TagSubtreeInitDoneRpt, 0, children)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range children {
		spec := n.childSpec(c)
		g.Go(func() error {
			if err := n.opts.launcher.Launch(gctx, spec); err != nil {
				return fmt.Errorf("launching rank %d on %s: %w", spec.Rank, spec.Host, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		n.acks.release(w)
		return err
	}
	if _, err := n.awaitChildren(ctx, w); err != nil {
		return fmt.Errorf("waiting for subtrees: %w", err)
	}
	return nil
}
