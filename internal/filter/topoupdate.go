package filter

import (
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/topology"
)

// collectUpdates decodes and concatenates the updates carried by in. On the
// port stream the placeholder reports of back-ends, which carry no port, are
// dropped and a node with children adds its own listening port.
func collectUpdates(ctx *Context, in []*packet.Packet) ([]topology.Update, error) {
	var all []topology.Update
	for _, p := range in {
		us, err := topology.DecodeUpdates(p)
		if err != nil {
			return nil, err
		}
		all = append(all, us...)
	}
	if ctx.Stream.ID != packet.PortStreamID {
		return all, nil
	}
	kept := all[:0]
	for _, u := range all {
		if u.Type == topology.UpdateChangePort && u.Port == packet.UnknownPort {
			continue
		}
		kept = append(kept, u)
	}
	all = kept
	if !ctx.Env.IsLeaf() {
		all = append(all, topology.Update{
			Type:   topology.UpdateChangePort,
			Parent: packet.UnknownRank,
			Child:  ctx.Env.LocalRank(),
			Host:   "NULL",
			Port:   ctx.Env.LocalPort(),
		})
	}
	return all, nil
}

// applyUpdates replays updates on the local topology and reports the ranks
// that joined.
func applyUpdates(ctx *Context, updates []topology.Update) {
	top := ctx.Env.Topology()
	if top == nil || len(updates) == 0 {
		return
	}
	changed, err := top.ApplyAll(updates)
	if err != nil {
		ctx.Env.Logger().Warn("topology update partially applied", "stream", ctx.Stream.ID, "error", err)
	}
	if !changed {
		return
	}
	var added []packet.Rank
	for _, u := range updates {
		if u.Type == topology.UpdateNewBackEnd || u.Type == topology.UpdateNewInternal {
			added = append(added, u.Child)
		}
	}
	ctx.Env.TopologyChanged(added)
}

func encodeLike(in []*packet.Packet, updates []topology.Update) (*packet.Packet, error) {
	p, err := topology.EncodeUpdates(in[0].Tag(), updates)
	if err != nil {
		return nil, err
	}
	if in[0].StreamID() == p.StreamID() {
		return p, nil
	}
	return p.WithStream(in[0].StreamID(), in[0].Tag())
}

// topoUpdateUpstream merges update reports on their way to the root. The
// root turns the merged batch around so that every node replays it.
func topoUpdateUpstream(ctx *Context, in []*packet.Packet) (Output, error) {
	updates, err := collectUpdates(ctx, in)
	if err != nil {
		return Output{}, err
	}
	applyUpdates(ctx, updates)
	if len(updates) == 0 {
		return Output{}, nil
	}
	out, err := encodeLike(in, updates)
	if err != nil {
		return Output{}, err
	}
	if ctx.Env.IsRoot() {
		return Output{Reverse: []*packet.Packet{out}}, nil
	}
	return Output{Packets: []*packet.Packet{out}}, nil
}

// topoUpdateDownstream replays updates sent by the root. The root already
// holds them and leaves have no one to forward to.
func topoUpdateDownstream(ctx *Context, in []*packet.Packet) (Output, error) {
	if ctx.Env.IsRoot() {
		return Output{Packets: in}, nil
	}
	var all []topology.Update
	for _, p := range in {
		us, err := topology.DecodeUpdates(p)
		if err != nil {
			return Output{}, err
		}
		all = append(all, us...)
	}
	applyUpdates(ctx, all)
	if ctx.Env.IsLeaf() || len(all) == 0 {
		return Output{}, nil
	}
	out, err := encodeLike(in, all)
	if err != nil {
		return Output{}, err
	}
	return Output{Packets: []*packet.Packet{out}}, nil
}
