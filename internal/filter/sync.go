package filter

import (
	"slices"
	"time"

	"github.com/10yihang/treenet/internal/packet"
)

// waveState buffers packets per inlet until every expected peer has one.
type waveState struct {
	byRank map[packet.Rank][]*packet.Packet
	// timer is set while a timeout is registered for the stream.
	timer bool
}

func stateOf(ctx *Context) *waveState {
	if s, ok := ctx.State.(*waveState); ok {
		return s
	}
	s := &waveState{byRank: make(map[packet.Rank][]*packet.Packet)}
	ctx.State = s
	return s
}

// purge drops buffered packets of failed peers.
func (s *waveState) purge(env Env) {
	for r := range s.byRank {
		if env.Failed(r) {
			delete(s.byRank, r)
		}
	}
}

// place buffers in. It returns the packet to pass straight through when in
// is a lone packet with no inlet, which is how a back-end syncs with itself.
func (s *waveState) place(env Env, in []*packet.Packet) *packet.Packet {
	for _, p := range in {
		r := p.InletRank()
		if r == packet.UnknownRank && len(in) == 1 {
			return p
		}
		if env.Failed(r) {
			continue
		}
		s.byRank[r] = append(s.byRank[r], p)
	}
	return nil
}

// complete reports whether every live expected peer has a buffered packet.
func (s *waveState) complete(env Env, peers []packet.Rank) bool {
	for _, r := range peers {
		if env.Failed(r) {
			continue
		}
		if len(s.byRank[r]) == 0 {
			return false
		}
	}
	return true
}

// release pops the head of every non-empty queue in rank order, or
// everything when all is set.
func (s *waveState) release(all bool) []*packet.Packet {
	ranks := make([]packet.Rank, 0, len(s.byRank))
	for r, q := range s.byRank {
		if len(q) > 0 {
			ranks = append(ranks, r)
		}
	}
	slices.Sort(ranks)

	var out []*packet.Packet
	for _, r := range ranks {
		q := s.byRank[r]
		if all {
			out = append(out, q...)
			delete(s.byRank, r)
			continue
		}
		out = append(out, q[0])
		if len(q) == 1 {
			delete(s.byRank, r)
		} else {
			s.byRank[r] = q[1:]
		}
	}
	return out
}

func (s *waveState) buffered() int {
	n := 0
	for _, q := range s.byRank {
		n += len(q)
	}
	return n
}

func waitForAll(ctx *Context, in []*packet.Packet) (Output, error) {
	s := stateOf(ctx)
	s.purge(ctx.Env)
	if p := s.place(ctx.Env, in); p != nil {
		return Output{Packets: []*packet.Packet{p}}, nil
	}
	if s.buffered() == 0 || !s.complete(ctx.Env, ctx.Stream.Peers) {
		return Output{}, nil
	}
	return Output{Packets: s.release(false)}, nil
}

// TimeoutFormat is the parameter layout of the timeout filter: milliseconds.
const TimeoutFormat = "%ud"

func timeoutOf(params *packet.Packet) time.Duration {
	if params == nil {
		return 0
	}
	var ms uint32
	if err := params.Scan(TimeoutFormat, &ms); err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// timeOut behaves like waitForAll but releases whatever is buffered once the
// configured timeout elapses after the first packet of a wave.
func timeOut(ctx *Context, in []*packet.Packet) (Output, error) {
	d := timeoutOf(ctx.Params)
	if d == 0 {
		return Output{Packets: in}, nil
	}
	s := stateOf(ctx)
	s.purge(ctx.Env)

	if in == nil {
		s.timer = false
		return Output{Packets: s.release(true)}, nil
	}
	if p := s.place(ctx.Env, in); p != nil {
		return Output{Packets: []*packet.Packet{p}}, nil
	}
	if s.buffered() == 0 {
		return Output{}, nil
	}
	if !s.complete(ctx.Env, ctx.Stream.Peers) {
		if !s.timer && ctx.Env.RegisterTimeout(ctx.Stream.ID, d) {
			s.timer = true
		}
		return Output{}, nil
	}
	if s.timer {
		ctx.Env.ClearTimeout(ctx.Stream.ID)
		s.timer = false
	}
	return Output{Packets: s.release(false)}, nil
}
