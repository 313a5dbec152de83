// Package filter implements the stream filter pipeline: synchronization
// filters that decide when a wave of upstream packets is complete, and
// transformation filters that reduce a wave into fewer packets.
//
// A filter function sees one wave at a time through an Instance, which
// serializes calls and keeps the filter's private state between them.
package filter

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/perfdata"
	"github.com/10yihang/treenet/internal/topology"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// ID identifies a filter tree-wide.
type ID uint16

// Built-in filter ids.
const (
	TFilterNull ID = iota
	TFilterSum
	TFilterAvg
	TFilterMin
	TFilterMax
	TFilterArrayConcat
	TFilterIntEqClass
	TFilterPerfData
	TFilterTopoUpdate
	TFilterTopoUpdateDownstream
	SFilterWaitForAll
	SFilterDontWait
	SFilterTimeOut
)

// FirstUserFilterID is the first id handed out to dynamically loaded filters.
const FirstUserFilterID ID = 100

// Kind separates synchronization filters from transformations.
type Kind int

const (
	KindTransform Kind = iota
	KindSync
)

// Output is what a filter emits for one call. Packets continue in the
// direction of travel; Reverse packets are turned around toward the sender.
type Output struct {
	Packets []*packet.Packet
	Reverse []*packet.Packet
}

// Func is a filter function. For sync filters a nil in signals that the
// stream's registered timeout elapsed.
type Func func(ctx *Context, in []*packet.Packet) (Output, error)

// StateFunc summarizes a filter's state as a packet to be resent upstream
// after the node reconnects to a new parent. It returns nil for no state.
type StateFunc func(ctx *Context) (*packet.Packet, error)

// Binding describes a registered filter.
type Binding struct {
	ID    ID
	Name  string
	Kind  Kind
	Func  Func
	State StateFunc
	// Format, when set, is the only input format the filter accepts.
	Format string
}

// Env is the node-local view a filter may consult.
type Env interface {
	LocalRank() packet.Rank
	LocalPort() packet.Port
	IsRoot() bool
	IsLeaf() bool
	// Failed reports whether rank is known to have failed.
	Failed(rank packet.Rank) bool
	Topology() *topology.Topology
	// TopologyChanged is called after a filter mutated the topology. added
	// lists ranks that joined.
	TopologyChanged(added []packet.Rank)
	RegisterTimeout(stream uint32, d time.Duration) bool
	ClearTimeout(stream uint32)
	// CollectPerfData returns the local samples of stream in the perf-data
	// packet layout.
	CollectPerfData(stream uint32, met perfdata.Metric, ctx perfdata.Context) (*packet.Packet, error)
	Logger() *slog.Logger
}

// StreamInfo is the state of the stream a filter runs on.
type StreamInfo struct {
	ID uint32
	// Peers are the child ranks the stream expects packets from.
	Peers []packet.Rank
}

// Context is passed to every filter call.
type Context struct {
	Stream StreamInfo
	Params *packet.Packet
	Env    Env
	// State persists across calls on the same instance.
	State any
}

// Instance is a filter bound to one stream.
type Instance struct {
	mu     sync.Mutex
	bind   *Binding
	params *packet.Packet
	state  any
}

func newInstance(b *Binding) *Instance {
	return &Instance{bind: b}
}

func (f *Instance) ID() ID       { return f.bind.ID }
func (f *Instance) Name() string { return f.bind.Name }
func (f *Instance) Kind() Kind   { return f.bind.Kind }

func (f *Instance) SetParams(p *packet.Packet) {
	f.mu.Lock()
	f.params = p
	f.mu.Unlock()
}

func (f *Instance) Params() *packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

// Push runs the filter over one batch of packets.
func (f *Instance) Push(env Env, info StreamInfo, in []*packet.Packet) (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.bind.Func == nil {
		return Output{Packets: in}, nil
	}
	if f.bind.Kind == KindTransform {
		if len(in) == 0 {
			return Output{}, nil
		}
		if err := checkFormats(f.bind, in); err != nil {
			return Output{}, err
		}
	}
	ctx := &Context{Stream: info, Params: f.params, Env: env, State: f.state}
	out, err := f.bind.Func(ctx, in)
	f.state = ctx.State
	if err != nil {
		return Output{}, fmt.Errorf("filter %s: %w", f.bind.Name, err)
	}
	return out, nil
}

// State extracts the filter state, or nil when the filter keeps none.
func (f *Instance) State(env Env, info StreamInfo) (*packet.Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bind.State == nil {
		return nil, nil
	}
	ctx := &Context{Stream: info, Params: f.params, Env: env, State: f.state}
	p, err := f.bind.State(ctx)
	f.state = ctx.State
	return p, err
}

func checkFormats(b *Binding, in []*packet.Packet) error {
	want := in[0].Format()
	if b.Format != "" {
		want = b.Format
	}
	for _, p := range in {
		if p.Format() != want {
			return fmt.Errorf("%w: %s got %q, want %q", terrors.ErrFilterFormat, b.Name, p.Format(), want)
		}
	}
	return nil
}
