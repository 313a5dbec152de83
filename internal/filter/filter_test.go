package filter

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/perfdata"
	"github.com/10yihang/treenet/internal/topology"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

type fakeEnv struct {
	rank     packet.Rank
	port     packet.Port
	root     bool
	leaf     bool
	failed   map[packet.Rank]bool
	top      *topology.Topology
	added    [][]packet.Rank
	timers   map[uint32]time.Duration
	cleared  []uint32
	perfData *packet.Packet
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		failed: make(map[packet.Rank]bool),
		timers: make(map[uint32]time.Duration),
	}
}

func (e *fakeEnv) LocalRank() packet.Rank { return e.rank }
func (e *fakeEnv) LocalPort() packet.Port { return e.port }
func (e *fakeEnv) IsRoot() bool { return e.root }
func (e *fakeEnv) IsLeaf() bool { return e.leaf }
func (e *fakeEnv) Failed(r packet.Rank) bool { return e.failed[r] }
func (e *fakeEnv) Topology() *topology.Topology { return e.top }
func (e *fakeEnv) TopologyChanged(a []packet.Rank) { e.added = append(e.added, a) }
func (e *fakeEnv) Logger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func (e *fakeEnv) RegisterTimeout(stream uint32, d time.Duration) bool {
	if _, ok := e.timers[stream]; ok {
		return false
	}
	e.timers[stream] = d
	return true
}

func (e *fakeEnv) ClearTimeout(stream uint32) {
	delete(e.timers, stream)
	e.cleared = append(e.cleared, stream)
}

func (e *fakeEnv) CollectPerfData(uint32, perfdata.Metric, perfdata.Context) (*packet.Packet, error) {
	return e.perfData, nil
}

const testStream = packet.UserStreamBase

func pkt(t *testing.T, from packet.Rank, format string, vals ...any) *packet.Packet {
	t.Helper()
	p, err := packet.New(testStream, packet.FirstApplicationTag, format, vals...)
	require.NoError(t, err)
	p.SetInletRank(from)
	return p
}

func instance(t *testing.T, id ID) *Instance {
	t.Helper()
	f, err := NewRegistry(nil, "test").New(id)
	require.NoError(t, err)
	return f
}

func single(t *testing.T, out Output) *packet.Packet {
	t.Helper()
	require.Len(t, out.Packets, 1)
	return out.Packets[0]
}

func TestTransform_Scalars(t *testing.T) {
	env := newFakeEnv()
	info := StreamInfo{ID: testStream}

	tests := []struct {
		name   string
		id     ID
		format string
		in     []any
		want   any
	}{
		{"sum int", TFilterSum, "%d", []any{3, 4}, int32(7)},
		{"sum float", TFilterSum, "%lf", []any{1.5, 2.25, 0.25}, 4.0},
		{"min unsigned", TFilterMin, "%ud", []any{9, 2, 5}, uint32(2)},
		{"max signed", TFilterMax, "%ld", []any{-3, -1, -7}, int64(-1)},
		{"max single", TFilterMax, "%f", []any{2.5}, float32(2.5)},
		{"sum wraps", TFilterSum, "%uc", []any{200, 100}, uint8(44)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make([]*packet.Packet, len(tt.in))
			for i, v := range tt.in {
				in[i] = pkt(t, packet.Rank(i+1), tt.format, v)
			}
			out, err := instance(t, tt.id).Push(env, info, in)
			require.NoError(t, err)
			p := single(t, out)
			assert.Equal(t, tt.format, p.Format())
			el, err := p.Element(0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, el.Value)
		})
	}
}

func TestTransform_Average(t *testing.T) {
	in := []*packet.Packet{
		pkt(t, 1, "%lf %d", 2.0, 1),
		pkt(t, 2, "%lf %d", 5.0, 3),
	}
	out, err := instance(t, TFilterAvg).Push(newFakeEnv(), StreamInfo{}, in)
	require.NoError(t, err)

	var avg float64
	var n int
	require.NoError(t, single(t, out).Scan("%lf %d", &avg, &n))
	assert.InDelta(t, 4.25, avg, 1e-9)
	assert.Equal(t, 4, n)
}

func TestTransform_AverageOfZeroCount(t *testing.T) {
	tests := []struct {
		name string
		in   []*packet.Packet
	}{
		{"all empty", []*packet.Packet{pkt(t, 1, "%d %d", 6, 0), pkt(t, 2, "%d %d", 9, 0)}},
		{"counts cancel", []*packet.Packet{pkt(t, 1, "%d %d", 5, 2), pkt(t, 2, "%d %d", 1, -2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := instance(t, TFilterAvg).Push(newFakeEnv(), StreamInfo{}, tt.in)
			require.NoError(t, err)
			var avg, n int
			require.NoError(t, single(t, out).Scan("%d %d", &avg, &n))
			assert.Equal(t, 0, avg)
			assert.Equal(t, 0, n)
		})
	}
}

func TestTransform_ArrayConcat(t *testing.T) {
	in := []*packet.Packet{
		pkt(t, 1, "%ad", []int32{1, 2}),
		pkt(t, 2, "%ad", []int32{}),
		pkt(t, 3, "%ad", []int32{3}),
	}
	out, err := instance(t, TFilterArrayConcat).Push(newFakeEnv(), StreamInfo{}, in)
	require.NoError(t, err)
	var got []int32
	require.NoError(t, single(t, out).Scan("%ad", &got))
	assert.Equal(t, []int32{1, 2, 3}, got)
}

func TestTransform_IntEqClass(t *testing.T) {
	in := []*packet.Packet{
		pkt(t, 1, IntEqClassFormat, []uint32{7, 3}, []uint32{1, 2}, []uint32{1, 5, 2}),
		pkt(t, 2, IntEqClassFormat, []uint32{7}, []uint32{1}, []uint32{0}),
	}
	out, err := instance(t, TFilterIntEqClass).Push(newFakeEnv(), StreamInfo{}, in)
	require.NoError(t, err)

	var vals, counts, mems []uint32
	require.NoError(t, single(t, out).Scan(IntEqClassFormat, &vals, &counts, &mems))
	assert.Equal(t, []uint32{3, 7}, vals)
	assert.Equal(t, []uint32{2, 2}, counts)
	assert.Equal(t, []uint32{2, 5, 0, 1}, mems)
}

func TestTransform_FormatMismatch(t *testing.T) {
	in := []*packet.Packet{pkt(t, 1, "%d", 1), pkt(t, 2, "%lf", 1.0)}
	_, err := instance(t, TFilterSum).Push(newFakeEnv(), StreamInfo{}, in)
	require.Error(t, err)
	assert.ErrorIs(t, err, terrors.ErrFilterFormat)

	_, err = instance(t, TFilterIntEqClass).Push(newFakeEnv(), StreamInfo{}, []*packet.Packet{pkt(t, 1, "%d", 1)})
	assert.ErrorIs(t, err, terrors.ErrFilterFormat)
}

func TestTransform_NullPassesThrough(t *testing.T) {
	in := []*packet.Packet{pkt(t, 1, "%d", 1), pkt(t, 2, "%s", "x")}
	out, err := instance(t, TFilterNull).Push(newFakeEnv(), StreamInfo{}, in)
	require.NoError(t, err)
	assert.Equal(t, in, out.Packets)
}

func inlets(out Output) []packet.Rank {
	rs := make([]packet.Rank, len(out.Packets))
	for i, p := range out.Packets {
		rs[i] = p.InletRank()
	}
	return rs
}

func TestWaitForAll_AnyOrder(t *testing.T) {
	env := newFakeEnv()
	info := StreamInfo{ID: testStream, Peers: []packet.Rank{1, 2, 3}}

	orders := [][]packet.Rank{{1, 2, 3}, {3, 1, 2}, {2, 3, 1}}
	for _, order := range orders {
		f := instance(t, SFilterWaitForAll)
		for i, r := range order {
			out, err := f.Push(env, info, []*packet.Packet{pkt(t, r, "%d", int(r))})
			require.NoError(t, err)
			if i < len(order)-1 {
				assert.Empty(t, out.Packets, "wave incomplete after %v", order[:i+1])
				continue
			}
			assert.Equal(t, []packet.Rank{1, 2, 3}, inlets(out))
		}
	}
}

func TestWaitForAll_MultipleWaves(t *testing.T) {
	env := newFakeEnv()
	info := StreamInfo{ID: testStream, Peers: []packet.Rank{1, 2}}
	f := instance(t, SFilterWaitForAll)

	out, err := f.Push(env, info, []*packet.Packet{pkt(t, 1, "%d", 10), pkt(t, 1, "%d", 11)})
	require.NoError(t, err)
	assert.Empty(t, out.Packets)

	out, err = f.Push(env, info, []*packet.Packet{pkt(t, 2, "%d", 20)})
	require.NoError(t, err)
	assert.Equal(t, []packet.Rank{1, 2}, inlets(out))
	var v int
	require.NoError(t, out.Packets[0].Scan("%d", &v))
	assert.Equal(t, 10, v)

	out, err = f.Push(env, info, []*packet.Packet{pkt(t, 2, "%d", 21)})
	require.NoError(t, err)
	require.Equal(t, []packet.Rank{1, 2}, inlets(out))
	require.NoError(t, out.Packets[0].Scan("%d", &v))
	assert.Equal(t, 11, v)
}

func TestWaitForAll_FailedPeer(t *testing.T) {
	env := newFakeEnv()
	info := StreamInfo{ID: testStream, Peers: []packet.Rank{1, 2, 3}}
	f := instance(t, SFilterWaitForAll)

	out, err := f.Push(env, info, []*packet.Packet{pkt(t, 1, "%d", 1), pkt(t, 3, "%d", 3)})
	require.NoError(t, err)
	assert.Empty(t, out.Packets)

	env.failed[3] = true
	env.failed[2] = true
	out, err = f.Push(env, info, []*packet.Packet{})
	require.NoError(t, err)
	assert.Equal(t, []packet.Rank{1}, inlets(out), "failed peers are purged and no longer awaited")

	out, err = f.Push(env, info, []*packet.Packet{pkt(t, 2, "%d", 2)})
	require.NoError(t, err)
	assert.Empty(t, out.Packets, "packets from failed peers are dropped")
}

func TestWaitForAll_LocalPassThrough(t *testing.T) {
	env := newFakeEnv()
	info := StreamInfo{ID: testStream, Peers: []packet.Rank{1, 2}}
	p := pkt(t, packet.UnknownRank, "%d", 1)
	out, err := instance(t, SFilterWaitForAll).Push(env, info, []*packet.Packet{p})
	require.NoError(t, err)
	assert.Equal(t, []*packet.Packet{p}, out.Packets)
}

func TestDontWait(t *testing.T) {
	in := []*packet.Packet{pkt(t, 4, "%d", 1)}
	out, err := instance(t, SFilterDontWait).Push(newFakeEnv(), StreamInfo{Peers: []packet.Rank{4, 5}}, in)
	require.NoError(t, err)
	assert.Equal(t, in, out.Packets)
}

func TestTimeOut(t *testing.T) {
	env := newFakeEnv()
	info := StreamInfo{ID: testStream, Peers: []packet.Rank{1, 2, 3}}
	f := instance(t, SFilterTimeOut)
	f.SetParams(packet.MustNew(testStream, 0, TimeoutFormat, uint32(250)))

	out, err := f.Push(env, info, []*packet.Packet{pkt(t, 2, "%d", 2)})
	require.NoError(t, err)
	assert.Empty(t, out.Packets)
	assert.Equal(t, map[uint32]time.Duration{testStream: 250 * time.Millisecond}, env.timers)

	out, err = f.Push(env, info, []*packet.Packet{pkt(t, 1, "%d", 1)})
	require.NoError(t, err)
	assert.Empty(t, out.Packets)
	assert.Len(t, env.timers, 1)

	out, err = f.Push(env, info, nil)
	require.NoError(t, err)
	assert.Equal(t, []packet.Rank{1, 2}, inlets(out))

	delete(env.timers, testStream)
	for _, r := range []packet.Rank{3, 1} {
		out, err = f.Push(env, info, []*packet.Packet{pkt(t, r, "%d", int(r))})
		require.NoError(t, err)
		assert.Empty(t, out.Packets)
	}
	out, err = f.Push(env, info, []*packet.Packet{pkt(t, 2, "%d", 2)})
	require.NoError(t, err)
	assert.Equal(t, []packet.Rank{1, 2, 3}, inlets(out), "a complete wave is released before the timeout")
	assert.Equal(t, []uint32{testStream}, env.cleared)
	assert.Empty(t, env.timers)
}

func TestTimeOut_ZeroPassesThrough(t *testing.T) {
	f := instance(t, SFilterTimeOut)
	in := []*packet.Packet{pkt(t, 1, "%d", 1)}
	out, err := f.Push(newFakeEnv(), StreamInfo{Peers: []packet.Rank{1, 2}}, in)
	require.NoError(t, err)
	assert.Equal(t, in, out.Packets)
}

func perfPkt(t *testing.T, ranks, nelems []int32, vals []uint64) *packet.Packet {
	t.Helper()
	return pkt(t, 0, perfdata.NumPackets.Format(), ranks, nelems, vals)
}

func perfInstance(t *testing.T, agg ID) *Instance {
	f := instance(t, TFilterPerfData)
	f.SetParams(packet.MustNew(testStream, packet.TagCollectPerfData, PerfDataParamsFormat,
		int32(perfdata.NumPackets), int32(perfdata.CtxSend), uint32(agg), uint32(testStream)))
	return f
}

func TestPerfData_Aggregate(t *testing.T) {
	env := newFakeEnv()
	env.perfData = perfPkt(t, []int32{0}, []int32{2}, []uint64{1, 8})
	in := []*packet.Packet{
		perfPkt(t, []int32{-2}, []int32{2}, []uint64{10, 2}),
		perfPkt(t, []int32{3}, []int32{1}, []uint64{4}),
	}

	tests := []struct {
		agg    ID
		ranks  []int32
		nelems []int32
		vals   []uint64
	}{
		{TFilterSum, []int32{-4}, []int32{2}, []uint64{15, 10}},
		{TFilterMin, []int32{-4}, []int32{2}, []uint64{1, 2}},
		{TFilterMax, []int32{-4}, []int32{2}, []uint64{10, 8}},
		// (1 + 10*2 + 4) / 4, (8 + 2*2) / 4
		{TFilterAvg, []int32{-4}, []int32{2}, []uint64{6, 3}},
		{TFilterArrayConcat, []int32{0, -2, 3}, []int32{2, 2, 1}, []uint64{1, 8, 10, 2, 4}},
	}
	for _, tt := range tests {
		out, err := perfInstance(t, tt.agg).Push(env, StreamInfo{ID: testStream}, in)
		require.NoError(t, err)
		var ranks, nelems []int32
		var vals []uint64
		require.NoError(t, single(t, out).Scan(perfdata.NumPackets.Format(), &ranks, &nelems, &vals))
		assert.Equal(t, tt.ranks, ranks, "agg %d", tt.agg)
		assert.Equal(t, tt.nelems, nelems, "agg %d", tt.agg)
		assert.Equal(t, tt.vals, vals, "agg %d", tt.agg)
	}
}

func TestPerfData_Leaf(t *testing.T) {
	env := newFakeEnv()
	env.leaf = true
	in := []*packet.Packet{perfPkt(t, []int32{5}, []int32{1}, []uint64{3})}

	out, err := perfInstance(t, TFilterSum).Push(env, StreamInfo{}, in)
	require.NoError(t, err)
	assert.Equal(t, in, out.Packets)

	out, err = instance(t, TFilterPerfData).Push(env, StreamInfo{}, in)
	require.NoError(t, err)
	assert.Empty(t, out.Packets, "no params, no output")
}

func testTree(t *testing.T) *topology.Topology {
	t.Helper()
	top := topology.New(0, "fe", 7000)
	_, err := top.AddNode(0, 1, "cp", packet.UnknownPort, true)
	require.NoError(t, err)
	return top
}

func updatesOf(t *testing.T, p *packet.Packet) []topology.Update {
	t.Helper()
	us, err := topology.DecodeUpdates(p)
	require.NoError(t, err)
	return us
}

func TestTopoUpdate_Upstream(t *testing.T) {
	env := newFakeEnv()
	env.rank = 1
	env.top = testTree(t)
	info := StreamInfo{ID: packet.TopologyStreamID}

	a, err := topology.EncodeUpdates(packet.TagTopoUpdate, []topology.Update{{Type: topology.UpdateNewBackEnd, Parent: 1, Child: 2, Host: "be", Port: 7002}})
	require.NoError(t, err)
	b, err := topology.EncodeUpdates(packet.TagTopoUpdate, []topology.Update{{Type: topology.UpdateNewBackEnd, Parent: 1, Child: 3, Host: "be", Port: 7003}})
	require.NoError(t, err)

	out, err := instance(t, TFilterTopoUpdate).Push(env, info, []*packet.Packet{a, b})
	require.NoError(t, err)
	assert.Len(t, updatesOf(t, single(t, out)), 2)
	assert.True(t, env.top.Contains(3))
	assert.Equal(t, [][]packet.Rank{{2, 3}}, env.added)

	env.root = true
	env.added = nil
	out, err = instance(t, TFilterTopoUpdate).Push(env, info, []*packet.Packet{a})
	require.NoError(t, err)
	assert.Empty(t, out.Packets)
	require.Len(t, out.Reverse, 1, "the root turns updates around")
	assert.Empty(t, env.added, "replaying a known update changes nothing")
}

func TestTopoUpdate_PortStream(t *testing.T) {
	env := newFakeEnv()
	env.rank = 1
	env.port = 7001
	env.top = testTree(t)
	info := StreamInfo{ID: packet.PortStreamID}

	placeholder, err := topology.EncodeUpdates(packet.TagPortUpdate, []topology.Update{{Type: topology.UpdateChangePort, Parent: packet.UnknownRank, Child: 1, Port: packet.UnknownPort}})
	require.NoError(t, err)
	placeholder, err = placeholder.WithStream(packet.PortStreamID, packet.TagPortUpdate)
	require.NoError(t, err)

	out, err := instance(t, TFilterTopoUpdate).Push(env, info, []*packet.Packet{placeholder})
	require.NoError(t, err)
	want := []topology.Update{{Type: topology.UpdateChangePort, Parent: packet.UnknownRank, Child: 1, Host: "NULL", Port: 7001}}
	p := single(t, out)
	assert.Equal(t, packet.PortStreamID, p.StreamID())
	if diff := cmp.Diff(want, updatesOf(t, p)); diff != "" {
		t.Errorf("port updates (-want +got):\n%s", diff)
	}
	n, _ := env.top.Node(1)
	assert.Equal(t, packet.Port(7001), n.Port)
}

func TestTopoUpdate_Downstream(t *testing.T) {
	env := newFakeEnv()
	env.rank = 1
	env.top = testTree(t)
	info := StreamInfo{ID: packet.TopologyStreamID}
	u, err := topology.EncodeUpdates(packet.TagTopoUpdate, []topology.Update{{Type: topology.UpdateNewBackEnd, Parent: 1, Child: 4, Host: "be", Port: 7004}})
	require.NoError(t, err)

	out, err := instance(t, TFilterTopoUpdateDownstream).Push(env, info, []*packet.Packet{u})
	require.NoError(t, err)
	single(t, out)
	assert.True(t, env.top.Contains(4))

	env.leaf = true
	out, err = instance(t, TFilterTopoUpdateDownstream).Push(env, info, []*packet.Packet{u})
	require.NoError(t, err)
	assert.Empty(t, out.Packets)

	env.leaf, env.root = false, true
	out, err = instance(t, TFilterTopoUpdateDownstream).Push(env, info, []*packet.Packet{u})
	require.NoError(t, err)
	assert.Equal(t, []*packet.Packet{u}, out.Packets)
}

type fakeLoader struct {
	calls int
	err   error
}

func (l *fakeLoader) Load(so, fn string) (Binding, error) {
	l.calls++
	if l.err != nil {
		return Binding{}, l.err
	}
	return Binding{Kind: KindTransform, Func: func(ctx *Context, in []*packet.Packet) (Output, error) {
		return Output{Packets: in[:1]}, nil
	}}, nil
}

func TestRegistry_Load(t *testing.T) {
	l := &fakeLoader{}
	r := NewRegistry(l, "node-a")

	id, err := r.Load("/lib/f.so", "first")
	require.NoError(t, err)
	assert.Equal(t, FirstUserFilterID, id)

	again, err := r.Load("/lib/f.so", "first")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, l.calls)

	other, err := r.Load("/lib/f.so", "second")
	require.NoError(t, err)
	assert.Equal(t, FirstUserFilterID+1, other)

	f, err := r.New(id)
	require.NoError(t, err)
	assert.Equal(t, "first", f.Name())
	in := []*packet.Packet{pkt(t, 1, "%d", 1), pkt(t, 2, "%d", 2)}
	out, err := f.Push(newFakeEnv(), StreamInfo{}, in)
	require.NoError(t, err)
	assert.Len(t, out.Packets, 1)

	require.NoError(t, r.LoadAs(120, "/lib/g.so", "third"))
	next, err := r.Load("/lib/g.so", "fourth")
	require.NoError(t, err)
	assert.Equal(t, ID(121), next)
}

func TestRegistry_LoadError(t *testing.T) {
	r := NewRegistry(&fakeLoader{err: errors.New("no such symbol")}, "node-b")
	_, err := r.Load("/lib/f.so", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, terrors.ErrFilterLoad)
	assert.Contains(t, err.Error(), "node-b")
	assert.Contains(t, err.Error(), "missing")

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "/lib/f.so", le.SO)

	_, err = r.New(99)
	assert.ErrorIs(t, err, terrors.ErrUnknownFilter)
}

func TestRegistry_ReservePlaceholder(t *testing.T) {
	r := NewRegistry(&fakeLoader{err: errors.New("no such symbol")}, "node-c")
	id := r.Reserve()
	assert.Equal(t, FirstUserFilterID, id)

	r.Placeholder(id, "missing")
	f, err := r.New(id)
	require.NoError(t, err)
	in := []*packet.Packet{pkt(t, 1, "%d", 1), pkt(t, 2, "%d", 2)}
	out, err := f.Push(newFakeEnv(), StreamInfo{}, in)
	require.NoError(t, err)
	assert.Equal(t, in, out.Packets)

	r.Placeholder(TFilterSum, "clobber")
	sum, err := r.New(TFilterSum)
	require.NoError(t, err)
	assert.NotEqual(t, "clobber", sum.Name())
	assert.Equal(t, FirstUserFilterID+1, r.Reserve())
}

func TestTopoUpdate_PortStreamDropsEveryPlaceholder(t *testing.T) {
	env := newFakeEnv()
	env.port = 7100
	placeholder := func(r packet.Rank) *packet.Packet {
		p, err := topology.EncodeUpdates(packet.TagPortUpdate, []topology.Update{{
			Type: topology.UpdateChangePort, Parent: packet.UnknownRank, Child: r, Port: packet.UnknownPort,
		}})
		require.NoError(t, err)
		p, err = p.WithStream(packet.PortStreamID, packet.TagPortUpdate)
		require.NoError(t, err)
		return p
	}
	ctx := &Context{Stream: StreamInfo{ID: packet.PortStreamID}, Env: env}
	got, err := collectUpdates(ctx, []*packet.Packet{placeholder(3), placeholder(4)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.LocalRank(), got[0].Child)
	assert.Equal(t, packet.Port(7100), got[0].Port)
}
