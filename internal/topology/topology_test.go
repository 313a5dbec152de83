package topology

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

const sampleFile = `
# front end with two relays
fe:0 => r1:0 r2:0 ;
r1:0 => be1:0 be1:1 ;
r2:0 => be2:0 ;
`

// sample builds fe(0) -> r1(1){be(2), be(3)}, r2(4){be(5)} with ports set.
func sample(t *testing.T) *Topology {
	t.Helper()
	top, err := ParseFileString(sampleFile)
	require.NoError(t, err)
	for _, n := range top.Nodes() {
		_, err := top.ChangePort(n.Rank, Port(7000+n.Rank))
		require.NoError(t, err)
	}
	return top
}

func TestParseFile(t *testing.T) {
	top, err := ParseFileString(sampleFile)
	require.NoError(t, err)
	require.NoError(t, top.Validate())

	assert.Equal(t, 6, top.Len())
	assert.Equal(t, Rank(0), top.Root())
	assert.Equal(t, []Rank{2, 3, 5}, top.Leaves())
	assert.Equal(t, []Rank{1, 2, 3}, top.Subtree(1))

	n, ok := top.Node(4)
	require.True(t, ok)
	assert.Equal(t, "r2", n.Host)
	assert.True(t, n.Internal)
	assert.Equal(t, packet.UnknownPort, n.Port)
}

func TestParseFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"empty", "  # nothing\n", terrors.ErrTopologyFormat},
		{"unterminated", "a:0 => b:0", terrors.ErrTopologyFormat},
		{"missing id", "a => b:0 ;", terrors.ErrTopologyFormat},
		{"missing arrow", "a:0 b:0 ;", terrors.ErrTopologyFormat},
		{"double arrow", "a:0 => => b:0 ;", terrors.ErrTopologyFormat},
		{"two roots", "a:0 => b:0 ;\nc:0 => d:0 ;", terrors.ErrTopologyNotConnected},
		{"loop only", "a:0 => b:0 ;\nb:0 => a:0 ;", terrors.ErrTopologyCycle},
		{"detached loop", "a:0 => b:0 ;\nc:0 => d:0 ;\nd:0 => c:0 ;", terrors.ErrTopologyCycle},
		{"two parents", "a:0 => b:0 c:0 ;\nc:0 => b:0 ;", terrors.ErrTopologyCycle},
		{"self child", "a:0 => a:0 ;", terrors.ErrTopologyCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFileString(tt.src)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseFile_SingleNode(t *testing.T) {
	top, err := ParseFileString("fe:0 ;")
	require.NoError(t, err)
	assert.Equal(t, 1, top.Len())
	assert.Empty(t, top.Leaves())
}

func TestSerialGraph_RoundTrip(t *testing.T) {
	top := sample(t)
	s := top.String()
	assert.Equal(t,
		"[fe:07000:0:1[r1:07001:1:1[be1:07002:2:0][be1:07003:3:0]][r2:07004:4:1[be2:07005:5:0]]]", s)

	back, err := ParseSerialGraph(s)
	require.NoError(t, err)
	require.NoError(t, back.Validate())
	if diff := cmp.Diff(top.Nodes(), back.Nodes()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSerialGraph_Errors(t *testing.T) {
	for _, s := range []string{
		"",
		"[fe:07000:0:1",
		"[fe:07000:0:1]]",
		"[fe:7000:0]",
		"[fe:07000:0:1[be:07001:1:0[x:07002:2:0]]]",
		"[fe:07000:0:1[be:07001:0:0]]",
		"[fe:notaport:0:1]",
	} {
		_, err := ParseSerialGraph(s)
		assert.ErrorIs(t, err, terrors.ErrTopologyFormat, "input %q", s)
	}
}

func TestSubGraph(t *testing.T) {
	s := sample(t).String()

	sub, ok := SubGraph(s, 1)
	require.True(t, ok)
	assert.Equal(t, "[r1:07001:1:1[be1:07002:2:0][be1:07003:3:0]]", sub)

	sub, ok = SubGraph(s, 5)
	require.True(t, ok)
	assert.Equal(t, "[be2:07005:5:0]", sub)

	_, ok = SubGraph(s, 42)
	assert.False(t, ok)
}

func TestRemoveNode_Orphans(t *testing.T) {
	top := sample(t)

	changed, err := top.RemoveNode(1)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, top.Validate())
	assert.Equal(t, []Rank{2, 3}, top.Orphans())
	assert.False(t, top.Contains(2))
	assert.Equal(t, []Rank{5}, top.Leaves())

	changed, err = top.ChangeParent(2, 4)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []Rank{3}, top.Orphans())
	assert.True(t, top.Contains(2))

	changed, err = top.RemoveNode(1)
	require.NoError(t, err)
	assert.False(t, changed, "second removal is a no-op")

	_, err = top.RemoveNode(0)
	assert.Error(t, err)
}

func TestChangeParent_RejectsCycle(t *testing.T) {
	top := sample(t)
	_, err := top.ChangeParent(1, 2)
	assert.ErrorIs(t, err, terrors.ErrTopologyCycle)

	changed, err := top.ChangeParent(2, 1)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestAddNode_FailedParent(t *testing.T) {
	top := sample(t)
	require.True(t, top.MarkFailed(4))
	assert.False(t, top.MarkFailed(4))

	_, err := top.AddNode(4, 9, "x", 1, false)
	assert.ErrorIs(t, err, terrors.ErrTopologyNotConnected)
}

func TestTopology_RandomOpsKeepInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	top := New(0, "root", 1)
	next := Rank(1)

	for i := 0; i < 2000; i++ {
		nodes := top.Nodes()
		pick := func() Rank { return nodes[rng.Intn(len(nodes))].Rank }

		switch rng.Intn(4) {
		case 0, 1:
			if _, err := top.AddNode(pick(), next, "h", Port(next), rng.Intn(2) == 0); err == nil {
				next++
			}
		case 2:
			if r := pick(); r != 0 {
				_, _ = top.RemoveNode(r)
			}
		case 3:
			child, parent := pick(), pick()
			_, err := top.ChangeParent(child, parent)
			if err != nil && child != 0 && parent != child {
				if _, ok := top.Node(parent); ok {
					code, _ := terrors.CodeOf(err)
					assert.Contains(t, []terrors.Code{terrors.CodeTopologyCycle, terrors.CodeTopologyNotConnected}, code)
				}
			}
		}
		require.NoError(t, top.Validate(), "after step %d", i)
	}
}

func TestUpdates_ReplayIsIdempotent(t *testing.T) {
	updates := []Update{
		{Type: UpdateNewInternal, Parent: 4, Child: 6, Host: "r3", Port: 7006},
		{Type: UpdateNewBackEnd, Parent: 6, Child: 7, Host: "be3", Port: 7007},
		{Type: UpdateChangePort, Child: 5, Port: 8005},
		{Type: UpdateRemoveRank, Child: 1},
		{Type: UpdateChangeParent, Parent: 6, Child: 2},
	}
	p, err := EncodeUpdates(packet.TagTopoUpdate, updates)
	require.NoError(t, err)
	hdr, body, err := p.Wire()
	require.NoError(t, err)

	apply := func(top *Topology) {
		t.Helper()
		wire, err := packet.Decode(hdr, body)
		require.NoError(t, err)
		decoded, err := DecodeUpdates(wire)
		require.NoError(t, err)
		require.Equal(t, updates, decoded)
		_, err = top.ApplyAll(decoded)
		require.NoError(t, err)
	}

	once := sample(t)
	apply(once)
	twice := sample(t)
	apply(twice)
	apply(twice)

	require.NoError(t, twice.Validate())
	assert.Equal(t, once.String(), twice.String())
	if diff := cmp.Diff(once.Nodes(), twice.Nodes()); diff != "" {
		t.Errorf("replay changed topology (-once +twice):\n%s", diff)
	}
	assert.Equal(t, []Rank{3}, twice.Orphans())
}

func TestFindNewParent(t *testing.T) {
	src := `
fe:0 => a:0 b:0 ;
a:0 => a1:0 a2:0 ;
a1:0 => x:0 ;
b:0 => b1:0 ;
b1:0 => y:0 ;
`
	// fe=0 a=1 a1=2 x=3 a2=4 b=5 b1=6 y=7
	top, err := ParseFileString(src)
	require.NoError(t, err)
	for _, n := range top.Nodes() {
		_, err := top.ChangePort(n.Rank, Port(9000+n.Rank))
		require.NoError(t, err)
	}
	// a2 is a leaf under a; make it internal so it qualifies.
	_, err = top.AddNode(4, 8, "z", 9008, false)
	require.NoError(t, err)

	require.True(t, top.MarkFailed(2))
	assert.Equal(t, []Rank{1, 0, 5, 4, 6}, top.ParentCandidates(3))

	for i, want := range []Rank{1, 0, 5, 4, 6} {
		got, err := top.FindNewParent(3, i)
		require.NoError(t, err)
		assert.Equal(t, want, got, "attempt %d", i)
	}
	_, err = top.FindNewParent(3, 5)
	assert.ErrorIs(t, err, terrors.ErrNoNewParent)

	require.True(t, top.MarkFailed(1))
	assert.Equal(t, []Rank{0, 5, 4, 6}, top.ParentCandidates(3),
		"failed ancestors are skipped")
}

func TestFindNewParent_SkipsUnknownPort(t *testing.T) {
	top, err := ParseFileString("fe:0 => r:0 s:0 ;\nr:0 => be:0 ;\ns:0 => be:1 ;")
	require.NoError(t, err)
	_, err = top.ChangePort(0, 1)
	require.NoError(t, err)
	top.MarkFailed(1)
	assert.Equal(t, []Rank{0}, top.ParentCandidates(2))
}

func TestRouter(t *testing.T) {
	top := sample(t)

	root := NewRouter(0)
	root.Rebuild(top)
	assert.Equal(t, map[Rank]Rank{1: 1, 2: 1, 3: 1, 4: 4, 5: 4}, root.Routes())
	assert.Equal(t, RouteResult{Local: true, Found: true}, root.Route(0))
	assert.Equal(t, RouteResult{Outlet: 4, Found: true}, root.Route(5))
	assert.False(t, root.Route(99).Found)

	groups, missing := root.Partition([]Rank{2, 5, 3, 99, 0})
	assert.Equal(t, map[Rank][]Rank{1: {2, 3}, 4: {5}, 0: {0}}, groups)
	assert.Equal(t, []Rank{99}, missing)
	assert.Equal(t, []Rank{1, 4}, root.Outlets([]Rank{5, 3, 2}))

	relay := NewRouter(1)
	relay.Rebuild(top)
	assert.Equal(t, map[Rank]Rank{2: 2, 3: 3}, relay.Routes())

	_, err := top.RemoveNode(1)
	require.NoError(t, err)
	root.Rebuild(top)
	assert.Equal(t, map[Rank]Rank{4: 4, 5: 4}, root.Routes(), "orphans are unroutable")
}
