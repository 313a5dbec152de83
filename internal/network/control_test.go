package network

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/treenet/internal/event"
	"github.com/10yihang/treenet/internal/filter"
	"github.com/10yihang/treenet/internal/packet"
)

func TestHeteroSpec(t *testing.T) {
	hs, err := parseHeteroSpec(" 101=3,1; 100=2 ;", filter.TFilterNull)
	require.NoError(t, err)

	assert.Equal(t, filter.ID(101), hs.at(1))
	assert.Equal(t, filter.ID(100), hs.at(2))
	assert.Equal(t, filter.ID(101), hs.at(3))
	assert.Equal(t, filter.TFilterNull, hs.at(9))
	assert.Equal(t, "100=2;101=1,3", hs.String())

	again, err := parseHeteroSpec(hs.String(), filter.TFilterNull)
	require.NoError(t, err)
	assert.Equal(t, hs.String(), again.String())
}

func TestHeteroSpec_Empty(t *testing.T) {
	hs, err := parseHeteroSpec("", filter.SFilterWaitForAll)
	require.NoError(t, err)
	assert.Equal(t, filter.SFilterWaitForAll, hs.at(0))
	assert.Equal(t, "", hs.String())
}

func TestHeteroSpec_Malformed(t *testing.T) {
	for _, s := range []string{"101", "sum=1", "101=one", "70000=1"} {
		_, err := parseHeteroSpec(s, filter.TFilterNull)
		assert.Error(t, err, s)
	}
}

func TestFilterParamsPacket_RoundTrip(t *testing.T) {
	const id = packet.UserStreamBase + 3
	params := packet.MustNew(id, packet.TagSetFilterParamsUpstreamSync, "%d %s", 250, "ms")

	ctl, err := filterParamsPacket(packet.TagSetFilterParamsUpstreamSync, id, params)
	require.NoError(t, err)
	assert.Equal(t, packet.ControlStreamID, ctl.StreamID())

	got, back, err := parseFilterParams(ctl)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, "%d %s", back.Format())
	assert.Equal(t, packet.TagSetFilterParamsUpstreamSync, back.Tag())

	var ms int
	var unit string
	require.NoError(t, back.Scan("%d %s", &ms, &unit))
	assert.Equal(t, 250, ms)
	assert.Equal(t, "ms", unit)
}

func TestParseFilterParams_TooShort(t *testing.T) {
	p := packet.MustNew(packet.ControlStreamID, packet.TagSetFilterParamsDownstream, "%ud", uint32(1))
	_, _, err := parseFilterParams(p)
	assert.Error(t, err)
}

func TestFilterReport(t *testing.T) {
	var child filterReport
	child.local(3, "node-c", errors.New("no symbol"))
	child.failures = append(child.failures, failureLine(4, "node-d", "no file"))
	rpt, err := child.packet(101, "node-b")
	require.NoError(t, err)

	ok, err := (&filterReport{}).packet(101, "node-e")
	require.NoError(t, err)

	var fr filterReport
	fr.local(0, "fe", nil)
	fr.merge(map[packet.Rank]*packet.Packet{1: rpt, 2: ok, 5: nil}, nil, 0, "fe")

	want := []string{"3\tnode-c\tno symbol", "4\tnode-d\tno file"}
	if diff := cmp.Diff(want, fr.failures); diff != "" {
		t.Fatalf("failures mismatch (-want +got):\n%s", diff)
	}

	var id uint16
	var typ int
	var host, detail string
	require.NoError(t, rpt.Scan(eventFormat, &id, &typ, &host, &detail))
	assert.Equal(t, uint16(101), id)
	assert.Equal(t, event.TypeFilterLoadFailure, event.Type(typ))
	assert.Equal(t, "node-b", host)
}

func TestFilterReport_WaitErrorCountsAgainstWaiter(t *testing.T) {
	var fr filterReport
	fr.merge(nil, errors.New("timed out"), 2, "relay")
	require.Len(t, fr.failures, 1)

	r, host, msg := splitFailure(fr.failures[0])
	assert.Equal(t, packet.Rank(2), r)
	assert.Equal(t, "relay", host)
	assert.Equal(t, "timed out", msg)
}

func TestSplitFailure(t *testing.T) {
	r, host, msg := splitFailure("7\tnode-h\tload failed: x\ty")
	assert.Equal(t, packet.Rank(7), r)
	assert.Equal(t, "node-h", host)
	assert.Equal(t, "load failed: x\ty", msg)

	r, host, msg = splitFailure("garbage")
	assert.Equal(t, packet.UnknownRank, r)
	assert.Equal(t, "", host)
	assert.Equal(t, "garbage", msg)
}

func TestStreamPacket_RoundTrip(t *testing.T) {
	sp := streamSpec{
		id:        packet.UserStreamBase + 1,
		endpoints: []packet.Rank{3, 4},
		up:        filter.TFilterSum,
		sync:      filter.SFilterTimeOut,
		down:      filter.TFilterNull,
	}
	p, err := streamPacket(packet.TagNewInternalStream, sp)
	require.NoError(t, err)

	got, err := parseStreamPacket(p)
	require.NoError(t, err)
	sp.internal = true
	assert.Equal(t, sp, got)
}
