package perfdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_EnableAndCollect(t *testing.T) {
	m := NewManager()

	m.Count(NumPackets, CtxSend, 1)
	assert.Empty(t, m.Series(NumPackets, CtxSend), "disabled metrics record nothing")

	m.Enable(NumPackets, CtxSend)
	m.Enable(ElapsedSec, CtxFilterOut)
	assert.True(t, m.Enabled(NumPackets, CtxSend))
	assert.False(t, m.Enabled(NumPackets, CtxRecv))

	m.Count(NumPackets, CtxSend, 2)
	m.Count(NumPackets, CtxSend, 3)
	m.Add(ElapsedSec, CtxFilterOut, Datum{F: 0.5})
	m.Add(ElapsedSec, CtxFilterOut, Datum{F: 1.5})

	assert.Equal(t, []Datum{{U: 5}}, m.Collect(NumPackets, CtxSend))
	assert.Empty(t, m.Collect(NumPackets, CtxSend), "collect clears")
	assert.Equal(t, []Datum{{F: 0.5}, {F: 1.5}}, m.Collect(ElapsedSec, CtxFilterOut))

	m.Disable(NumPackets, CtxSend)
	assert.False(t, m.Enabled(NumPackets, CtxSend))
	assert.False(t, m.Enabled(Metric(99), CtxSend))
}

func TestMetric_Names(t *testing.T) {
	assert.Equal(t, "NumBytes", NumBytes.String())
	assert.Equal(t, TypeFloat, MemPhysKB.Type())
	assert.Equal(t, "%ad %ad %auld", NumPackets.Format())
	assert.Equal(t, "%ad %ad %alf", ElapsedSec.Format())

	m, ok := ParseMetric("CPU-User")
	require.True(t, ok)
	assert.Equal(t, CPUUsrPct, m)
	c, ok := ParseContext("FilterIn")
	require.True(t, ok)
	assert.Equal(t, CtxFilterIn, c)
	_, ok = ParseMetric("bogus")
	assert.False(t, ok)
}

func TestSplit(t *testing.T) {
	res, err := Split(NumBytes, []int32{3, 4}, []int32{2, 1}, []uint64{10, 11, 12})
	require.NoError(t, err)
	assert.Equal(t, Results{3: {{U: 10}, {U: 11}}, 4: {{U: 12}}}, res)

	_, err = Split(NumBytes, []int32{3}, []int32{5}, []uint64{1})
	assert.Error(t, err)
	_, err = Split(NumBytes, []int32{3}, []int32{1}, []string{"x"})
	assert.Error(t, err)
}

func TestArchive_PutQuery(t *testing.T) {
	a, err := OpenArchive(t.TempDir())
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	t0 := time.Unix(1700000000, 0)
	require.NoError(t, a.Put(ctx, 1073741834, NumPackets, CtxSend,
		Results{2: {{U: 4}}, 3: {{U: 6}}}, t0))
	require.NoError(t, a.Put(ctx, 1073741834, NumPackets, CtxSend,
		Results{-2: {{U: 20}}}, t0.Add(time.Second)))
	require.NoError(t, a.Put(ctx, 1073741834, NumBytes, CtxSend,
		Results{2: {{U: 100}}}, t0))

	recs, err := a.Query(ctx, 1073741834, NumPackets, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int32(-2), recs[0].Rank, "newest first")
	assert.Equal(t, int32(2), recs[1].Rank)
	assert.Equal(t, []Datum{{U: 6}}, recs[2].Values)

	recs, err = a.Query(ctx, 1073741834, NumPackets, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	n, err := a.Len()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestArchive_InMemory(t *testing.T) {
	a, err := OpenArchive("")
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Put(context.Background(), 7, ElapsedSec, CtxFilterOut,
		Results{1: {{F: 0.25}}}, time.Now()))
	recs, err := a.Query(context.Background(), 7, ElapsedSec, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.25, recs[0].Values[0].F, 1e-9)
}

func TestManager_SampleCPU(t *testing.T) {
	m := NewManager()
	m.SampleCPU()
	assert.Empty(t, m.Series(CPUUsrPct, CtxNone))

	m.Enable(CPUUsrPct, CtxNone)
	time.Sleep(5 * time.Millisecond)
	m.SampleCPU()
	got := m.Series(CPUUsrPct, CtxNone)
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, got[0].F, 0.0)
	assert.Empty(t, m.Series(CPUSysPct, CtxNone), "sys not enabled")
}
