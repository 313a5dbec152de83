package packet

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/10yihang/treenet/pkg/errors"
)

func TestParseSchema(t *testing.T) {
	s, err := ParseSchema("%d %aud\t%As%uhd")
	require.NoError(t, err)
	require.Equal(t, 4, s.Len())
	assert.Equal(t, Field{Kind: KindInt32}, s.Field(0))
	assert.Equal(t, Field{Kind: KindUInt32, Shape: ShapeArray}, s.Field(1))
	assert.Equal(t, Field{Kind: KindString, Shape: ShapeLargeArray}, s.Field(2))
	assert.Equal(t, Field{Kind: KindUInt16}, s.Field(3))

	again, err := ParseSchema("%d %aud\t%As%uhd")
	require.NoError(t, err)
	assert.Same(t, s, again)

	_, err = ParseSchema("%d %q")
	assert.ErrorIs(t, err, terrors.ErrFormatString)

	empty, err := ParseSchema("")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}

func TestRoundTrip_AllTokens(t *testing.T) {
	tests := []struct {
		format string
		values []any
	}{
		{"%c %uc", []any{int8(-3), uint8(250)}},
		{"%hd %uhd", []any{int16(-1234), uint16(65000)}},
		{"%d %ud", []any{int32(-7), uint32(4000000000)}},
		{"%ld %uld", []any{int64(-1) << 40, uint64(1) << 63}},
		{"%f %lf", []any{float32(1.5), 2.25}},
		{"%s %s", []any{"hello", ""}},
		{"%ac %auc", []any{[]int8{-1, 2}, []uint8{1, 2, 3}}},
		{"%ahd %auhd", []any{[]int16{-5, 6}, []uint16{7}}},
		{"%ad %aud", []any{[]int32{1, -2, 3}, []uint32{}}},
		{"%ald %auld", []any{[]int64{1 << 50}, []uint64{9}}},
		{"%af %alf", []any{[]float32{0.5}, []float64{1.25, -3}}},
		{"%as", []any{[]string{"a", "", "bc"}}},
		{"%Ad %As %Auc", []any{[]int32{10, 20}, []string{"x"}, []uint8{0xff}}},
		{"", nil},
	}

	for _, order := range []ByteOrder{LittleEndian, BigEndian} {
		for _, tt := range tests {
			t.Run(order.String()+"/"+tt.format, func(t *testing.T) {
				p, err := New(UserStreamBase, FirstApplicationTag, tt.format, tt.values...)
				require.NoError(t, err)
				p.order = order
				p.hdr = p.encodeHeader()
				want, err := p.Elements()
				require.NoError(t, err)

				hdr, body, err := p.Wire()
				require.NoError(t, err)
				got, err := Decode(hdr, body)
				require.NoError(t, err)

				assert.Equal(t, order, got.ByteOrder())
				assert.Equal(t, tt.format, got.Format())
				elems, err := got.Unpack(tt.format)
				require.NoError(t, err)
				require.Len(t, elems, len(want))
				for i := range want {
					assert.True(t, want[i].Equal(elems[i]), "element %d: %v != %v", i, want[i], elems[i])
				}
			})
		}
	}
}

func TestDecode_Header(t *testing.T) {
	p := MustNew(42, TagNewStream, "%d", 7)
	p.SetSourceRank(3)
	p.SetDestinations([]Rank{5, 6})

	hdr, body, err := p.Wire()
	require.NoError(t, err)
	got, err := Decode(hdr, body)
	require.NoError(t, err)

	assert.Equal(t, uint32(42), got.StreamID())
	assert.Equal(t, TagNewStream, got.Tag())
	assert.Equal(t, Rank(3), got.SourceRank())
	assert.Equal(t, []Rank{5, 6}, got.Destinations())
	assert.Equal(t, UnknownRank, got.InletRank())
	assert.Equal(t, byte(HostByteOrder), hdr[len(hdr)-1])
}

func TestUnpack_FormatMismatch(t *testing.T) {
	p := MustNew(1, FirstApplicationTag, "%d %d", 1, 2)
	_, err := p.Unpack("%d")
	assert.ErrorIs(t, err, terrors.ErrFormatMismatch)
	assert.ErrorIs(t, err, terrors.ErrFormatString)

	var a, b int32
	assert.Error(t, p.Scan("%d  %d", &a, &b))
	require.NoError(t, p.Scan("%d %d", &a, &b))
	assert.Equal(t, int32(1), a)
	assert.Equal(t, int32(2), b)
}

func TestNew_RejectsBadValues(t *testing.T) {
	_, err := New(1, 100, "%d", "x")
	assert.ErrorIs(t, err, terrors.ErrPacking)

	_, err = New(1, 100, "%uc", 300)
	assert.ErrorIs(t, err, terrors.ErrPacking)

	_, err = New(1, 100, "%d %d", 1)
	assert.ErrorIs(t, err, terrors.ErrPacking)

	_, err = New(1, 100, "%ad", []uint32{1})
	assert.ErrorIs(t, err, terrors.ErrPacking)
}

func TestScan_Conversions(t *testing.T) {
	p := MustNew(1, 100, "%ud %aud %s %uhd %d", Rank(9), []Rank{1, 2}, "host", Port(8080), 5)
	var (
		r    Rank
		rs   []Rank
		host string
		port Port
		n    int
	)
	require.NoError(t, p.Scan(p.Format(), &r, &rs, &host, &port, &n))
	assert.Equal(t, Rank(9), r)
	assert.Equal(t, []Rank{1, 2}, rs)
	assert.Equal(t, "host", host)
	assert.Equal(t, Port(8080), port)
	assert.Equal(t, 5, n)

	var wrong float64
	assert.Error(t, p.Scan(p.Format(), &r, &rs, &host, &port, &wrong))
}

func TestDecode_Corrupt(t *testing.T) {
	p := MustNew(1, 100, "%ad", []int32{1, 2, 3})
	hdr, body, err := p.Wire()
	require.NoError(t, err)

	got, err := Decode(hdr, body[:len(body)-2])
	require.NoError(t, err, "body is decoded lazily")
	_, err = got.Elements()
	assert.ErrorIs(t, err, terrors.ErrPacking)

	bad := append([]byte(nil), hdr...)
	bad[len(bad)-1] = 7
	_, err = Decode(bad, body)
	assert.ErrorIs(t, err, terrors.ErrPacking)

	_, err = Decode(nil, body)
	assert.Error(t, err)
}

func TestBatch_RoundTrip(t *testing.T) {
	pkts := []*Packet{
		MustNew(1, 100, "%d", 1),
		MustNew(2, TagNewStream, "%s %aud", "x", []uint32{4, 5}),
		MustNew(3, 101, ""),
	}

	var buf bytes.Buffer
	n, err := WriteBatch(&buf, pkts)
	require.NoError(t, err)
	assert.Equal(t, buf.Len(), n)

	got, read, err := ReadBatch(&buf, DefaultMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, n, read)
	require.Len(t, got, 3)
	for i := range pkts {
		assert.Equal(t, pkts[i].StreamID(), got[i].StreamID())
		assert.Equal(t, pkts[i].Tag(), got[i].Tag())
		want, _ := pkts[i].Elements()
		have, err := got[i].Elements()
		require.NoError(t, err)
		require.Len(t, have, len(want))
	}
}

func TestReadFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))
	_, err := ReadFrame(&buf, 10)
	assert.ErrorIs(t, err, terrors.ErrPacking)
}

func TestTag_String(t *testing.T) {
	assert.Equal(t, "LAUNCH_SUBTREE", TagLaunchSubtree.String())
	assert.Equal(t, "KILL_SELF", TagKillSelf.String())
	assert.Equal(t, "TAG(100)", FirstApplicationTag.String())
	assert.True(t, TagTopoUpdate.IsControl())
	assert.False(t, FirstApplicationTag.IsControl())
	assert.True(t, IsInternalStream(TopologyStreamID))
	assert.False(t, IsInternalStream(UserStreamBase))
}

func TestParseSchema_CacheIsBounded(t *testing.T) {
	for i := 0; i < maxCachedSchemas+64; i++ {
		format := "%d" + strings.Repeat(" ", i+1) + "%s"
		s, err := ParseSchema(format)
		require.NoError(t, err)
		assert.Equal(t, 2, s.Len())
		assert.Equal(t, format, s.Format())
	}
	assert.LessOrEqual(t, schemaCount.Load(), int64(maxCachedSchemas))

	n := 0
	schemaCache.Range(func(_, _ any) bool { n++; return true })
	assert.LessOrEqual(t, n, maxCachedSchemas)
}
