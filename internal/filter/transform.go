package filter

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/10yihang/treenet/internal/packet"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

func builtins() []Binding {
	return []Binding{
		{ID: TFilterNull, Name: "null", Kind: KindTransform},
		{ID: TFilterSum, Name: "sum", Kind: KindTransform, Func: reduceScalar(opSum)},
		{ID: TFilterAvg, Name: "avg", Kind: KindTransform, Func: average},
		{ID: TFilterMin, Name: "min", Kind: KindTransform, Func: reduceScalar(opMin)},
		{ID: TFilterMax, Name: "max", Kind: KindTransform, Func: reduceScalar(opMax)},
		{ID: TFilterArrayConcat, Name: "array_concat", Kind: KindTransform, Func: arrayConcat},
		{ID: TFilterIntEqClass, Name: "int_eq_class", Kind: KindTransform, Func: intEqClass, Format: IntEqClassFormat},
		{ID: TFilterPerfData, Name: "perfdata", Kind: KindTransform, Func: perfData},
		{ID: TFilterTopoUpdate, Name: "topo_update", Kind: KindTransform, Func: topoUpdateUpstream},
		{ID: TFilterTopoUpdateDownstream, Name: "topo_update_downstream", Kind: KindTransform, Func: topoUpdateDownstream},
		{ID: SFilterWaitForAll, Name: "wait_for_all", Kind: KindSync, Func: waitForAll},
		{ID: SFilterDontWait, Name: "dont_wait", Kind: KindSync},
		{ID: SFilterTimeOut, Name: "timeout", Kind: KindSync, Func: timeOut},
	}
}

// IntEqClassFormat is values, member counts, members.
const IntEqClassFormat = "%aud %aud %aud"

// num accumulates one numeric scalar in the widest Go type of its kind.
type num struct {
	kind packet.Kind
	i    int64
	u    uint64
	f    float64
}

func numOf(e packet.Element) (num, bool) {
	n := num{kind: e.Kind}
	switch {
	case e.Shape != packet.ShapeScalar || !e.Kind.IsNumeric():
		return n, false
	case e.Kind.IsFloat():
		n.f, _ = e.Float64()
	case e.Kind.IsUnsigned():
		n.u, _ = e.Uint64()
	default:
		n.i, _ = e.Int64()
	}
	return n, true
}

func (n num) less(o num) bool {
	switch {
	case n.kind.IsFloat():
		return n.f < o.f
	case n.kind.IsUnsigned():
		return n.u < o.u
	}
	return n.i < o.i
}

func (n num) add(o num) num {
	n.i += o.i
	n.u += o.u
	n.f += o.f
	return n
}

func (n num) mul(k int64) num {
	n.i *= k
	n.u *= uint64(k)
	n.f *= float64(k)
	return n
}

// div divides by k. Dividing by zero yields zero of n's kind.
func (n num) div(k int64) num {
	if k == 0 {
		return num{kind: n.kind}
	}
	n.i /= k
	n.u /= uint64(k)
	n.f /= float64(k)
	return n
}

// element narrows n back to its kind, wrapping like a fixed-width integer.
func (n num) element() packet.Element {
	switch n.kind {
	case packet.KindChar:
		return packet.Char(int8(n.i))
	case packet.KindUChar:
		return packet.UChar(uint8(n.u))
	case packet.KindInt16:
		return packet.Int16(int16(n.i))
	case packet.KindUInt16:
		return packet.UInt16(uint16(n.u))
	case packet.KindInt32:
		return packet.Int32(int32(n.i))
	case packet.KindUInt32:
		return packet.UInt32(uint32(n.u))
	case packet.KindInt64:
		return packet.Int64(n.i)
	case packet.KindUInt64:
		return packet.UInt64(n.u)
	case packet.KindFloat32:
		return packet.Float32(float32(n.f))
	default:
		return packet.Float64(n.f)
	}
}

type scalarOp func(acc, v num) num

func opSum(acc, v num) num { return acc.add(v) }

func opMin(acc, v num) num {
	if v.less(acc) {
		return v
	}
	return acc
}

func opMax(acc, v num) num {
	if acc.less(v) {
		return v
	}
	return acc
}

// reduceScalar folds the single numeric element of every input packet.
func reduceScalar(op scalarOp) Func {
	return func(ctx *Context, in []*packet.Packet) (Output, error) {
		var acc num
		for i, p := range in {
			elems, err := p.Elements()
			if err != nil {
				return Output{}, err
			}
			if len(elems) != 1 {
				return Output{}, fmt.Errorf("%w: %q is not a single scalar", terrors.ErrFilterFormat, p.Format())
			}
			v, ok := numOf(elems[0])
			if !ok {
				return Output{}, fmt.Errorf("%w: %q is not numeric", terrors.ErrFilterFormat, p.Format())
			}
			if i == 0 {
				acc = v
				continue
			}
			acc = op(acc, v)
		}
		out, err := packet.FromElements(in[0].StreamID(), in[0].Tag(), in[0].Format(), []packet.Element{acc.element()})
		if err != nil {
			return Output{}, err
		}
		return Output{Packets: []*packet.Packet{out}}, nil
	}
}

// average combines (value, count) pairs into their weighted mean and the
// total count.
func average(ctx *Context, in []*packet.Packet) (Output, error) {
	var (
		sum   num
		total int64
	)
	for i, p := range in {
		elems, err := p.Elements()
		if err != nil {
			return Output{}, err
		}
		if len(elems) != 2 || elems[1].Kind != packet.KindInt32 || elems[1].Shape != packet.ShapeScalar {
			return Output{}, fmt.Errorf("%w: avg wants \"%%X %%d\", got %q", terrors.ErrFilterFormat, p.Format())
		}
		v, ok := numOf(elems[0])
		if !ok {
			return Output{}, fmt.Errorf("%w: %q is not numeric", terrors.ErrFilterFormat, p.Format())
		}
		cnt, _ := elems[1].Int64()
		if i == 0 {
			sum = num{kind: v.kind}
		}
		sum = sum.add(v.mul(cnt))
		total += cnt
	}
	out, err := packet.FromElements(in[0].StreamID(), in[0].Tag(), in[0].Format(),
		[]packet.Element{sum.div(total).element(), packet.Int32(int32(total))})
	if err != nil {
		return Output{}, err
	}
	return Output{Packets: []*packet.Packet{out}}, nil
}

// arrayConcat joins the single array element of every input packet.
func arrayConcat(ctx *Context, in []*packet.Packet) (Output, error) {
	var joined reflect.Value
	var first packet.Element
	for i, p := range in {
		elems, err := p.Elements()
		if err != nil {
			return Output{}, err
		}
		if len(elems) != 1 || elems[0].Shape == packet.ShapeScalar {
			return Output{}, fmt.Errorf("%w: %q is not a single array", terrors.ErrFilterFormat, p.Format())
		}
		v := reflect.ValueOf(elems[0].Value)
		if i == 0 {
			first = elems[0]
			joined = reflect.MakeSlice(v.Type(), 0, v.Len()*len(in))
		}
		joined = reflect.AppendSlice(joined, v)
	}
	el := packet.Element{Kind: first.Kind, Shape: first.Shape, Value: joined.Interface()}
	out, err := packet.FromElements(in[0].StreamID(), in[0].Tag(), in[0].Format(), []packet.Element{el})
	if err != nil {
		return Output{}, err
	}
	return Output{Packets: []*packet.Packet{out}}, nil
}

// intEqClass merges equivalence classes keyed by value. Output values are
// ascending and members are sorted within each class.
func intEqClass(ctx *Context, in []*packet.Packet) (Output, error) {
	classes := make(map[uint32][]uint32)
	for _, p := range in {
		var vals, counts, mems []uint32
		if err := p.Scan(IntEqClassFormat, &vals, &counts, &mems); err != nil {
			return Output{}, err
		}
		if len(vals) != len(counts) {
			return Output{}, fmt.Errorf("%w: %d values but %d counts", terrors.ErrFilterFormat, len(vals), len(counts))
		}
		off := 0
		for j, v := range vals {
			n := int(counts[j])
			if off+n > len(mems) {
				return Output{}, fmt.Errorf("%w: class %d overruns members", terrors.ErrFilterFormat, v)
			}
			classes[v] = append(classes[v], mems[off:off+n]...)
			off += n
		}
	}

	values := make([]uint32, 0, len(classes))
	for v := range classes {
		values = append(values, v)
	}
	slices.Sort(values)
	counts := make([]uint32, len(values))
	var members []uint32
	for i, v := range values {
		m := classes[v]
		slices.Sort(m)
		counts[i] = uint32(len(m))
		members = append(members, m...)
	}
	if members == nil {
		members = []uint32{}
	}
	out, err := packet.New(in[0].StreamID(), in[0].Tag(), IntEqClassFormat, values, counts, members)
	if err != nil {
		return Output{}, err
	}
	return Output{Packets: []*packet.Packet{out}}, nil
}
