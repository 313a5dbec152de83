package packet

import (
	"encoding/binary"
	"fmt"
	"math"

	terrors "github.com/10yihang/treenet/pkg/errors"
)

// encoder appends fixed-width values in a chosen byte order.
type encoder struct {
	buf   []byte
	order binary.AppendByteOrder
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = e.order.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = e.order.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = e.order.AppendUint64(e.buf, v) }

// str writes a string as its length including a trailing NUL, then the bytes
// and the NUL.
func (e *encoder) str(s string) {
	e.u32(uint32(len(s) + 1))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func (e *encoder) count(shape Shape, n int) {
	if shape == ShapeLargeArray {
		e.u64(uint64(n))
		return
	}
	e.u32(uint32(n))
}

func (e *encoder) element(el Element) error {
	if el.Shape != ShapeScalar {
		return e.array(el)
	}
	switch v := el.Value.(type) {
	case int8:
		e.u8(uint8(v))
	case uint8:
		e.u8(v)
	case int16:
		e.u16(uint16(v))
	case uint16:
		e.u16(v)
	case int32:
		e.u32(uint32(v))
	case uint32:
		e.u32(v)
	case int64:
		e.u64(uint64(v))
	case uint64:
		e.u64(v)
	case float32:
		e.u32(math.Float32bits(v))
	case float64:
		e.u64(math.Float64bits(v))
	case string:
		e.str(v)
	default:
		return fmt.Errorf("cannot encode scalar %T", el.Value)
	}
	return nil
}

func (e *encoder) array(el Element) error {
	e.count(el.Shape, el.Len())
	switch v := el.Value.(type) {
	case []int8:
		for _, x := range v {
			e.u8(uint8(x))
		}
	case []uint8:
		e.buf = append(e.buf, v...)
	case []int16:
		for _, x := range v {
			e.u16(uint16(x))
		}
	case []uint16:
		for _, x := range v {
			e.u16(x)
		}
	case []int32:
		for _, x := range v {
			e.u32(uint32(x))
		}
	case []uint32:
		for _, x := range v {
			e.u32(x)
		}
	case []int64:
		for _, x := range v {
			e.u64(uint64(x))
		}
	case []uint64:
		for _, x := range v {
			e.u64(x)
		}
	case []float32:
		for _, x := range v {
			e.u32(math.Float32bits(x))
		}
	case []float64:
		for _, x := range v {
			e.u64(math.Float64bits(x))
		}
	case []string:
		for _, x := range v {
			e.str(x)
		}
	default:
		return fmt.Errorf("cannot encode array %T", el.Value)
	}
	return nil
}

// decoder reads fixed-width values, failing once on a short buffer.
type decoder struct {
	buf   []byte
	off   int
	order binary.ByteOrder
	err   error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.buf) {
		d.err = fmt.Errorf("short buffer: need %d bytes at offset %d of %d", n, d.off, len(d.buf))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return d.order.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return d.order.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return d.order.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	n := d.u32()
	if n == 0 {
		return ""
	}
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	if b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// count reads an array length and rejects counts the remaining buffer cannot
// hold, so a corrupt count never triggers a huge allocation.
func (d *decoder) count(shape Shape, width int) int {
	var n uint64
	if shape == ShapeLargeArray {
		n = d.u64()
	} else {
		n = uint64(d.u32())
	}
	if d.err != nil {
		return 0
	}
	if width > 0 && n > uint64(len(d.buf)-d.off)/uint64(width) {
		d.err = fmt.Errorf("array count %d exceeds remaining %d bytes", n, len(d.buf)-d.off)
		return 0
	}
	return int(n)
}

func kindWidth(k Kind) int {
	switch k {
	case KindChar, KindUChar:
		return 1
	case KindInt16, KindUInt16:
		return 2
	case KindInt32, KindUInt32, KindFloat32:
		return 4
	case KindInt64, KindUInt64, KindFloat64:
		return 8
	case KindString:
		return 4
	}
	return 0
}

func (d *decoder) element(f Field) Element {
	if f.Shape != ShapeScalar {
		return d.array(f)
	}
	var v any
	switch f.Kind {
	case KindChar:
		v = int8(d.u8())
	case KindUChar:
		v = d.u8()
	case KindInt16:
		v = int16(d.u16())
	case KindUInt16:
		v = d.u16()
	case KindInt32:
		v = int32(d.u32())
	case KindUInt32:
		v = d.u32()
	case KindInt64:
		v = int64(d.u64())
	case KindUInt64:
		v = d.u64()
	case KindFloat32:
		v = math.Float32frombits(d.u32())
	case KindFloat64:
		v = math.Float64frombits(d.u64())
	case KindString:
		v = d.str()
	}
	return Element{Kind: f.Kind, Value: v}
}

func (d *decoder) array(f Field) Element {
	n := d.count(f.Shape, kindWidth(f.Kind))
	var v any
	switch f.Kind {
	case KindChar:
		out := make([]int8, n)
		for i := range out {
			out[i] = int8(d.u8())
		}
		v = out
	case KindUChar:
		out := make([]uint8, n)
		copy(out, d.take(n))
		v = out
	case KindInt16:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(d.u16())
		}
		v = out
	case KindUInt16:
		out := make([]uint16, n)
		for i := range out {
			out[i] = d.u16()
		}
		v = out
	case KindInt32:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(d.u32())
		}
		v = out
	case KindUInt32:
		out := make([]uint32, n)
		for i := range out {
			out[i] = d.u32()
		}
		v = out
	case KindInt64:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(d.u64())
		}
		v = out
	case KindUInt64:
		out := make([]uint64, n)
		for i := range out {
			out[i] = d.u64()
		}
		v = out
	case KindFloat32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(d.u32())
		}
		v = out
	case KindFloat64:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(d.u64())
		}
		v = out
	case KindString:
		out := make([]string, n)
		for i := range out {
			out[i] = d.str()
		}
		v = out
	}
	return Element{Kind: f.Kind, Shape: f.Shape, Value: v}
}

// encodeBody encodes elems in order.
func encodeBody(elems []Element, order ByteOrder) ([]byte, error) {
	e := &encoder{order: order.appender()}
	for i, el := range elems {
		if err := e.element(el); err != nil {
			return nil, terrors.Newf(terrors.CodePacking, "packet.encodeBody", "element %d: %v", i, err)
		}
	}
	return e.buf, nil
}

// decodeBody decodes buf according to schema.
func decodeBody(buf []byte, s *Schema, order ByteOrder) ([]Element, error) {
	d := &decoder{buf: buf, order: order.binary()}
	elems := make([]Element, s.Len())
	for i := range elems {
		elems[i] = d.element(s.Field(i))
		if d.err != nil {
			return nil, terrors.Newf(terrors.CodePacking, "packet.decodeBody",
				"element %d (%%%s): %v", i, s.Field(i).Token(), d.err)
		}
	}
	if d.off != len(buf) {
		return nil, terrors.Newf(terrors.CodePacking, "packet.decodeBody",
			"%d trailing bytes after format %q", len(buf)-d.off, s.Format())
	}
	return elems, nil
}
