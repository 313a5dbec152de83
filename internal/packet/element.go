package packet

import (
	"fmt"
	"math"
	"reflect"
)

// Kind is the primitive type of a data element.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindChar
	KindUChar
	KindInt16
	KindUInt16
	KindInt32
	KindUInt32
	KindInt64
	KindUInt64
	KindFloat32
	KindFloat64
	KindString
)

var kindTokens = [...]string{
	KindInvalid: "",
	KindChar:    "c",
	KindUChar:   "uc",
	KindInt16:   "hd",
	KindUInt16:  "uhd",
	KindInt32:   "d",
	KindUInt32:  "ud",
	KindInt64:   "ld",
	KindUInt64:  "uld",
	KindFloat32: "f",
	KindFloat64: "lf",
	KindString:  "s",
}

func (k Kind) String() string {
	if int(k) < len(kindTokens) && k != KindInvalid {
		return kindTokens[k]
	}
	return "invalid"
}

// IsSigned reports whether k is a signed integer kind.
func (k Kind) IsSigned() bool {
	return k == KindChar || k == KindInt16 || k == KindInt32 || k == KindInt64
}

// IsUnsigned reports whether k is an unsigned integer kind.
func (k Kind) IsUnsigned() bool {
	return k == KindUChar || k == KindUInt16 || k == KindUInt32 || k == KindUInt64
}

// IsFloat reports whether k is a floating point kind.
func (k Kind) IsFloat() bool {
	return k == KindFloat32 || k == KindFloat64
}

// IsNumeric reports whether k supports arithmetic.
func (k Kind) IsNumeric() bool {
	return k.IsSigned() || k.IsUnsigned() || k.IsFloat()
}

// Shape distinguishes scalars from arrays. Arrays and large arrays differ only
// in the width of the count on the wire.
type Shape uint8

const (
	ShapeScalar Shape = iota
	ShapeArray
	ShapeLargeArray
)

// Element is one typed value of a packet body. Value holds the Go
// representation:
//
//	c int8, uc uint8, hd int16, uhd uint16, d int32, ud uint32,
//	ld int64, uld uint64, f float32, lf float64, s string
//
// and the matching slice type for arrays. The element owns its slice; decoded
// arrays never alias the wire buffer.
type Element struct {
	Kind  Kind
	Shape Shape
	Value any
}

// Token returns the format token describing e, without the leading '%'.
func (e Element) Token() string {
	return Field{Kind: e.Kind, Shape: e.Shape}.Token()
}

func (e Element) String() string {
	return fmt.Sprintf("%%%s(%v)", e.Token(), e.Value)
}

// Len returns the element count of an array element and 1 for scalars.
func (e Element) Len() int {
	if e.Shape == ShapeScalar {
		return 1
	}
	switch v := e.Value.(type) {
	case []int8:
		return len(v)
	case []uint8:
		return len(v)
	case []int16:
		return len(v)
	case []uint16:
		return len(v)
	case []int32:
		return len(v)
	case []uint32:
		return len(v)
	case []int64:
		return len(v)
	case []uint64:
		return len(v)
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	case []string:
		return len(v)
	}
	return 0
}

// Int64 returns a signed scalar widened to int64.
func (e Element) Int64() (int64, bool) {
	switch v := e.Value.(type) {
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}

// Uint64 returns an unsigned scalar widened to uint64.
func (e Element) Uint64() (uint64, bool) {
	switch v := e.Value.(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	}
	if i, ok := e.Int64(); ok && i >= 0 {
		return uint64(i), true
	}
	return 0, false
}

// Float64 returns any numeric scalar as float64.
func (e Element) Float64() (float64, bool) {
	switch v := e.Value.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case uint64:
		return float64(v), true
	}
	if i, ok := e.Int64(); ok {
		return float64(i), true
	}
	return 0, false
}

// Str returns a string scalar.
func (e Element) Str() (string, bool) {
	s, ok := e.Value.(string)
	return s, ok
}

// Scalar constructors.

func Char(v int8) Element { return Element{Kind: KindChar, Value: v} }
func UChar(v uint8) Element { return Element{Kind: KindUChar, Value: v} }
func Int16(v int16) Element { return Element{Kind: KindInt16, Value: v} }
func UInt16(v uint16) Element { return Element{Kind: KindUInt16, Value: v} }
func Int32(v int32) Element { return Element{Kind: KindInt32, Value: v} }
func UInt32(v uint32) Element { return Element{Kind: KindUInt32, Value: v} }
func Int64(v int64) Element { return Element{Kind: KindInt64, Value: v} }
func UInt64(v uint64) Element { return Element{Kind: KindUInt64, Value: v} }
func Float32(v float32) Element { return Element{Kind: KindFloat32, Value: v} }
func Float64(v float64) Element { return Element{Kind: KindFloat64, Value: v} }
func String(v string) Element { return Element{Kind: KindString, Value: v} }

// Array wraps a typed slice as an array element. The slice is copied.
func Array(v any) (Element, error) {
	return arrayOf(ShapeArray, v)
}

// LargeArray wraps a typed slice as a large array element. The slice is copied.
func LargeArray(v any) (Element, error) {
	return arrayOf(ShapeLargeArray, v)
}

func arrayOf(shape Shape, v any) (Element, error) {
	var kind Kind
	var cp any
	switch s := v.(type) {
	case []int8:
		kind, cp = KindChar, append([]int8(nil), s...)
	case []uint8:
		kind, cp = KindUChar, append([]uint8(nil), s...)
	case []int16:
		kind, cp = KindInt16, append([]int16(nil), s...)
	case []uint16:
		kind, cp = KindUInt16, append([]uint16(nil), s...)
	case []int32:
		kind, cp = KindInt32, append([]int32(nil), s...)
	case []uint32:
		kind, cp = KindUInt32, append([]uint32(nil), s...)
	case []int64:
		kind, cp = KindInt64, append([]int64(nil), s...)
	case []uint64:
		kind, cp = KindUInt64, append([]uint64(nil), s...)
	case []float32:
		kind, cp = KindFloat32, append([]float32(nil), s...)
	case []float64:
		kind, cp = KindFloat64, append([]float64(nil), s...)
	case []string:
		kind, cp = KindString, append([]string(nil), s...)
	default:
		return Element{}, fmt.Errorf("unsupported array type %T", v)
	}
	return Element{Kind: kind, Shape: shape, Value: cp}, nil
}

// Equal reports whether two elements carry the same type and value.
func (e Element) Equal(o Element) bool {
	if e.Kind != o.Kind || e.Shape != o.Shape {
		return false
	}
	if e.Shape == ShapeScalar {
		return e.Value == o.Value
	}
	if e.Len() != o.Len() {
		return false
	}
	return e.Len() == 0 || reflect.DeepEqual(e.Value, o.Value)
}
