package packet

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	terrors "github.com/10yihang/treenet/pkg/errors"
)

// Field is one typed slot of a format.
type Field struct {
	Kind  Kind
	Shape Shape
}

// Token renders the field as its format token without the leading '%'.
func (f Field) Token() string {
	switch f.Shape {
	case ShapeArray:
		return "a" + f.Kind.String()
	case ShapeLargeArray:
		return "A" + f.Kind.String()
	default:
		return f.Kind.String()
	}
}

// Schema is a parsed format string. Schemas are immutable and shared.
type Schema struct {
	format string
	fields []Field
}

var (
	baseKinds = map[string]Kind{
		"c": KindChar, "uc": KindUChar,
		"hd": KindInt16, "uhd": KindUInt16,
		"d": KindInt32, "ud": KindUInt32,
		"ld": KindInt64, "uld": KindUInt64,
		"f": KindFloat32, "lf": KindFloat64,
		"s": KindString,
	}

	schemaCache sync.Map // format -> *Schema
	schemaCount atomic.Int64
)

// maxCachedSchemas caps the cache, which also sees formats decoded off the
// wire. Past the cap schemas are parsed but not kept.
const maxCachedSchemas = 1024

func isDelim(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '%'
}

// ParseSchema parses a format string such as "%d %aud %s". Results are cached.
func ParseSchema(format string) (*Schema, error) {
	if s, ok := schemaCache.Load(format); ok {
		return s.(*Schema), nil
	}

	tokens := strings.FieldsFunc(format, isDelim)
	fields := make([]Field, 0, len(tokens))
	for _, tok := range tokens {
		shape := ShapeScalar
		base := tok
		switch tok[0] {
		case 'a':
			shape, base = ShapeArray, tok[1:]
		case 'A':
			shape, base = ShapeLargeArray, tok[1:]
		}
		kind, ok := baseKinds[base]
		if !ok {
			return nil, terrors.Newf(terrors.CodeFormatString, "packet.ParseSchema",
				"unknown token %q in %q", tok, format)
		}
		fields = append(fields, Field{Kind: kind, Shape: shape})
	}

	s := &Schema{format: format, fields: fields}
	if schemaCount.Load() >= maxCachedSchemas {
		return s, nil
	}
	actual, loaded := schemaCache.LoadOrStore(format, s)
	if !loaded {
		schemaCount.Add(1)
	}
	return actual.(*Schema), nil
}

// MustSchema is ParseSchema for formats known at compile time.
func MustSchema(format string) *Schema {
	s, err := ParseSchema(format)
	if err != nil {
		panic(err)
	}
	return s
}

// Format returns the format string the schema was parsed from.
func (s *Schema) Format() string { return s.format }

// Len returns the number of fields.
func (s *Schema) Len() int { return len(s.fields) }

// Field returns the i'th field.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Check verifies elems match the schema exactly.
func (s *Schema) Check(elems []Element) error {
	if len(elems) != len(s.fields) {
		return terrors.Newf(terrors.CodePacking, "packet.Check",
			"format %q wants %d elements, got %d", s.format, len(s.fields), len(elems))
	}
	for i, f := range s.fields {
		if elems[i].Kind != f.Kind || elems[i].Shape != f.Shape {
			return terrors.Newf(terrors.CodePacking, "packet.Check",
				"element %d is %%%s, format %q wants %%%s", i, elems[i].Token(), s.format, f.Token())
		}
	}
	return nil
}

// Elements converts Go values into elements of this schema. Each value may be
// an Element, the exact Go type of the field, or for integer fields any Go
// integer that fits.
func (s *Schema) Elements(values ...any) ([]Element, error) {
	if len(values) != len(s.fields) {
		return nil, terrors.Newf(terrors.CodePacking, "packet.Elements",
			"format %q wants %d values, got %d", s.format, len(s.fields), len(values))
	}
	elems := make([]Element, len(values))
	for i, f := range s.fields {
		e, err := coerce(f, values[i])
		if err != nil {
			return nil, terrors.Newf(terrors.CodePacking, "packet.Elements",
				"value %d for %%%s: %v", i, f.Token(), err)
		}
		elems[i] = e
	}
	return elems, nil
}

func coerce(f Field, v any) (Element, error) {
	if e, ok := v.(Element); ok {
		if e.Kind != f.Kind || e.Shape != f.Shape {
			return Element{}, fmt.Errorf("element is %%%s", e.Token())
		}
		return e, nil
	}
	if f.Shape != ShapeScalar {
		e, err := coerceArray(f, v)
		if err != nil {
			return Element{}, err
		}
		e.Shape = f.Shape
		return e, nil
	}
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return Element{}, fmt.Errorf("want string, got %T", v)
		}
		return String(s), nil
	case KindFloat32:
		x, ok := toFloat(v)
		if !ok {
			return Element{}, fmt.Errorf("want float, got %T", v)
		}
		return Float32(float32(x)), nil
	case KindFloat64:
		x, ok := toFloat(v)
		if !ok {
			return Element{}, fmt.Errorf("want float, got %T", v)
		}
		return Float64(x), nil
	}

	if f.Kind == KindUInt64 {
		if u, ok := v.(uint64); ok {
			return UInt64(u), nil
		}
	}
	n, ok := toInt(v)
	if !ok {
		return Element{}, fmt.Errorf("want integer, got %T", v)
	}
	lo, hi := intRange(f.Kind)
	if n < lo || (hi >= 0 && n > hi) {
		return Element{}, fmt.Errorf("%d out of range", n)
	}
	switch f.Kind {
	case KindChar:
		return Char(int8(n)), nil
	case KindUChar:
		return UChar(uint8(n)), nil
	case KindInt16:
		return Int16(int16(n)), nil
	case KindUInt16:
		return UInt16(uint16(n)), nil
	case KindInt32:
		return Int32(int32(n)), nil
	case KindUInt32:
		return UInt32(uint32(n)), nil
	case KindInt64:
		return Int64(n), nil
	case KindUInt64:
		return UInt64(uint64(n)), nil
	}
	return Element{}, fmt.Errorf("unsupported kind %s", f.Kind)
}

func coerceArray(f Field, v any) (Element, error) {
	switch s := v.(type) {
	case []Rank:
		if f.Kind == KindUInt32 {
			out := make([]uint32, len(s))
			for i, r := range s {
				out[i] = uint32(r)
			}
			return Element{Kind: KindUInt32, Value: out}, nil
		}
	case []int:
		switch f.Kind {
		case KindInt32:
			out := make([]int32, len(s))
			for i, x := range s {
				if x < math.MinInt32 || x > math.MaxInt32 {
					return Element{}, fmt.Errorf("%d out of range", x)
				}
				out[i] = int32(x)
			}
			return Element{Kind: KindInt32, Value: out}, nil
		case KindInt64:
			out := make([]int64, len(s))
			for i, x := range s {
				out[i] = int64(x)
			}
			return Element{Kind: KindInt64, Value: out}, nil
		}
	}
	e, err := arrayOf(f.Shape, v)
	if err != nil {
		return Element{}, err
	}
	if e.Kind != f.Kind {
		return Element{}, fmt.Errorf("want %%%s, got %T", f.Token(), v)
	}
	return e, nil
}

// intRange returns the inclusive bounds of an integer kind. hi < 0 means the
// upper bound exceeds int64.
func intRange(k Kind) (lo, hi int64) {
	switch k {
	case KindChar:
		return math.MinInt8, math.MaxInt8
	case KindUChar:
		return 0, math.MaxUint8
	case KindInt16:
		return math.MinInt16, math.MaxInt16
	case KindUInt16:
		return 0, math.MaxUint16
	case KindInt32:
		return math.MinInt32, math.MaxInt32
	case KindUInt32:
		return 0, math.MaxUint32
	case KindUInt64:
		return 0, -1
	default:
		return math.MinInt64, math.MaxInt64
	}
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case Rank:
		return int64(x), true
	case Port:
		return int64(x), true
	case Tag:
		return int64(x), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	n, ok := toInt(v)
	return float64(n), ok
}
