package packet

import (
	"fmt"
	"reflect"
	"sync"

	terrors "github.com/10yihang/treenet/pkg/errors"
)

// Packet is one message on a stream. The header is encoded whenever a header
// field changes; the body is encoded on first send and decoded on first
// access.
type Packet struct {
	streamID uint32
	tag      Tag
	srcRank  Rank
	format   string
	dests    []Rank
	order    ByteOrder

	// inlet is the peer the packet arrived from; it is never on the wire.
	inlet Rank

	mu      sync.Mutex
	hdr     []byte
	body    []byte
	elems   []Element
	decoded bool
	encoded bool
}

// New builds a packet from Go values checked against format.
func New(streamID uint32, tag Tag, format string, values ...any) (*Packet, error) {
	s, err := ParseSchema(format)
	if err != nil {
		return nil, err
	}
	elems, err := s.Elements(values...)
	if err != nil {
		return nil, err
	}
	return newPacket(streamID, tag, format, elems), nil
}

// MustNew is New for packets whose values are known to match.
func MustNew(streamID uint32, tag Tag, format string, values ...any) *Packet {
	p, err := New(streamID, tag, format, values...)
	if err != nil {
		panic(err)
	}
	return p
}

// FromElements builds a packet from already typed elements.
func FromElements(streamID uint32, tag Tag, format string, elems []Element) (*Packet, error) {
	s, err := ParseSchema(format)
	if err != nil {
		return nil, err
	}
	if err := s.Check(elems); err != nil {
		return nil, err
	}
	return newPacket(streamID, tag, format, append([]Element(nil), elems...)), nil
}

func newPacket(streamID uint32, tag Tag, format string, elems []Element) *Packet {
	p := &Packet{
		streamID: streamID,
		tag:      tag,
		srcRank:  UnknownRank,
		format:   format,
		order:    HostByteOrder,
		inlet:    UnknownRank,
		elems:    elems,
		decoded:  true,
	}
	p.hdr = p.encodeHeader()
	return p
}

// Decode rebuilds a packet from its wire header and body. The header is
// decoded immediately; the body is kept until first access. hdr and body are
// retained and must not be modified afterwards.
func Decode(hdr, body []byte) (*Packet, error) {
	if len(hdr) == 0 {
		return nil, terrors.Newf(terrors.CodePacking, "packet.Decode", "empty header")
	}
	order := ByteOrder(hdr[len(hdr)-1])
	if order != BigEndian && order != LittleEndian {
		return nil, terrors.Newf(terrors.CodePacking, "packet.Decode", "bad byte order %d", order)
	}

	d := &decoder{buf: hdr[:len(hdr)-1], order: order.binary()}
	p := &Packet{
		streamID: d.u32(),
		tag:      Tag(int32(d.u32())),
		srcRank:  Rank(d.u32()),
		format:   d.str(),
		order:    order,
		inlet:    UnknownRank,
		hdr:      hdr,
		body:     body,
		encoded:  true,
	}
	n := d.count(ShapeLargeArray, 4)
	if n > 0 {
		p.dests = make([]Rank, n)
		for i := range p.dests {
			p.dests[i] = Rank(d.u32())
		}
	}
	if d.err != nil {
		return nil, terrors.Newf(terrors.CodePacking, "packet.Decode", "header: %v", d.err)
	}
	if d.off != len(d.buf) {
		return nil, terrors.Newf(terrors.CodePacking, "packet.Decode", "%d trailing header bytes", len(d.buf)-d.off)
	}
	if _, err := ParseSchema(p.format); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Packet) encodeHeader() []byte {
	e := &encoder{order: p.order.appender()}
	e.u32(p.streamID)
	e.u32(uint32(p.tag))
	e.u32(uint32(p.srcRank))
	e.str(p.format)
	e.u64(uint64(len(p.dests)))
	for _, r := range p.dests {
		e.u32(uint32(r))
	}
	e.u8(uint8(p.order))
	return e.buf
}

func (p *Packet) StreamID() uint32 { return p.streamID }
func (p *Packet) Tag() Tag { return p.tag }
func (p *Packet) SourceRank() Rank { return p.srcRank }
func (p *Packet) Format() string { return p.format }
func (p *Packet) ByteOrder() ByteOrder { return p.order }

// Destinations returns a copy of the destination rank list.
func (p *Packet) Destinations() []Rank {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Rank(nil), p.dests...)
}

// InletRank returns the rank of the peer this packet arrived from.
func (p *Packet) InletRank() Rank {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inlet
}

// SetInletRank records the peer this packet arrived from.
func (p *Packet) SetInletRank(r Rank) {
	p.mu.Lock()
	p.inlet = r
	p.mu.Unlock()
}

// SetSourceRank stamps the originating rank and refreshes the header.
func (p *Packet) SetSourceRank(r Rank) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srcRank == r {
		return
	}
	p.srcRank = r
	p.hdr = p.encodeHeader()
}

// SetDestinations replaces the destination list and refreshes the header.
func (p *Packet) SetDestinations(dests []Rank) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dests = append([]Rank(nil), dests...)
	p.hdr = p.encodeHeader()
}

// WithStream returns a copy of p addressed to another stream and tag.
func (p *Packet) WithStream(streamID uint32, tag Tag) (*Packet, error) {
	elems, err := p.Elements()
	if err != nil {
		return nil, err
	}
	q := newPacket(streamID, tag, p.format, elems)
	q.srcRank = p.srcRank
	q.dests = append([]Rank(nil), p.dests...)
	q.hdr = q.encodeHeader()
	return q, nil
}

// Elements decodes the body with the packet's own format.
func (p *Packet) Elements() ([]Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.decodeLocked(); err != nil {
		return nil, err
	}
	return append([]Element(nil), p.elems...), nil
}

// Unpack decodes the body, failing with ErrFormatMismatch when format is not
// the packet's own format.
func (p *Packet) Unpack(format string) ([]Element, error) {
	if format != p.format {
		return nil, terrors.New(terrors.CodeFormatString, "packet.Unpack",
			fmt.Errorf("%w: packet has %q, caller wants %q", terrors.ErrFormatMismatch, p.format, format))
	}
	return p.Elements()
}

// Element returns the i'th decoded element.
func (p *Packet) Element(i int) (Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.decodeLocked(); err != nil {
		return Element{}, err
	}
	if i < 0 || i >= len(p.elems) {
		return Element{}, terrors.Newf(terrors.CodePacking, "packet.Element",
			"index %d out of range for %q", i, p.format)
	}
	return p.elems[i], nil
}

// Len returns the number of body elements declared by the format.
func (p *Packet) Len() int {
	s, err := ParseSchema(p.format)
	if err != nil {
		return 0
	}
	return s.Len()
}

func (p *Packet) decodeLocked() error {
	if p.decoded {
		return nil
	}
	s, err := ParseSchema(p.format)
	if err != nil {
		return err
	}
	elems, err := decodeBody(p.body, s, p.order)
	if err != nil {
		return err
	}
	p.elems = elems
	p.decoded = true
	return nil
}

// Wire returns the encoded header and body.
func (p *Packet) Wire() (hdr, body []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.encoded {
		b, err := encodeBody(p.elems, p.order)
		if err != nil {
			return nil, nil, err
		}
		p.body = b
		p.encoded = true
	}
	return p.hdr, p.body, nil
}

// Size returns the encoded size of the packet in bytes.
func (p *Packet) Size() int {
	hdr, body, err := p.Wire()
	if err != nil {
		return 0
	}
	return len(hdr) + len(body)
}

// Scan decodes the body into pointers, failing with ErrFormatMismatch when
// format is not the packet's own. Supported destinations are *Element, a
// pointer to the field's exact Go type, *int for integer scalars and *Rank
// or *[]Rank for ud fields.
func (p *Packet) Scan(format string, dst ...any) error {
	elems, err := p.Unpack(format)
	if err != nil {
		return err
	}
	if len(dst) != len(elems) {
		return terrors.Newf(terrors.CodePacking, "packet.Scan",
			"format %q has %d elements, got %d destinations", format, len(elems), len(dst))
	}
	for i, el := range elems {
		if err := assign(dst[i], el); err != nil {
			return terrors.Newf(terrors.CodePacking, "packet.Scan", "element %d: %v", i, err)
		}
	}
	return nil
}

func assign(dst any, el Element) error {
	switch d := dst.(type) {
	case *Element:
		*d = el
		return nil
	case *int:
		n, ok := el.Int64()
		if !ok || el.Shape != ShapeScalar {
			return fmt.Errorf("cannot store %%%s in *int", el.Token())
		}
		*d = int(n)
		return nil
	case *Rank:
		v, ok := el.Value.(uint32)
		if !ok {
			return fmt.Errorf("cannot store %%%s in *Rank", el.Token())
		}
		*d = Rank(v)
		return nil
	case *Port:
		v, ok := el.Value.(uint16)
		if !ok {
			return fmt.Errorf("cannot store %%%s in *Port", el.Token())
		}
		*d = Port(v)
		return nil
	case *[]Rank:
		v, ok := el.Value.([]uint32)
		if !ok {
			return fmt.Errorf("cannot store %%%s in *[]Rank", el.Token())
		}
		out := make([]Rank, len(v))
		for i, r := range v {
			out[i] = Rank(r)
		}
		*d = out
		return nil
	}

	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("destination %T is not a pointer", dst)
	}
	val := reflect.ValueOf(el.Value)
	if !val.IsValid() || val.Type() != rv.Elem().Type() {
		return fmt.Errorf("cannot store %%%s in %T", el.Token(), dst)
	}
	rv.Elem().Set(val)
	return nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("packet{stream=%d tag=%s src=%d fmt=%q}", p.streamID, p.tag, p.srcRank, p.format)
}
