package packet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/10yihang/treenet/pkg/bufpool"
	terrors "github.com/10yihang/treenet/pkg/errors"
)

// DefaultMaxFrame bounds a single batch frame.
const DefaultMaxFrame = 64 << 20

// EncodeBatch lays out packets as
//
//	u32 count | { u32 hdrlen | u64 bodylen | hdr | body } ...
//
// in big-endian order. Packets keep their own byte order inside hdr and body.
func EncodeBatch(pkts []*Packet) ([]byte, error) {
	size := 4
	wires := make([][2][]byte, len(pkts))
	for i, p := range pkts {
		hdr, body, err := p.Wire()
		if err != nil {
			return nil, err
		}
		wires[i] = [2][]byte{hdr, body}
		size += 12 + len(hdr) + len(body)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(pkts)))
	for _, w := range wires {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(w[0])))
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(w[1])))
		buf = append(buf, w[0]...)
		buf = append(buf, w[1]...)
	}
	return buf, nil
}

// DecodeBatch splits a batch into packets. Header and body bytes are copied
// out of data, so data may be reused by the caller.
func DecodeBatch(data []byte) ([]*Packet, error) {
	d := &decoder{buf: data, order: binary.BigEndian}
	n := d.count(ShapeArray, 12)
	if d.err != nil {
		return nil, terrors.Newf(terrors.CodePacking, "packet.DecodeBatch", "count: %v", d.err)
	}

	pkts := make([]*Packet, 0, n)
	for i := 0; i < n; i++ {
		hlen := int(d.u32())
		blen := d.u64()
		if d.err == nil && blen > uint64(len(data)-d.off) {
			return nil, terrors.Newf(terrors.CodePacking, "packet.DecodeBatch",
				"packet %d: body length %d exceeds frame", i, blen)
		}
		hdr := append([]byte(nil), d.take(hlen)...)
		body := append([]byte(nil), d.take(int(blen))...)
		if d.err != nil {
			return nil, terrors.Newf(terrors.CodePacking, "packet.DecodeBatch", "packet %d: %v", i, d.err)
		}
		p, err := Decode(hdr, body)
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", i, err)
		}
		pkts = append(pkts, p)
	}
	if d.off != len(data) {
		return nil, terrors.Newf(terrors.CodePacking, "packet.DecodeBatch", "%d trailing bytes", len(data)-d.off)
	}
	return pkts, nil
}

// WriteFrame writes data behind a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. The returned slice comes from
// bufpool; callers hand it back with bufpool.Put once decoded.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if limit > 0 && int64(length) > int64(limit) {
		return nil, terrors.Newf(terrors.CodePacking, "packet.ReadFrame", "frame too large: %d", length)
	}
	if length == 0 {
		return nil, nil
	}

	data := bufpool.Get(int(length))
	if _, err := io.ReadFull(r, data); err != nil {
		bufpool.Put(data)
		return nil, err
	}
	return data, nil
}

// WriteBatch encodes pkts and writes them as one frame.
func WriteBatch(w io.Writer, pkts []*Packet) (int, error) {
	data, err := EncodeBatch(pkts)
	if err != nil {
		return 0, err
	}
	if err := WriteFrame(w, data); err != nil {
		return 0, err
	}
	return len(data) + 4, nil
}

// ReadBatch reads and decodes one frame.
func ReadBatch(r io.Reader, limit int) ([]*Packet, int, error) {
	data, err := ReadFrame(r, limit)
	if err != nil {
		return nil, 0, err
	}
	defer bufpool.Put(data)
	if len(data) == 0 {
		return nil, 4, nil
	}
	pkts, err := DecodeBatch(data)
	return pkts, len(data) + 4, err
}
