// Package packet implements the self-describing binary packet codec used on
// every tree edge: typed data elements, format schemas, the header and body
// wire encodings, and batch framing.
package packet

import (
	"encoding/binary"
	"math"
)

// Rank identifies a node in the tree.
type Rank uint32

// Port is a TCP listening port.
type Port uint16

const (
	UnknownRank Rank = math.MaxUint32
	UnknownPort Port = math.MaxUint16
)

// Stream id space.
const (
	StreamBase       uint32 = 1 << 30
	ControlStreamID         = StreamBase
	TopologyStreamID        = StreamBase + 1
	PortStreamID            = StreamBase + 2
	UserStreamBase          = StreamBase + 10
)

// IsInternalStream reports whether id lies in the reserved range.
func IsInternalStream(id uint32) bool {
	return id >= StreamBase && id < UserStreamBase
}

// ByteOrder records the encoding order of a packet body.
type ByteOrder uint8

const (
	LittleEndian ByteOrder = 0
	BigEndian    ByteOrder = 1
)

// HostByteOrder is the native order of this process.
var HostByteOrder = func() ByteOrder {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return LittleEndian
	}
	return BigEndian
}()

func (o ByteOrder) binary() binary.ByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (o ByteOrder) appender() binary.AppendByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big-endian"
	}
	return "little-endian"
}
