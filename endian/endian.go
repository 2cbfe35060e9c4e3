// Package endian converts fixed-width unsigned integers between host byte
// order and wire byte order.
//
// The wire order is little-endian. On little-endian hosts every conversion
// is the identity; on big-endian hosts multi-byte values are byte-swapped.
// The host order is detected once, on first use, and never changes.
package endian

import (
	"encoding/binary"
	"math/bits"
	"sync"
	"unsafe"
)

// Unsigned is the set of integer types the normalizer accepts.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Wire is the byte order used for every header field on the wire.
var Wire binary.ByteOrder = binary.LittleEndian

var hostBigEndian = sync.OnceValue(func() bool {
	var probe uint16 = 1
	return (*[2]byte)(unsafe.Pointer(&probe))[0] == 0
})

// IsBigEndian reports whether the host stores integers most significant byte first.
func IsBigEndian() bool {
	return hostBigEndian()
}

// Swap reverses the byte order of v unconditionally.
func Swap[T Unsigned](v T) T {
	switch unsafe.Sizeof(v) {
	case 2:
		return T(bits.ReverseBytes16(uint16(v)))
	case 4:
		return T(bits.ReverseBytes32(uint32(v)))
	case 8:
		return T(bits.ReverseBytes64(uint64(v)))
	default:
		return v
	}
}

// ToWire converts a host-order value so that its in-memory layout matches
// the wire order.
func ToWire[T Unsigned](v T) T {
	if hostBigEndian() {
		return Swap(v)
	}
	return v
}

// FromWire converts a value whose in-memory layout is in wire order back to
// host order. The conversion is its own inverse.
func FromWire[T Unsigned](v T) T {
	return ToWire(v)
}
