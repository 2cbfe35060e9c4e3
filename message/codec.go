package message

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"
)

// Primitive is the sealed set of fixed-width values a payload can carry.
// Anything else, including pointers and structs, fails to type check.
type Primitive interface {
	int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float32 | float64
}

// SizeOf returns the encoded width of T in bytes.
func SizeOf[T Primitive]() int {
	var v T
	return int(unsafe.Sizeof(v))
}

// Push appends v to the payload in host byte order.
func Push[T Primitive](m *Message, v T) *Message {
	m.payload = appendPrimitive(m.payload, v)
	return m
}

// Pop reads the next value of type T. It fails with ErrBufferUnderrun, without
// moving the cursor, when fewer than SizeOf[T]() bytes remain.
func Pop[T Primitive](m *Message) (T, error) {
	b, err := m.take(SizeOf[T]())
	if err != nil {
		var zero T
		return zero, err
	}
	return decodePrimitive[T](b), nil
}

// PushList appends a count prefix sized by the input size mode followed by
// every element of list.
func PushList[T Primitive](m *Message, list []T) error {
	if err := m.pushCount(len(list)); err != nil {
		return err
	}
	pushAll(m, list)
	return nil
}

// PopList reads a count prefix sized by the output size mode and that many
// elements. The cursor is restored on failure.
func PopList[T Primitive](m *Message) ([]T, error) {
	start := m.readPos
	n, err := m.popCount()
	if err != nil {
		return nil, err
	}
	width := SizeOf[T]()
	if n*width > m.Remaining() || n < 0 {
		m.readPos = start
		return nil, fmt.Errorf("%w: list of %d elements needs %d bytes, %d remaining",
			ErrBufferUnderrun, n, n*width, m.Remaining())
	}
	list := make([]T, n)
	for i := range list {
		list[i] = decodePrimitive[T](m.payload[m.readPos : m.readPos+width])
		m.readPos += width
	}
	return list, nil
}

// PushArray appends every element of arr without a count prefix. The reader
// must know the length.
func PushArray[T Primitive](m *Message, arr []T) *Message {
	pushAll(m, arr)
	return m
}

// PopArray fills dst with exactly len(dst) elements. The cursor does not move
// on failure.
func PopArray[T Primitive](m *Message, dst []T) error {
	width := SizeOf[T]()
	b, err := m.take(len(dst) * width)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = decodePrimitive[T](b[i*width : (i+1)*width])
	}
	return nil
}

func pushAll[T Primitive](m *Message, list []T) {
	// single byte elements need no conversion
	if raw, ok := any(list).([]uint8); ok {
		m.payload = append(m.payload, raw...)
		return
	}
	for _, v := range list {
		m.payload = appendPrimitive(m.payload, v)
	}
}

func appendPrimitive[T Primitive](b []byte, v T) []byte {
	switch x := any(v).(type) {
	case int8:
		return append(b, byte(x))
	case uint8:
		return append(b, x)
	case int16:
		return binary.NativeEndian.AppendUint16(b, uint16(x))
	case uint16:
		return binary.NativeEndian.AppendUint16(b, x)
	case int32:
		return binary.NativeEndian.AppendUint32(b, uint32(x))
	case uint32:
		return binary.NativeEndian.AppendUint32(b, x)
	case int64:
		return binary.NativeEndian.AppendUint64(b, uint64(x))
	case uint64:
		return binary.NativeEndian.AppendUint64(b, x)
	case float32:
		return binary.NativeEndian.AppendUint32(b, math.Float32bits(x))
	case float64:
		return binary.NativeEndian.AppendUint64(b, math.Float64bits(x))
	}
	return b
}

func decodePrimitive[T Primitive](b []byte) T {
	var v T
	switch p := any(&v).(type) {
	case *int8:
		*p = int8(b[0])
	case *uint8:
		*p = b[0]
	case *int16:
		*p = int16(binary.NativeEndian.Uint16(b))
	case *uint16:
		*p = binary.NativeEndian.Uint16(b)
	case *int32:
		*p = int32(binary.NativeEndian.Uint32(b))
	case *uint32:
		*p = binary.NativeEndian.Uint32(b)
	case *int64:
		*p = int64(binary.NativeEndian.Uint64(b))
	case *uint64:
		*p = binary.NativeEndian.Uint64(b)
	case *float32:
		*p = math.Float32frombits(binary.NativeEndian.Uint32(b))
	case *float64:
		*p = math.Float64frombits(binary.NativeEndian.Uint64(b))
	}
	return v
}
