package message

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/luciancaetano/lnet/endian"
)

const (
	// FramedHeaderSize is the width of [type u32][size u32].
	FramedHeaderSize = 8
	// PacketHeaderSize is the width of [channel u8][type u16].
	PacketHeaderSize = 3
	// MaxPayloadSize bounds a single message payload (10MB).
	MaxPayloadSize = 10 * 1024 * 1024
	// MaxFramedSize is the largest size field a framed header may declare.
	MaxFramedSize = FramedHeaderSize + MaxPayloadSize
	// MaxPacketType is the largest type representable in a packet header.
	MaxPacketType = 0xFFFF
)

// EncodeFramed returns header and payload as one contiguous buffer:
//
//	[type u32 wire order][size u32 wire order][payload]
//
// The whole payload is encoded regardless of the read cursor.
func EncodeFramed(m *Message) ([]byte, error) {
	if len(m.payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(m.payload), MaxPayloadSize)
	}
	out := make([]byte, FramedHeaderSize+len(m.payload))
	putWire32(out[0:4], m.id.Type)
	putWire32(out[4:8], m.Size())
	copy(out[FramedHeaderSize:], m.payload)
	return out, nil
}

// ParseFramedHeader decodes the fixed framed header. A declared size smaller
// than the header or larger than MaxFramedSize is an ErrProtocol.
func ParseFramedHeader(b []byte) (Header, error) {
	if len(b) < FramedHeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrProtocol, FramedHeaderSize, len(b))
	}
	h := Header{
		Identifier: Identifier{Type: wire32(b[0:4])},
		Size:       wire32(b[4:8]),
	}
	if h.Size < FramedHeaderSize || h.Size > MaxFramedSize {
		return Header{}, fmt.Errorf("%w: declared size %d outside [%d, %d]", ErrProtocol, h.Size, FramedHeaderSize, MaxFramedSize)
	}
	return h, nil
}

// ReadFramed reads exactly one framed message from r: the header first, then
// exactly Size-FramedHeaderSize payload bytes. io.EOF is returned unchanged
// when the stream ends cleanly before a header.
func ReadFramed(r io.Reader) (*Message, error) {
	var hdr [FramedHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := ParseFramedHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, int(h.Size)-FramedHeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return FromPayload(h.Identifier, payload), nil
}

// DecodeFramed decodes one complete framed message held in b.
func DecodeFramed(b []byte) (*Message, error) {
	h, err := ParseFramedHeader(b)
	if err != nil {
		return nil, err
	}
	if int(h.Size) != len(b) {
		return nil, fmt.Errorf("%w: declared size %d, buffer holds %d", ErrProtocol, h.Size, len(b))
	}
	payload := make([]byte, len(b)-FramedHeaderSize)
	copy(payload, b[FramedHeaderSize:])
	return FromPayload(h.Identifier, payload), nil
}

// EncodePacket returns the packet form of m:
//
//	[channel u8][type u16 wire order][payload]
//
// There is no size field; the packet boundary carries it.
func EncodePacket(m *Message) ([]byte, error) {
	if m.id.Type > MaxPacketType {
		return nil, fmt.Errorf("%w: %#x", ErrTypeOverflow, m.id.Type)
	}
	if len(m.payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(m.payload), MaxPayloadSize)
	}
	out := make([]byte, PacketHeaderSize+len(m.payload))
	out[0] = m.id.Channel
	binary.NativeEndian.PutUint16(out[1:3], endian.ToWire(uint16(m.id.Type)))
	copy(out[PacketHeaderSize:], m.payload)
	return out, nil
}

// DecodePacket decodes one packet. The payload is copied so the caller may
// reuse b.
func DecodePacket(b []byte) (*Message, error) {
	if len(b) < PacketHeaderSize {
		return nil, fmt.Errorf("%w: packet of %d bytes is shorter than its header", ErrMalformedPayload, len(b))
	}
	id := Identifier{
		Channel: b[0],
		Type:    uint32(endian.FromWire(binary.NativeEndian.Uint16(b[1:3]))),
	}
	payload := make([]byte, len(b)-PacketHeaderSize)
	copy(payload, b[PacketHeaderSize:])
	return FromPayload(id, payload), nil
}

func putWire32(b []byte, v uint32) {
	binary.NativeEndian.PutUint32(b, endian.ToWire(v))
}

func wire32(b []byte) uint32 {
	return endian.FromWire(binary.NativeEndian.Uint32(b))
}
