// Package message implements the positional binary codec shared by every
// transport.
//
// A Message is built by pushing values in order and read back by popping the
// same types in the same order. Primitive payload values are stored in host
// byte order; only header fields are normalized to wire order (see package
// endian). Strings are NUL terminated and lists carry a 1, 2 or 4 byte count
// chosen with SetInputSize/SetOutputSize.
//
//	msg := message.New(message.ID(cmdMove))
//	message.Push(msg, int32(x))
//	message.Push(msg, int32(y))
//	msg.PushString(name)
//
//	// on the receiving side
//	x, _ := message.Pop[int32](msg)
//	y, _ := message.Pop[int32](msg)
//	name, _ := msg.PopString()
package message

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// SizeMode is the width of a list length prefix in bytes.
type SizeMode uint8

const (
	Size1Byte SizeMode = 1
	Size2Byte SizeMode = 2
	Size4Byte SizeMode = 4
)

func (s SizeMode) valid() bool {
	return s == Size1Byte || s == Size2Byte || s == Size4Byte
}

// max returns the largest count representable with this prefix width.
func (s SizeMode) max() uint64 {
	return 1<<(8*uint(s)) - 1
}

// Message is a header plus a payload buffer with a read cursor.
//
// Pops advance the cursor and never remove bytes. A Message is not safe for
// concurrent use.
type Message struct {
	id       Identifier
	reliable bool
	payload  []byte
	readPos  int
	inSize   SizeMode
	outSize  SizeMode
}

// New returns an empty reliable message ready for pushing.
func New(id Identifier) *Message {
	return &Message{
		id:       id,
		reliable: true,
		inSize:   Size4Byte,
		outSize:  Size4Byte,
	}
}

// NewReliable returns an empty message delivered reliably on a packetized transport.
func NewReliable(channel uint8, typ uint32) *Message {
	return New(ChannelID(channel, typ))
}

// NewUnreliable returns an empty message delivered best-effort on a packetized transport.
func NewUnreliable(channel uint8, typ uint32) *Message {
	m := New(ChannelID(channel, typ))
	m.reliable = false
	return m
}

// FromPayload wraps an already decoded payload. The message takes ownership of payload.
func FromPayload(id Identifier, payload []byte) *Message {
	m := New(id)
	m.payload = payload
	return m
}

// Build creates a message and appends values in order. See Append.
func Build(id Identifier, values ...any) (*Message, error) {
	m := New(id)
	if err := m.Append(values...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) Identifier() Identifier { return m.id }
func (m *Message) Type() uint32           { return m.id.Type }
func (m *Message) Channel() uint8         { return m.id.Channel }
func (m *Message) Reliable() bool         { return m.reliable }

// SetIdentifier changes the message identifier without touching the payload.
func (m *Message) SetIdentifier(id Identifier) *Message {
	m.id = id
	return m
}

// SetReliable sets the out-of-band reliability flag. It is never serialized.
func (m *Message) SetReliable(reliable bool) *Message {
	m.reliable = reliable
	return m
}

// SetInputSize sets the prefix width used by subsequent list pushes.
func (m *Message) SetInputSize(s SizeMode) *Message {
	if s.valid() {
		m.inSize = s
	}
	return m
}

// SetOutputSize sets the prefix width expected by subsequent list pops.
func (m *Message) SetOutputSize(s SizeMode) *Message {
	if s.valid() {
		m.outSize = s
	}
	return m
}

func (m *Message) InputSize() SizeMode  { return m.inSize }
func (m *Message) OutputSize() SizeMode { return m.outSize }

// Size returns the framed size: header width plus payload length.
func (m *Message) Size() uint32 {
	return uint32(FramedHeaderSize + len(m.payload))
}

// Header returns the identifier and framed size.
func (m *Message) Header() Header {
	return Header{Identifier: m.id, Size: m.Size()}
}

// Len returns the payload length.
func (m *Message) Len() int {
	return len(m.payload)
}

// Remaining returns the number of unread payload bytes.
func (m *Message) Remaining() int {
	return len(m.payload) - m.readPos
}

// Payload returns the whole payload regardless of the cursor. The slice
// aliases the message buffer.
func (m *Message) Payload() []byte {
	return m.payload
}

// Unread returns the payload bytes after the cursor.
func (m *Message) Unread() []byte {
	return m.payload[m.readPos:]
}

// Rewind moves the cursor back to the start of the payload.
func (m *Message) Rewind() *Message {
	m.readPos = 0
	return m
}

// Reset clears the payload and cursor and assigns a new identifier so the
// message can be reused. Size modes and reliability are kept.
func (m *Message) Reset(id Identifier) *Message {
	m.id = id
	m.payload = m.payload[:0]
	m.readPos = 0
	return m
}

// Clone returns a deep copy with the same cursor position.
func (m *Message) Clone() *Message {
	c := *m
	c.payload = bytes.Clone(m.payload)
	return &c
}

// PushString appends s followed by a NUL terminator.
//
// A string containing NUL is not representable: decoding stops at the first
// NUL and the rest is read as the next field.
func (m *Message) PushString(s string) *Message {
	m.payload = append(m.payload, s...)
	m.payload = append(m.payload, 0)
	return m
}

// PopString reads bytes up to the next NUL and moves the cursor past it.
func (m *Message) PopString() (string, error) {
	rest := m.payload[m.readPos:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: string terminator missing in %d remaining bytes", ErrMalformedPayload, len(rest))
	}
	s := string(rest[:end])
	m.readPos += end + 1
	return s, nil
}

// PushStrings appends a count prefix (input size mode) and each string.
func (m *Message) PushStrings(list []string) error {
	if err := m.pushCount(len(list)); err != nil {
		return err
	}
	for _, s := range list {
		m.PushString(s)
	}
	return nil
}

// PopStrings reads a count prefix (output size mode) and that many strings.
// The cursor is restored on failure.
func (m *Message) PopStrings() ([]string, error) {
	start := m.readPos
	n, err := m.popCount()
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, min(n, m.Remaining()))
	for i := 0; i < n; i++ {
		s, err := m.PopString()
		if err != nil {
			m.readPos = start
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

// Append pushes each value in order. Supported values are the Primitive
// types, string, []string and slices of Primitive types (pushed as lists).
func (m *Message) Append(values ...any) error {
	for i, v := range values {
		var err error
		switch x := v.(type) {
		case int8:
			Push(m, x)
		case int16:
			Push(m, x)
		case int32:
			Push(m, x)
		case int64:
			Push(m, x)
		case uint8:
			Push(m, x)
		case uint16:
			Push(m, x)
		case uint32:
			Push(m, x)
		case uint64:
			Push(m, x)
		case float32:
			Push(m, x)
		case float64:
			Push(m, x)
		case string:
			m.PushString(x)
		case []string:
			err = m.PushStrings(x)
		case []byte:
			err = PushList(m, x)
		case []int16:
			err = PushList(m, x)
		case []uint16:
			err = PushList(m, x)
		case []int32:
			err = PushList(m, x)
		case []uint32:
			err = PushList(m, x)
		case []int64:
			err = PushList(m, x)
		case []uint64:
			err = PushList(m, x)
		case []float32:
			err = PushList(m, x)
		case []float64:
			err = PushList(m, x)
		default:
			err = fmt.Errorf("%w: argument %d is %T", ErrUnsupportedValue, i, v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// String renders the header and a hex dump of the payload.
func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "message channel=%d type=%#x size=%d reliable=%t read=%d\n",
		m.id.Channel, m.id.Type, m.Size(), m.reliable, m.readPos)
	if len(m.payload) > 0 {
		b.WriteString(hex.Dump(m.payload))
	}
	return b.String()
}

// take returns the next n unread bytes and advances the cursor.
func (m *Message) take(n int) ([]byte, error) {
	if n > m.Remaining() {
		return nil, fmt.Errorf("%w: need %d bytes, %d remaining", ErrBufferUnderrun, n, m.Remaining())
	}
	b := m.payload[m.readPos : m.readPos+n]
	m.readPos += n
	return b, nil
}

func (m *Message) pushCount(n int) error {
	if uint64(n) > m.inSize.max() {
		return fmt.Errorf("%w: %d elements with %d byte prefix", ErrListTooLong, n, m.inSize)
	}
	switch m.inSize {
	case Size1Byte:
		Push(m, uint8(n))
	case Size2Byte:
		Push(m, uint16(n))
	default:
		Push(m, uint32(n))
	}
	return nil
}

func (m *Message) popCount() (int, error) {
	switch m.outSize {
	case Size1Byte:
		n, err := Pop[uint8](m)
		return int(n), err
	case Size2Byte:
		n, err := Pop[uint16](m)
		return int(n), err
	default:
		n, err := Pop[uint32](m)
		return int(n), err
	}
}
