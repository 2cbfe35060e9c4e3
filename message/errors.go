package message

import "errors"

// Codec errors. Callers match them with errors.Is; the returned errors wrap
// them with the offending sizes.
var (
	// ErrBufferUnderrun is returned when a pop needs more bytes than remain unread.
	ErrBufferUnderrun = errors.New("message: buffer underrun")
	// ErrMalformedPayload is returned for payload content that cannot be decoded,
	// such as a string without its terminator or a truncated packet.
	ErrMalformedPayload = errors.New("message: malformed payload")
	// ErrProtocol is returned for an inconsistent framed header. The byte stream
	// it came from is desynchronized and must be closed.
	ErrProtocol = errors.New("message: protocol error")
	// ErrListTooLong is returned when a list length does not fit the current size mode.
	ErrListTooLong = errors.New("message: list too long for size mode")
	// ErrTypeOverflow is returned when a type does not fit the packet header.
	ErrTypeOverflow = errors.New("message: type does not fit packet header")
	// ErrPayloadTooLarge is returned when a message exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("message: payload too large")
	// ErrUnsupportedValue is returned by Append for values outside the sealed primitive set.
	ErrUnsupportedValue = errors.New("message: unsupported value type")
)
