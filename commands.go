package lnet

import (
	"errors"

	"github.com/luciancaetano/lnet/message"
)

// Reserved message types for internal use. They are consumed by the engines
// and never reach handlers or the observer.
const (
	// TypePing is the framed keep-alive written by idle connections.
	TypePing uint32 = 0xFFFFFFFE
	// TypeGoodbye announces a graceful close. The receiver stops sending.
	TypeGoodbye uint32 = 0xFFFFFFFF
)

// IsReserved reports whether typ is used by the engines themselves.
func IsReserved(typ uint32) bool {
	return typ == TypePing || typ == TypeGoodbye
}

// Packetized channel limits.
const (
	DefaultChannels = 16
	// MaxChannels leaves 0xFF unused so a channel count always fits a byte.
	MaxChannels = 254
)

// DefaultMaxConnections bounds concurrent connections when a config leaves it zero.
const DefaultMaxConnections = 1000

// Engine errors.
var (
	ErrAlreadyRunning   = errors.New("lnet: server already running")
	ErrNotRunning       = errors.New("lnet: not running")
	ErrConnectionFailed = errors.New("lnet: connection failed")
	ErrTransport        = errors.New("lnet: transport error")
	ErrConnectionClosed = errors.New("lnet: connection is closed")
	ErrAlreadyConnected = errors.New("lnet: already connected")
	ErrNotConnected     = errors.New("lnet: not connected")
	ErrInvalidChannel   = errors.New("lnet: invalid channel")
	ErrSendQueueFull    = errors.New("lnet: send queue full")
	ErrRateLimited      = errors.New("lnet: rate limit exceeded")
	ErrTooManyPeers     = errors.New("lnet: connection limit reached")
	ErrShuttingDown     = errors.New("lnet: server shutting down")
	ErrReservedType     = errors.New("lnet: reserved message type")
)

// Codec errors, re-exported so callers need only this package for errors.Is.
var (
	ErrBufferUnderrun   = message.ErrBufferUnderrun
	ErrMalformedPayload = message.ErrMalformedPayload
	ErrProtocol         = message.ErrProtocol
	ErrListTooLong      = message.ErrListTooLong
	ErrTypeOverflow     = message.ErrTypeOverflow
	ErrPayloadTooLarge  = message.ErrPayloadTooLarge
)
