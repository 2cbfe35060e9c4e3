package message

import "fmt"

// Identifier selects a dispatch callback. Two identifiers are equal when both
// fields are equal, so Identifier can be used directly as a map key.
//
// Framed messages always use channel 0.
type Identifier struct {
	Channel uint8
	Type    uint32
}

// ID is shorthand for an Identifier on channel 0.
func ID(typ uint32) Identifier {
	return Identifier{Type: typ}
}

// ChannelID returns an Identifier on the given channel.
func ChannelID(channel uint8, typ uint32) Identifier {
	return Identifier{Channel: channel, Type: typ}
}

func (id Identifier) String() string {
	return fmt.Sprintf("%d/%#x", id.Channel, id.Type)
}

// Header is the fixed part of a message. Size counts the framed header plus
// the payload; only the framed wire format transmits it.
type Header struct {
	Identifier
	Size uint32
}
