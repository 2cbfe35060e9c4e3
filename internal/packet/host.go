// Package packet implements the packetized session engine.
//
// The engine owns no goroutines. A Host collaborator moves bytes and reports
// connects, disconnects and received packets; the application calls Tick to
// drain those events and dispatch them on its own goroutine.
package packet

import (
	"context"
	"errors"
	"net"
)

// Endpoint is a host-assigned handle for one remote peer. It is only
// meaningful to the host that issued it.
type Endpoint uint64

// EventKind tells what an Event reports.
type EventKind uint8

const (
	EventConnect EventKind = iota + 1
	EventDisconnect
	EventReceive
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Event is one transport occurrence reported by Host.Poll.
type Event struct {
	Kind EventKind
	Peer Endpoint

	// RemoteAddr is set on EventConnect.
	RemoteAddr string

	// Channel, Data and Reliable are set on EventReceive. Data is one whole
	// encoded packet owned by the receiver.
	Channel  uint8
	Data     []byte
	Reliable bool

	// Err is set on EventDisconnect when the peer was lost rather than
	// closed gracefully by either side.
	Err error
}

// Host moves encoded packets between this process and its peers.
//
// Implementations are safe for concurrent use. Events are buffered until
// Poll; EventDisconnect is reported exactly once for every peer that was
// connected, including peers closed with Disconnect. Hosts returned by a
// Dialer do not report EventConnect for the dialed peer.
type Host interface {
	// Poll returns and clears the buffered events. It never blocks.
	Poll() []Event
	Send(peer Endpoint, channel uint8, data []byte, reliable bool) error
	Broadcast(channel uint8, data []byte, reliable bool) error
	// Disconnect starts closing the peer. Its EventDisconnect follows.
	Disconnect(peer Endpoint) error
	// Close disconnects every peer and releases the host's sockets.
	Close() error
	// Addr is the listening address of a server-side host and the server's
	// address for a host returned by a Dialer.
	Addr() net.Addr
}

// Listener opens a server-side host.
type Listener func(ctx context.Context) (Host, error)

// Dialer opens a client-side host connected to one server endpoint.
type Dialer func(ctx context.Context) (Host, Endpoint, error)

// ErrUnknownPeer is returned by hosts for endpoints they do not know.
var ErrUnknownPeer = errors.New("packet: unknown peer")
