package lnet

import (
	"context"
	"net"

	"github.com/luciancaetano/lnet/message"
)

// ConnID identifies a live connection inside one server. Ids are reused after
// the connection is gone, so they must not be kept past OnDisconnect; use
// Peer.SessionKey for a value unique over the process lifetime.
type ConnID uint32

// HandlerFunc processes one inbound message. It runs on the connection's
// reader (framed) or inside Tick (packetized), so messages from one peer are
// handled in arrival order. ctx carries the dispatch span.
type HandlerFunc func(ctx context.Context, peer Peer, msg *message.Message)

// ObserverFunc sees every inbound message before the handler lookup, handled
// or not. The message cursor is rewound before the handler runs.
type ObserverFunc func(peer Peer, msg *message.Message)

// OnConnectFn is called once a connection is registered and before its first
// message is read. It runs synchronously; keep it short.
type OnConnectFn = func(peer Peer)

// OnDisconnectFn is called exactly once per connection after its reader and
// writer have stopped. err is nil for a clean close and wraps ErrTransport
// otherwise. The peer id is released after this returns.
type OnDisconnectFn = func(peer Peer, err error)

// OnErrorFn reports non-fatal problems: dropped packets, handler panics,
// rate limit violations. peer is nil when the error is not tied to a connection.
type OnErrorFn = func(peer Peer, err error)

// OnWriteFn is called after each message write completes, successfully or not.
type OnWriteFn = func(peer Peer, msg *message.Message, err error)

// Hooks groups the optional lifecycle callbacks shared by every engine.
// Any field may be nil.
type Hooks struct {
	OnConnect    OnConnectFn
	OnDisconnect OnDisconnectFn
	OnError      OnErrorFn
	OnWrite      OnWriteFn
}

// Peer is a live connection handle.
//
// Handlers receive the remote side as a Peer. On a client the server
// connection is a Peer with id 0.
//
// Example usage:
//
//	reply := message.New(message.ID(cmdPong))
//	if err := peer.Send(ctx, reply); err != nil {
//	    slog.Warn("pong failed", "conn_id", peer.ID(), "error", err)
//	}
type Peer interface {
	// ID returns the connection id, unique among live connections of one server.
	ID() ConnID

	// SessionKey returns a random key unique across id reuse.
	SessionKey() string

	// RemoteAddr returns the remote network address, for example "192.168.1.100:54321".
	RemoteAddr() string

	// Context returns the connection lifecycle context. It is cancelled when
	// the connection closes.
	Context() context.Context

	// Send queues msg for delivery. The message is encoded immediately, so the
	// caller may reuse it once Send returns.
	//
	// Returns ErrConnectionClosed after the connection has closed.
	Send(ctx context.Context, msg *message.Message) error

	// Close closes the connection. Pending sends may be dropped.
	Close(ctx context.Context) error

	// IsAlive returns true until the connection closes.
	IsAlive() bool
}

// Server accepts connections, dispatches their messages and sends to them.
//
// Example usage:
//
//	srv := framed.New(framed.NewConfig(":7000"))
//	srv.RegisterHandler(message.ID(cmdChat), func(ctx context.Context, p lnet.Peer, msg *message.Message) {
//	    text, err := msg.PopString()
//	    if err != nil {
//	        return
//	    }
//	    out := message.New(message.ID(cmdChat)).PushString(text)
//	    srv.BroadcastExcept(ctx, p.ID(), out)
//	})
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
type Server interface {
	// Start binds the listener and begins accepting connections. A framed
	// server accepts on its own goroutine; a packetized server waits for Tick.
	//
	// Returns ErrAlreadyRunning unless the server is Created or Stopped.
	Start(ctx context.Context) error

	// Stop notifies and closes every connection, waits for in-flight I/O
	// until ctx expires, then releases all ids. Calling Stop on a stopped
	// server is a no-op.
	Stop(ctx context.Context) error

	// RegisterHandler installs h for id. A later registration for the same id
	// replaces the earlier one and reports true.
	RegisterHandler(id message.Identifier, h HandlerFunc) (replaced bool)

	// RemoveHandler removes the handler for id and reports whether one existed.
	RemoveHandler(id message.Identifier) bool

	// SetObserver installs the catch-all observer. nil removes it.
	SetObserver(fn ObserverFunc)

	// SendTo sends msg to a single connection. It returns false when id is not
	// an active connection or the connection refused the message.
	SendTo(ctx context.Context, id ConnID, msg *message.Message) bool

	// Broadcast sends msg to every active connection.
	Broadcast(ctx context.Context, msg *message.Message) error

	// BroadcastExcept sends msg to every active connection except one.
	BroadcastExcept(ctx context.Context, except ConnID, msg *message.Message) error

	// Peer returns the live connection with the given id.
	Peer(id ConnID) (Peer, bool)

	// Peers returns a snapshot of live connections.
	Peers() []Peer

	// State returns the current lifecycle state.
	State() ServerState

	// Addr returns the bound address, or nil before Start.
	Addr() net.Addr
}

// Client holds a single connection to a server.
type Client interface {
	// Connect dials the server. It is single shot: a failure returns an error
	// wrapping ErrConnectionFailed and leaves the client Disconnected.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. It is idempotent.
	Disconnect(ctx context.Context) error

	// Send queues msg for the server. Returns ErrNotConnected unless Connected.
	Send(ctx context.Context, msg *message.Message) error

	RegisterHandler(id message.Identifier, h HandlerFunc) (replaced bool)
	RemoveHandler(id message.Identifier) bool
	SetObserver(fn ObserverFunc)

	// Peer returns the server connection, or nil when not connected.
	Peer() Peer

	State() ClientState
}

// Ticker is implemented by the packetized engines. Tick drains every pending
// transport event and dispatches it synchronously on the calling goroutine.
//
// Returns ErrNotRunning when the engine is not Running (server) or not
// Connected (client).
type Ticker interface {
	Tick() error
}

// ServerState is the lifecycle state of a Server.
type ServerState int32

const (
	StateCreated ServerState = iota
	StateListening
	StateRunning
	StateStopping
	StateStopped
)

func (s ServerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ClientState is the lifecycle state of a Client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
