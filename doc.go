// Package lnet provides a lightweight messaging layer for real-time client/server applications.
//
// Messages carry a numeric type (and, on packet transports, a channel) plus a positional
// binary payload built with package message. Handlers are registered per message
// identifier; every connection has its own reader so messages from one peer are handled
// in the order they were sent.
//
// # Transports
//
// Two transport styles share the same Server and Client interfaces:
//
//   - framed: TCP byte streams. Every message is prefixed with an 8 byte header holding
//     its type and total size. The server runs an accept goroutine plus a reader and a
//     writer goroutine per connection.
//   - packet: discrete packets over QUIC, WebSocket or an in-process network, with up to
//     254 independent channels and a per-message reliability flag. The engine owns no
//     goroutines: the application calls Tick to drain transport events.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/lnet"
//	    "github.com/luciancaetano/lnet/framed"
//	    "github.com/luciancaetano/lnet/message"
//	)
//
//	const cmdEcho = 0x01
//
//	srv := framed.New(framed.NewConfig(":7000", lnet.DefaultRateLimitConfig(), lnet.Hooks{}))
//	srv.RegisterHandler(message.ID(cmdEcho), func(ctx context.Context, p lnet.Peer, msg *message.Message) {
//	    text, err := msg.PopString()
//	    if err != nil {
//	        return
//	    }
//	    p.Send(ctx, message.New(message.ID(cmdEcho)).PushString(text))
//	})
//	srv.Start(ctx)
//
// # Wire Format
//
// Framed messages:
//
//	[4 bytes: type (uint32, little-endian)][4 bytes: size incl. header (uint32, little-endian)][payload]
//
// Packets:
//
//	[1 byte: channel][2 bytes: type (uint16, little-endian)][payload]
//
// Payload values are written in host byte order. Strings are NUL terminated; lists carry
// a 1, 2 or 4 byte count. Maximum payload: 10MB.
//
// # Rate Limiting
//
// Each connection has an independent token bucket:
//
//	cfg := framed.NewConfig(":7000", lnet.DefaultRateLimitConfig(), hooks) // 100 msgs/s, burst 200
//	cfg = framed.NewConfig(":7000", lnet.NoRateLimit(), hooks)
//
// A peer exceeding its limit is disconnected.
//
// # Important
//
//   - Connection ids are reused; use Peer.SessionKey to correlate logs across reconnects
//   - A Message is not safe for concurrent use; Send encodes it before returning
//   - Framed handlers run on the connection reader, so a slow handler delays that peer only;
//     packet handlers run inside Tick and delay every peer
package lnet
