// Package packet provides the packetized engines and their hosts.
//
// Packets are [channel u8][type u16][payload] and may be sent reliably or
// not. The engines own no goroutines: call Tick regularly, typically once per
// frame of the application's loop, to process connects, disconnects and
// received messages on the calling goroutine.
package packet

import (
	"crypto/tls"
	"time"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/memhost"
	engine "github.com/luciancaetano/lnet/internal/packet"
	"github.com/luciancaetano/lnet/internal/quichost"
	"github.com/luciancaetano/lnet/internal/wshost"
)

type (
	ServerConfig = engine.ServerConfig
	ClientConfig = engine.ClientConfig

	// Host and its companions let applications plug in their own transport.
	Host      = engine.Host
	Event     = engine.Event
	EventKind = engine.EventKind
	Endpoint  = engine.Endpoint
	Listener  = engine.Listener
	Dialer    = engine.Dialer

	QUICConfig      = quichost.Config
	WebSocketConfig = wshost.Config
	CheckOriginFn   = wshost.CheckOriginFn

	// Network is an in-process transport for tests and local simulations.
	Network = memhost.Network
)

const (
	EventConnect    = engine.EventConnect
	EventDisconnect = engine.EventDisconnect
	EventReceive    = engine.EventReceive
)

// Server is a packetized lnet.Server driven by Tick.
type Server interface {
	lnet.Server
	lnet.Ticker
}

// Client is a packetized lnet.Client driven by Tick.
type Client interface {
	lnet.Client
	lnet.Ticker
}

func NewServer(cfg *ServerConfig) Server {
	return engine.NewServer(cfg)
}

func NewClient(cfg *ClientConfig) Client {
	return engine.NewClient(cfg)
}

// QUICServerConfig serves QUIC on addr. tlsConf is required; SelfSignedTLS
// is enough for local use.
func QUICServerConfig(addr string, tlsConf *tls.Config) *ServerConfig {
	return &ServerConfig{
		Listen:    quichost.Listener(addr, QUICConfig{TLS: tlsConf}),
		Transport: "quic",
	}
}

// QUICClientConfig dials a QUIC server. A nil tlsConf skips certificate
// verification.
func QUICClientConfig(addr string, tlsConf *tls.Config) *ClientConfig {
	return &ClientConfig{
		Dial:      quichost.Dialer(addr, QUICConfig{TLS: tlsConf}),
		Transport: "quic",
	}
}

// WebSocketServerConfig serves WebSocket upgrades on addr at /lnet.
func WebSocketServerConfig(addr string, checkOrigin CheckOriginFn) *ServerConfig {
	return &ServerConfig{
		Listen:    wshost.Listener(addr, WebSocketConfig{CheckOrigin: checkOrigin}),
		Transport: "ws",
	}
}

// WebSocketClientConfig dials a WebSocket server. addr is a ws:// URL or a
// host:port.
func WebSocketClientConfig(addr string) *ClientConfig {
	return &ClientConfig{
		Dial:      wshost.Dialer(addr, WebSocketConfig{}),
		Transport: "ws",
	}
}

func NewNetwork() *Network {
	return memhost.NewNetwork()
}

// MemServerConfig listens on an in-process Network.
func MemServerConfig(n *Network, addr string) *ServerConfig {
	return &ServerConfig{Listen: n.Listener(addr), Transport: "mem"}
}

// MemClientConfig dials an in-process Network.
func MemClientConfig(n *Network, addr string) *ClientConfig {
	return &ClientConfig{Dial: n.Dialer(addr), Transport: "mem"}
}

// SelfSignedTLS returns a server TLS config for localhost.
func SelfSignedTLS(validFor time.Duration) (*tls.Config, error) {
	return quichost.SelfSignedTLS(validFor)
}

// AllOrigins returns a check that accepts every origin. Use it for
// development only.
func AllOrigins() CheckOriginFn {
	return wshost.AllOrigins()
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *lnet.RateLimitConfig {
	return lnet.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *lnet.RateLimitConfig {
	return lnet.NoRateLimit()
}
