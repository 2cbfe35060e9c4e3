// Package ws is a shortcut for packet engines that only ever speak WebSocket.
// Every packet is delivered reliably and in order.
package ws

import (
	"net/http"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/wshost"
	"github.com/luciancaetano/lnet/packet"
)

type (
	RateLimitConfig = lnet.RateLimitConfig
	CheckOriginFn   = wshost.CheckOriginFn
	Config          = wshost.Config
)

// New creates a WebSocket packet server.
//
// Parameters:
//   - addr: listen address, e.g. ":8080"
//   - rateLimit: per-peer limit. Use DefaultRateLimitConfig() or NoRateLimit()
//   - checkOrigin: origin check for the upgrade. nil allows same-origin requests only;
//     AllOrigins() is for development
//   - hooks: lifecycle callbacks, invoked from Tick
//
// Example:
//
//	srv := ws.New(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), lnet.Hooks{
//	    OnConnect: func(p lnet.Peer) { log.Printf("peer %d connected", p.ID()) },
//	})
func New(addr string, rateLimit *RateLimitConfig, checkOrigin CheckOriginFn, hooks lnet.Hooks) packet.Server {
	return packet.NewServer(NewConfig(addr, rateLimit, Config{CheckOrigin: checkOrigin}, hooks))
}

// NewConfig builds a server config with full control over the WebSocket
// settings, such as the upgrade path or timeouts.
func NewConfig(addr string, rateLimit *RateLimitConfig, wsCfg Config, hooks lnet.Hooks) *packet.ServerConfig {
	return &packet.ServerConfig{
		Listen:    wshost.Listener(addr, wsCfg),
		Transport: "ws",
		RateLimit: rateLimit,
		Hooks:     hooks,
	}
}

// NewClient creates a WebSocket packet client. addr is a ws:// URL or a
// host:port served at the default path.
func NewClient(addr string, header http.Header, hooks lnet.Hooks) packet.Client {
	return packet.NewClient(&packet.ClientConfig{
		Dial:      wshost.Dialer(addr, Config{Header: header}),
		Transport: "ws",
		Hooks:     hooks,
	})
}

// AllOrigins returns a checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return wshost.AllOrigins()
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return lnet.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return lnet.NoRateLimit()
}
