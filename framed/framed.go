// Package framed provides the TCP byte-stream engines.
//
// Messages travel as [type u32][size u32][payload] frames. Each connection
// has one reader goroutine that dispatches in arrival order, and one writer
// goroutine that owns the socket.
package framed

import (
	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/stream"
)

type ServerConfig = stream.ServerConfig
type ClientConfig = stream.ClientConfig
type RateLimitConfig = lnet.RateLimitConfig

// New creates a framed server. Call Start to begin accepting connections.
//
// Example:
//
//	srv := framed.New(framed.NewConfig(":7000", framed.DefaultRateLimitConfig(), lnet.Hooks{
//	    OnConnect: func(p lnet.Peer) {
//	        log.Printf("peer %d connected from %s", p.ID(), p.RemoteAddr())
//	    },
//	}))
func New(cfg *ServerConfig) lnet.Server {
	return stream.NewServer(cfg)
}

// NewConfig returns a server config with default timeouts and limits.
func NewConfig(addr string, rateLimit *RateLimitConfig, hooks lnet.Hooks) *ServerConfig {
	cfg := stream.DefaultServerConfig(addr)
	if rateLimit != nil {
		cfg.RateLimit = rateLimit
	}
	cfg.Hooks = hooks
	return cfg
}

// NewClient creates a framed client. Call Connect to dial.
func NewClient(cfg *ClientConfig) lnet.Client {
	return stream.NewClient(cfg)
}

// NewClientConfig returns a client config with default timeouts.
func NewClientConfig(addr string, hooks lnet.Hooks) *ClientConfig {
	cfg := stream.DefaultClientConfig(addr)
	cfg.Hooks = hooks
	return cfg
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return lnet.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return lnet.NoRateLimit()
}
