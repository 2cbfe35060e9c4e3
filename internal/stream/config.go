package stream

import (
	"log/slog"
	"time"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/metrics"
)

const (
	defaultSendQueueSize = 256
	defaultReadTimeout   = 60 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultPingInterval  = 54 * time.Second
	defaultDialTimeout   = 10 * time.Second

	transportLabel = "tcp"
)

// ServerConfig configures a framed Server. Zero fields take defaults.
type ServerConfig struct {
	// Addr is the TCP address to listen on, e.g. ":7000" or "127.0.0.1:0".
	Addr string

	// MaxConnections bounds concurrently served connections. Connections
	// accepted beyond it are closed immediately. Default 1000.
	MaxConnections int

	// RateLimit applies per connection. nil uses lnet.DefaultRateLimitConfig().
	RateLimit *lnet.RateLimitConfig

	Hooks lnet.Hooks

	// ReadTimeout closes a connection that sends nothing, not even a ping,
	// for this long. Default 60s; negative disables.
	ReadTimeout time.Duration
	// WriteTimeout bounds each socket write. Default 10s.
	WriteTimeout time.Duration
	// PingInterval is how often the writer sends a keep-alive. Default 54s;
	// negative disables.
	PingInterval time.Duration
	// SendQueueSize is the per-connection outbound buffer. Default 256.
	SendQueueSize int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// TracerName overrides the dispatch tracer name.
	TracerName string
}

// DefaultServerConfig returns a config listening on addr with default limits.
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:           addr,
		MaxConnections: lnet.DefaultMaxConnections,
		RateLimit:      lnet.DefaultRateLimitConfig(),
		ReadTimeout:    defaultReadTimeout,
		WriteTimeout:   defaultWriteTimeout,
		PingInterval:   defaultPingInterval,
		SendQueueSize:  defaultSendQueueSize,
	}
}

// ClientConfig configures a framed Client. Zero fields take defaults.
type ClientConfig struct {
	// Addr is the server address to dial.
	Addr string
	// DialTimeout bounds Connect when ctx has no deadline. Default 10s.
	DialTimeout time.Duration

	// RateLimit applies to messages from the server. nil disables it.
	RateLimit *lnet.RateLimitConfig

	Hooks lnet.Hooks

	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	SendQueueSize int

	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	TracerName string
}

// DefaultClientConfig returns a config dialing addr with default timeouts.
func DefaultClientConfig(addr string) *ClientConfig {
	return &ClientConfig{
		Addr:          addr,
		DialTimeout:   defaultDialTimeout,
		ReadTimeout:   defaultReadTimeout,
		WriteTimeout:  defaultWriteTimeout,
		PingInterval:  defaultPingInterval,
		SendQueueSize: defaultSendQueueSize,
	}
}

func durationOr(d, def time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d == 0:
		return def
	default:
		return d
	}
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
