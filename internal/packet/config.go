package packet

import (
	"log/slog"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/metrics"
)

// ServerConfig configures a packetized Server.
type ServerConfig struct {
	// Listen opens the host on Start. Required.
	Listen Listener
	// Transport labels logs and metrics, e.g. "quic", "ws" or "mem".
	Transport string

	// Channels is the number of channels in use, 1 to lnet.MaxChannels.
	// Default lnet.DefaultChannels.
	Channels int
	// MaxConnections bounds concurrent peers; excess peers are disconnected
	// as soon as they connect. Default lnet.DefaultMaxConnections.
	MaxConnections int
	// RateLimit applies per peer. nil uses lnet.DefaultRateLimitConfig().
	RateLimit *lnet.RateLimitConfig

	Hooks lnet.Hooks

	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	TracerName string
}

// ClientConfig configures a packetized Client.
type ClientConfig struct {
	// Dial opens the host on Connect. Required.
	Dial      Dialer
	Transport string
	Channels  int
	// RateLimit applies to packets from the server. nil disables it.
	RateLimit *lnet.RateLimitConfig

	Hooks lnet.Hooks

	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	TracerName string
}

func channelsOr(n int) int {
	switch {
	case n <= 0:
		return lnet.DefaultChannels
	case n > lnet.MaxChannels:
		return lnet.MaxChannels
	default:
		return n
	}
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
