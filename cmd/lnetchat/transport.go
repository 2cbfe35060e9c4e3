package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/framed"
	"github.com/luciancaetano/lnet/packet"
)

// tickInterval paces the packet engines, roughly 60 times a second.
const tickInterval = 15 * time.Millisecond

var errUnknownTransport = errors.New("unknown transport")

// serverOptions are the knobs shared by every transport.
type serverOptions struct {
	transport string
	addr      string
	hooks     lnet.Hooks
	metrics   *lnet.Metrics
	logger    *slog.Logger
}

func newServer(opts serverOptions) (lnet.Server, error) {
	switch opts.transport {
	case "tcp":
		cfg := framed.NewConfig(opts.addr, framed.DefaultRateLimitConfig(), opts.hooks)
		cfg.Metrics = opts.metrics
		cfg.Logger = opts.logger
		return framed.New(cfg), nil

	case "quic", "ws":
		var cfg *packet.ServerConfig
		if opts.transport == "quic" {
			tlsConf, err := packet.SelfSignedTLS(24 * time.Hour)
			if err != nil {
				return nil, err
			}
			cfg = packet.QUICServerConfig(opts.addr, tlsConf)
		} else {
			cfg = packet.WebSocketServerConfig(opts.addr, packet.AllOrigins())
		}
		cfg.Hooks = opts.hooks
		cfg.Metrics = opts.metrics
		cfg.Logger = opts.logger
		return packet.NewServer(cfg), nil

	default:
		return nil, fmt.Errorf("%w %q (want tcp, quic or ws)", errUnknownTransport, opts.transport)
	}
}

func newClient(transport, addr string, hooks lnet.Hooks) (lnet.Client, error) {
	switch transport {
	case "tcp":
		return framed.NewClient(framed.NewClientConfig(addr, hooks)), nil
	case "quic":
		cfg := packet.QUICClientConfig(addr, nil)
		cfg.Hooks = hooks
		return packet.NewClient(cfg), nil
	case "ws":
		cfg := packet.WebSocketClientConfig(addr)
		cfg.Hooks = hooks
		return packet.NewClient(cfg), nil
	default:
		return nil, fmt.Errorf("%w %q (want tcp, quic or ws)", errUnknownTransport, transport)
	}
}

// drive ticks v until ctx ends when v is a packet engine. Framed engines run
// their own goroutines and need nothing.
func drive(ctx context.Context, v any, logger *slog.Logger) {
	t, ok := v.(lnet.Ticker)
	if !ok {
		return
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Tick(); err != nil && !errors.Is(err, lnet.ErrNotRunning) {
				logger.Warn("tick failed", "error", err)
			}
		}
	}
}
