package packet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/dispatch"
	"github.com/luciancaetano/lnet/internal/metrics"
	"github.com/luciancaetano/lnet/message"
)

// Client implements lnet.Client and lnet.Ticker on top of a dialed Host.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	table  *dispatch.Table

	state   atomic.Int32
	current atomic.Pointer[clientSession]

	mu     sync.Mutex // serializes Connect and Disconnect
	tickMu sync.Mutex
}

// clientSession is one successful Connect.
type clientSession struct {
	host   Host
	server *peer
	once   sync.Once
}

var (
	_ lnet.Client = (*Client)(nil)
	_ lnet.Ticker = (*Client)(nil)
)

func NewClient(cfg *ClientConfig) *Client {
	c := *cfg
	c.Channels = channelsOr(c.Channels)
	if c.Transport == "" {
		c.Transport = "packet"
	}

	logger := loggerOr(c.Logger).With("component", "lnet.packet.client", "transport", c.Transport)
	cl := &Client{cfg: c, logger: logger}
	cl.table = dispatch.New(dispatch.Config{
		Transport:  c.Transport,
		Metrics:    c.Metrics,
		TracerName: c.TracerName,
		OnPanic: func(p lnet.Peer, err error) {
			logger.Error("handler panic", "error", err)
			cl.reportError(p, err)
		},
	})
	return cl
}

// Connect dials once. On failure the client stays Disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(lnet.StateDisconnected), int32(lnet.StateConnecting)) {
		return lnet.ErrAlreadyConnected
	}
	if c.cfg.Dial == nil {
		c.state.Store(int32(lnet.StateDisconnected))
		return fmt.Errorf("%w: no dialer configured", lnet.ErrConnectionFailed)
	}

	host, ep, err := c.cfg.Dial(ctx)
	if err != nil {
		c.state.Store(int32(lnet.StateDisconnected))
		c.logger.Warn("connect failed", "error", err)
		return fmt.Errorf("%w: %w", lnet.ErrConnectionFailed, err)
	}

	remote := ""
	if a := host.Addr(); a != nil {
		remote = a.String()
	}
	server := newPeer(0, ep, remote, host, peerOptions{
		channels:  c.cfg.Channels,
		transport: c.cfg.Transport,
		limiter:   c.cfg.RateLimit.NewLimiter(),
		onWrite:   c.cfg.Hooks.OnWrite,
		metrics:   c.cfg.Metrics,
		logger:    c.logger,
	})
	c.current.Store(&clientSession{host: host, server: server})
	c.state.Store(int32(lnet.StateConnected))
	server.logger.Info("connected")

	if c.cfg.Hooks.OnConnect != nil {
		c.cfg.Hooks.OnConnect(server)
	}
	return nil
}

// Tick drains the host's events and dispatches them on the calling goroutine.
func (c *Client) Tick() error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	sess := c.current.Load()
	if sess == nil || lnet.ClientState(c.state.Load()) != lnet.StateConnected {
		return lnet.ErrNotRunning
	}

	for _, ev := range sess.host.Poll() {
		if ev.Peer != sess.server.ep {
			continue
		}
		switch ev.Kind {
		case EventDisconnect:
			c.end(sess, ev.Err)
			return nil
		case EventReceive:
			c.handleReceive(sess, ev)
		}
	}
	return nil
}

func (c *Client) handleReceive(sess *clientSession, ev Event) {
	p := sess.server
	if !p.IsAlive() {
		return
	}
	msg, err := decode(ev, c.cfg.Channels)
	if err != nil {
		reason := metrics.ReasonMalformed
		if errors.Is(err, lnet.ErrInvalidChannel) {
			reason = metrics.ReasonBadChannel
		}
		c.cfg.Metrics.Dropped(c.cfg.Transport, reason)
		c.reportError(p, err)
		return
	}
	if !lnet.Allow(p.limiter) {
		c.cfg.Metrics.Dropped(c.cfg.Transport, metrics.ReasonRateLimited)
		c.reportError(p, lnet.ErrRateLimited)
		return
	}
	c.table.Dispatch(p.ctx, p, msg)
}

// end tears a session down exactly once.
func (c *Client) end(sess *clientSession, cause error) {
	sess.once.Do(func() {
		sess.server.markClosed()
		c.current.CompareAndSwap(sess, nil)
		c.state.Store(int32(lnet.StateDisconnected))

		if err := sess.host.Close(); err != nil {
			c.logger.Debug("host close failed", "error", err)
		}

		var err error
		if cause != nil {
			err = fmt.Errorf("%w: %w", lnet.ErrTransport, cause)
			sess.server.logger.Warn("disconnected", "error", err)
		} else {
			sess.server.logger.Info("disconnected")
		}
		if c.cfg.Hooks.OnDisconnect != nil {
			c.cfg.Hooks.OnDisconnect(sess.server, err)
		}
	})
}

// Disconnect closes the connection and the host. It is idempotent and may be
// called from a handler.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.current.Load()
	if sess == nil {
		return nil
	}
	_ = sess.host.Disconnect(sess.server.ep)
	c.end(sess, nil)
	return nil
}

// Send hands msg to the host for the server.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	sess := c.current.Load()
	if sess == nil || lnet.ClientState(c.state.Load()) != lnet.StateConnected {
		return lnet.ErrNotConnected
	}
	return sess.server.Send(ctx, msg)
}

func (c *Client) reportError(p lnet.Peer, err error) {
	if c.cfg.Hooks.OnError != nil {
		c.cfg.Hooks.OnError(p, err)
	}
}

func (c *Client) RegisterHandler(id message.Identifier, h lnet.HandlerFunc) bool {
	return c.table.Register(id, h)
}

func (c *Client) RemoveHandler(id message.Identifier) bool {
	return c.table.Unregister(id)
}

func (c *Client) SetObserver(fn lnet.ObserverFunc) {
	c.table.SetObserver(fn)
}

func (c *Client) Peer() lnet.Peer {
	sess := c.current.Load()
	if sess == nil {
		return nil
	}
	return sess.server
}

func (c *Client) State() lnet.ClientState {
	return lnet.ClientState(c.state.Load())
}
