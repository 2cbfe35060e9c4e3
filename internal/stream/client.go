package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/dispatch"
	"github.com/luciancaetano/lnet/message"
)

// Client implements lnet.Client over TCP. The server connection is a Peer
// with id 0.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	table  *dispatch.Table

	state atomic.Int32

	mu   sync.Mutex // serializes Connect and Disconnect
	conn atomic.Pointer[Conn]
	done chan struct{}
}

var _ lnet.Client = (*Client)(nil)

func NewClient(cfg *ClientConfig) *Client {
	c := *cfg
	c.DialTimeout = durationOr(c.DialTimeout, defaultDialTimeout)
	c.SendQueueSize = intOr(c.SendQueueSize, defaultSendQueueSize)
	c.ReadTimeout = durationOr(c.ReadTimeout, defaultReadTimeout)
	c.WriteTimeout = durationOr(c.WriteTimeout, defaultWriteTimeout)
	c.PingInterval = durationOr(c.PingInterval, defaultPingInterval)

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "lnet.framed.client")

	cl := &Client{cfg: c, logger: logger}
	cl.table = dispatch.New(dispatch.Config{
		Transport:  transportLabel,
		Metrics:    c.Metrics,
		TracerName: c.TracerName,
		OnPanic: func(peer lnet.Peer, err error) {
			logger.Error("handler panic", "error", err)
			if c.Hooks.OnError != nil {
				c.Hooks.OnError(peer, err)
			}
		},
	})
	return cl
}

// Connect dials the server once and starts the reader and writer.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(lnet.StateDisconnected), int32(lnet.StateConnecting)) {
		return lnet.ErrAlreadyConnected
	}

	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		c.state.Store(int32(lnet.StateDisconnected))
		c.logger.Warn("connect failed", "addr", c.cfg.Addr, "error", err)
		return fmt.Errorf("%w: %w", lnet.ErrConnectionFailed, err)
	}

	conn := newConn(0, nc, connOptions{
		limiter:      c.cfg.RateLimit.NewLimiter(),
		queueSize:    c.cfg.SendQueueSize,
		readTimeout:  c.cfg.ReadTimeout,
		writeTimeout: c.cfg.WriteTimeout,
		pingInterval: c.cfg.PingInterval,
		onWrite:      c.cfg.Hooks.OnWrite,
		metrics:      c.cfg.Metrics,
		logger:       c.logger,
	})
	conn.start()
	c.conn.Store(conn)
	c.done = make(chan struct{})
	c.state.Store(int32(lnet.StateConnected))
	conn.logger.Info("connected")

	if c.cfg.Hooks.OnConnect != nil {
		c.cfg.Hooks.OnConnect(conn)
	}
	go c.run(conn, c.done)
	return nil
}

func (c *Client) run(conn *Conn, done chan struct{}) {
	defer close(done)

	err := conn.readLoop(c.table)
	conn.teardown()
	c.state.Store(int32(lnet.StateDisconnected))

	if err != nil {
		conn.logger.Warn("disconnected", "error", err)
	} else {
		conn.logger.Info("disconnected")
	}
	if c.cfg.Hooks.OnDisconnect != nil {
		c.cfg.Hooks.OnDisconnect(conn, err)
	}
}

// Disconnect says goodbye and waits for the server to close its side until
// ctx expires, then closes hard. It is a no-op when already disconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn := c.conn.Load()
	if conn == nil {
		return nil
	}
	conn.shutdown()

	select {
	case <-c.done:
	case <-ctx.Done():
		conn.closeWith(nil)
		<-c.done
	}
	c.conn.Store(nil)
	return nil
}

// Send queues msg for the server.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	conn := c.conn.Load()
	if conn == nil || lnet.ClientState(c.state.Load()) != lnet.StateConnected {
		return lnet.ErrNotConnected
	}
	return conn.Send(ctx, msg)
}

// RegisterHandler ignores reserved types; they never reach handlers.
func (c *Client) RegisterHandler(id message.Identifier, h lnet.HandlerFunc) bool {
	if err := checkType(id); err != nil {
		c.logger.Warn("handler not registered", "id", id, "error", err)
		return false
	}
	return c.table.Register(id, h)
}

func (c *Client) RemoveHandler(id message.Identifier) bool {
	return c.table.Unregister(id)
}

func (c *Client) SetObserver(fn lnet.ObserverFunc) {
	c.table.SetObserver(fn)
}

// Peer returns the server connection while connected.
func (c *Client) Peer() lnet.Peer {
	conn := c.conn.Load()
	if conn == nil || lnet.ClientState(c.state.Load()) != lnet.StateConnected {
		return nil
	}
	return conn
}

func (c *Client) State() lnet.ClientState {
	return lnet.ClientState(c.state.Load())
}
