// Package stream implements the framed session engine over TCP.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/dispatch"
	"github.com/luciancaetano/lnet/internal/registry"
	"github.com/luciancaetano/lnet/message"
)

// Server implements lnet.Server over TCP.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	table  *dispatch.Table
	conns  *registry.Registry[lnet.ConnID, *Conn]

	state atomic.Int32
	addr  atomic.Value // net.Addr

	mu         sync.Mutex // serializes Start and Stop
	ln         net.Listener
	group      *errgroup.Group
	acceptDone chan struct{}
	stopOnCtx  func() bool
}

var _ lnet.Server = (*Server)(nil)

// NewServer creates a framed server. A nil cfg is not allowed.
//
// Example:
//
//	srv := NewServer(DefaultServerConfig(":7000"))
//	srv.RegisterHandler(message.ID(1), handleChat)
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop(ctx)
func NewServer(cfg *ServerConfig) *Server {
	c := *cfg
	if c.RateLimit == nil {
		c.RateLimit = lnet.DefaultRateLimitConfig()
	}
	c.MaxConnections = intOr(c.MaxConnections, lnet.DefaultMaxConnections)
	c.SendQueueSize = intOr(c.SendQueueSize, defaultSendQueueSize)
	c.ReadTimeout = durationOr(c.ReadTimeout, defaultReadTimeout)
	c.WriteTimeout = durationOr(c.WriteTimeout, defaultWriteTimeout)
	c.PingInterval = durationOr(c.PingInterval, defaultPingInterval)

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "lnet.framed.server")

	s := &Server{
		cfg:    c,
		logger: logger,
		conns:  registry.New[lnet.ConnID, *Conn](),
	}
	s.table = dispatch.New(dispatch.Config{
		Transport:  transportLabel,
		Metrics:    c.Metrics,
		TracerName: c.TracerName,
		OnPanic:    s.reportPanic,
	})
	return s
}

// Start binds the listener and starts the accept loop. Cancelling ctx stops
// the server as if Stop had been called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch lnet.ServerState(s.state.Load()) {
	case lnet.StateCreated, lnet.StateStopped:
	default:
		return lnet.ErrAlreadyRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %w", lnet.ErrTransport, s.cfg.Addr, err)
	}
	s.ln = ln
	s.addr.Store(ln.Addr())
	s.state.Store(int32(lnet.StateListening))

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConnections)
	s.group = g
	s.acceptDone = make(chan struct{})

	s.state.Store(int32(lnet.StateRunning))
	go s.acceptLoop(ln, g, s.acceptDone)

	s.stopOnCtx = context.AfterFunc(ctx, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
	})

	s.logger.Info("server started", "addr", ln.Addr().String(), "max_connections", s.cfg.MaxConnections)
	return nil
}

// Stop sends a goodbye to every connection, half-closes it and waits for the
// readers to finish until ctx expires; remaining connections are then closed
// hard. Stop must not be called from a handler.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lnet.ServerState(s.state.Load()) != lnet.StateRunning {
		return nil
	}
	s.state.Store(int32(lnet.StateStopping))
	if s.stopOnCtx != nil {
		s.stopOnCtx()
	}

	_ = s.ln.Close()
	<-s.acceptDone

	for _, c := range s.conns.Values() {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("stop deadline reached, closing remaining connections", "remaining", s.conns.Len())
		for _, c := range s.conns.Values() {
			c.closeWith(nil)
		}
		<-done
	}

	s.conns.Reset()
	s.state.Store(int32(lnet.StateStopped))
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, g *errgroup.Group, done chan struct{}) {
	defer close(done)

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// transient accept failure (e.g. EMFILE), back off like net/http
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, time.Second)
			}
			s.logger.Error("accept failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !g.TryGo(func() error {
			s.serve(nc)
			return nil
		}) {
			s.logger.Warn("connection limit reached, rejecting", "remote_addr", nc.RemoteAddr().String())
			_ = nc.Close()
			if s.cfg.Hooks.OnError != nil {
				s.cfg.Hooks.OnError(nil, fmt.Errorf("%w: %s", lnet.ErrTooManyPeers, nc.RemoteAddr()))
			}
		}
	}
}

// serve owns one connection from registration to id release.
func (s *Server) serve(nc net.Conn) {
	opts := connOptions{
		limiter:      s.cfg.RateLimit.NewLimiter(),
		queueSize:    s.cfg.SendQueueSize,
		readTimeout:  s.cfg.ReadTimeout,
		writeTimeout: s.cfg.WriteTimeout,
		pingInterval: s.cfg.PingInterval,
		onWrite:      s.cfg.Hooks.OnWrite,
		metrics:      s.cfg.Metrics,
		logger:       s.logger,
	}
	id, c := s.conns.Admit(func(id lnet.ConnID) *Conn {
		return newConn(id, nc, opts)
	})
	c.start()
	s.cfg.Metrics.Connected(transportLabel)
	c.logger.Info("client connected")

	// raced with Stop: say goodbye right away
	if lnet.ServerState(s.state.Load()) != lnet.StateRunning {
		c.shutdown()
	}

	if s.cfg.Hooks.OnConnect != nil {
		s.cfg.Hooks.OnConnect(c)
	}

	err := c.readLoop(s.table)
	c.teardown()

	if err != nil {
		c.logger.Warn("client disconnected", "error", err)
	} else {
		c.logger.Info("client disconnected")
	}
	if s.cfg.Hooks.OnDisconnect != nil {
		s.cfg.Hooks.OnDisconnect(c, err)
	}
	s.cfg.Metrics.Disconnected(transportLabel, err)
	s.conns.Release(id)
}

func (s *Server) reportPanic(peer lnet.Peer, err error) {
	s.logger.Error("handler panic", "conn_id", peer.ID(), "error", err)
	if s.cfg.Hooks.OnError != nil {
		s.cfg.Hooks.OnError(peer, err)
	}
}

// RegisterHandler ignores reserved types; they never reach handlers.
func (s *Server) RegisterHandler(id message.Identifier, h lnet.HandlerFunc) bool {
	if err := checkType(id); err != nil {
		s.logger.Warn("handler not registered", "id", id, "error", err)
		return false
	}
	return s.table.Register(id, h)
}

func (s *Server) RemoveHandler(id message.Identifier) bool {
	return s.table.Unregister(id)
}

func (s *Server) SetObserver(fn lnet.ObserverFunc) {
	s.table.SetObserver(fn)
}

// SendTo queues msg for one connection, waiting for queue space.
func (s *Server) SendTo(ctx context.Context, id lnet.ConnID, msg *message.Message) bool {
	c, ok := s.conns.Lookup(id)
	if !ok {
		return false
	}
	if err := c.Send(ctx, msg); err != nil {
		c.logger.Debug("send failed", "type", msg.Type(), "error", err)
		return false
	}
	return true
}

// Broadcast encodes msg once and queues it on every connection. A connection
// whose queue is full misses the message; the joined error lists them.
func (s *Server) Broadcast(ctx context.Context, msg *message.Message) error {
	return s.broadcast(ctx, msg, func(lnet.ConnID) bool { return true })
}

// BroadcastExcept is Broadcast skipping one connection.
func (s *Server) BroadcastExcept(ctx context.Context, except lnet.ConnID, msg *message.Message) error {
	return s.broadcast(ctx, msg, func(id lnet.ConnID) bool { return id != except })
}

func (s *Server) broadcast(ctx context.Context, msg *message.Message, include func(lnet.ConnID) bool) error {
	if lnet.ServerState(s.state.Load()) != lnet.StateRunning {
		return lnet.ErrNotRunning
	}
	if err := checkType(msg.Identifier()); err != nil {
		return err
	}
	data, err := message.EncodeFramed(msg)
	if err != nil {
		return fmt.Errorf("stream: encode: %w", err)
	}

	var snap *message.Message
	if s.cfg.Hooks.OnWrite != nil {
		snap = msg.Clone()
	}

	var errs []error
	for _, c := range s.conns.Values() {
		if !include(c.id) {
			continue
		}
		err := c.enqueue(ctx, outbound{data: data, msg: snap}, false)
		if err != nil && !errors.Is(err, lnet.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("conn %d: %w", c.id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) Peer(id lnet.ConnID) (lnet.Peer, bool) {
	c, ok := s.conns.Lookup(id)
	if !ok {
		return nil, false
	}
	return c, true
}

func (s *Server) Peers() []lnet.Peer {
	conns := s.conns.Values()
	peers := make([]lnet.Peer, len(conns))
	for i, c := range conns {
		peers[i] = c
	}
	return peers
}

func (s *Server) State() lnet.ServerState {
	return lnet.ServerState(s.state.Load())
}

// Addr returns the bound listener address, or nil before the first Start.
func (s *Server) Addr() net.Addr {
	a, _ := s.addr.Load().(net.Addr)
	return a
}
