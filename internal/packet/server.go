package packet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/dispatch"
	"github.com/luciancaetano/lnet/internal/metrics"
	"github.com/luciancaetano/lnet/internal/registry"
	"github.com/luciancaetano/lnet/message"
)

// stopPollInterval paces polling for disconnect events during Stop.
const stopPollInterval = 5 * time.Millisecond

// Server implements lnet.Server and lnet.Ticker on top of a Host.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	table  *dispatch.Table
	conns  *registry.Registry[lnet.ConnID, *peer]

	state atomic.Int32
	host  atomic.Pointer[hostBox]

	// tickMu serializes Tick, Start and Stop. Only the goroutine holding it
	// touches byEndpoint and rejected.
	tickMu     sync.Mutex
	byEndpoint map[Endpoint]*peer
	rejected   map[Endpoint]struct{}
}

// hostBox lets an interface value live in an atomic.Pointer.
type hostBox struct{ Host }

var (
	_ lnet.Server = (*Server)(nil)
	_ lnet.Ticker = (*Server)(nil)
)

func NewServer(cfg *ServerConfig) *Server {
	c := *cfg
	if c.RateLimit == nil {
		c.RateLimit = lnet.DefaultRateLimitConfig()
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = lnet.DefaultMaxConnections
	}
	c.Channels = channelsOr(c.Channels)
	if c.Transport == "" {
		c.Transport = "packet"
	}

	logger := loggerOr(c.Logger).With("component", "lnet.packet.server", "transport", c.Transport)
	s := &Server{
		cfg:    c,
		logger: logger,
		conns:  registry.New[lnet.ConnID, *peer](),
	}
	s.table = dispatch.New(dispatch.Config{
		Transport:  c.Transport,
		Metrics:    c.Metrics,
		TracerName: c.TracerName,
		OnPanic: func(p lnet.Peer, err error) {
			logger.Error("handler panic", "conn_id", p.ID(), "error", err)
			s.reportError(p, err)
		},
	})
	return s
}

// Start opens the host. The server is then Running and processes events on
// each Tick.
func (s *Server) Start(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	switch lnet.ServerState(s.state.Load()) {
	case lnet.StateCreated, lnet.StateStopped:
	default:
		return lnet.ErrAlreadyRunning
	}
	if s.cfg.Listen == nil {
		return fmt.Errorf("%w: no listener configured", lnet.ErrTransport)
	}

	host, err := s.cfg.Listen(ctx)
	if err != nil {
		return fmt.Errorf("%w: listen: %w", lnet.ErrTransport, err)
	}
	s.host.Store(&hostBox{host})
	s.byEndpoint = make(map[Endpoint]*peer)
	s.rejected = make(map[Endpoint]struct{})
	s.state.Store(int32(lnet.StateListening))
	s.state.Store(int32(lnet.StateRunning))

	addr := ""
	if a := host.Addr(); a != nil {
		addr = a.String()
	}
	s.logger.Info("server started", "addr", addr, "channels", s.cfg.Channels)
	return nil
}

// Tick drains the host's events and dispatches them on the calling goroutine.
func (s *Server) Tick() error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if lnet.ServerState(s.state.Load()) != lnet.StateRunning {
		return lnet.ErrNotRunning
	}
	s.drain(s.hostOrNil())
	return nil
}

func (s *Server) drain(host Host) {
	for _, ev := range host.Poll() {
		switch ev.Kind {
		case EventConnect:
			s.handleConnect(host, ev)
		case EventDisconnect:
			s.handleDisconnect(ev)
		case EventReceive:
			s.handleReceive(ev)
		}
	}
}

func (s *Server) handleConnect(host Host, ev Event) {
	if lnet.ServerState(s.state.Load()) != lnet.StateRunning {
		s.logger.Info("server stopping, rejecting connection", "remote_addr", ev.RemoteAddr)
		s.reject(host, ev, lnet.ErrShuttingDown)
		return
	}
	if s.conns.Len() >= s.cfg.MaxConnections {
		s.logger.Warn("connection limit reached, rejecting", "remote_addr", ev.RemoteAddr)
		s.reject(host, ev, lnet.ErrTooManyPeers)
		return
	}

	opts := peerOptions{
		channels:  s.cfg.Channels,
		transport: s.cfg.Transport,
		limiter:   s.cfg.RateLimit.NewLimiter(),
		onWrite:   s.cfg.Hooks.OnWrite,
		metrics:   s.cfg.Metrics,
		logger:    s.logger,
	}
	_, p := s.conns.Admit(func(id lnet.ConnID) *peer {
		return newPeer(id, ev.Peer, ev.RemoteAddr, host, opts)
	})
	s.byEndpoint[ev.Peer] = p
	s.cfg.Metrics.Connected(s.cfg.Transport)
	p.logger.Info("client connected")

	if s.cfg.Hooks.OnConnect != nil {
		s.cfg.Hooks.OnConnect(p)
	}
}

// reject disconnects an endpoint that never became a peer. Its disconnect
// event is swallowed.
func (s *Server) reject(host Host, ev Event, reason error) {
	s.rejected[ev.Peer] = struct{}{}
	_ = host.Disconnect(ev.Peer)
	s.reportError(nil, fmt.Errorf("%w: %s", reason, ev.RemoteAddr))
}

func (s *Server) handleDisconnect(ev Event) {
	if _, ok := s.rejected[ev.Peer]; ok {
		delete(s.rejected, ev.Peer)
		return
	}
	p, ok := s.byEndpoint[ev.Peer]
	if !ok {
		return
	}
	delete(s.byEndpoint, ev.Peer)
	s.finish(p, ev.Err)
}

// finish runs the disconnect hook and then releases the id.
func (s *Server) finish(p *peer, cause error) {
	p.markClosed()

	var err error
	if cause != nil {
		err = fmt.Errorf("%w: %w", lnet.ErrTransport, cause)
		p.logger.Warn("client disconnected", "error", err)
	} else {
		p.logger.Info("client disconnected")
	}

	if s.cfg.Hooks.OnDisconnect != nil {
		s.cfg.Hooks.OnDisconnect(p, err)
	}
	s.cfg.Metrics.Disconnected(s.cfg.Transport, err)
	s.conns.Release(p.id)
}

func (s *Server) handleReceive(ev Event) {
	p, ok := s.byEndpoint[ev.Peer]
	if !ok || !p.IsAlive() {
		return
	}

	msg, err := decode(ev, s.cfg.Channels)
	if err != nil {
		reason := metrics.ReasonMalformed
		if errors.Is(err, lnet.ErrInvalidChannel) {
			reason = metrics.ReasonBadChannel
		}
		s.cfg.Metrics.Dropped(s.cfg.Transport, reason)
		p.logger.Debug("packet dropped", "reason", reason, "error", err)
		s.reportError(p, err)
		return
	}

	if !lnet.Allow(p.limiter) {
		p.logger.Warn("rate limit exceeded")
		s.cfg.Metrics.Dropped(s.cfg.Transport, metrics.ReasonRateLimited)
		s.reportError(p, lnet.ErrRateLimited)
		_ = p.Close(context.Background())
		return
	}

	s.table.Dispatch(p.ctx, p, msg)
}

func (s *Server) reportError(p lnet.Peer, err error) {
	if s.cfg.Hooks.OnError != nil {
		s.cfg.Hooks.OnError(p, err)
	}
}

// Stop disconnects every peer and keeps polling until their disconnects are
// reported or ctx expires. Remaining peers are finished without a transport
// confirmation. Stop must not be called from a handler.
func (s *Server) Stop(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if lnet.ServerState(s.state.Load()) != lnet.StateRunning {
		return nil
	}
	s.state.Store(int32(lnet.StateStopping))
	host := s.hostOrNil()

	for _, p := range s.byEndpoint {
		if p.markClosed() {
			_ = host.Disconnect(p.ep)
		}
	}

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for len(s.byEndpoint) > 0 {
		s.drain(host)
		if len(s.byEndpoint) == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.logger.Warn("stop deadline reached", "remaining", len(s.byEndpoint))
			for ep, p := range s.byEndpoint {
				delete(s.byEndpoint, ep)
				s.finish(p, nil)
			}
		}
	}

	if err := host.Close(); err != nil {
		s.logger.Warn("host close failed", "error", err)
	}
	s.conns.Reset()
	s.rejected = nil
	s.state.Store(int32(lnet.StateStopped))
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) hostOrNil() Host {
	if b := s.host.Load(); b != nil {
		return b.Host
	}
	return nil
}

func (s *Server) RegisterHandler(id message.Identifier, h lnet.HandlerFunc) bool {
	return s.table.Register(id, h)
}

func (s *Server) RemoveHandler(id message.Identifier) bool {
	return s.table.Unregister(id)
}

func (s *Server) SetObserver(fn lnet.ObserverFunc) {
	s.table.SetObserver(fn)
}

func (s *Server) SendTo(ctx context.Context, id lnet.ConnID, msg *message.Message) bool {
	p, ok := s.conns.Lookup(id)
	if !ok {
		return false
	}
	if err := p.Send(ctx, msg); err != nil {
		p.logger.Debug("send failed", "type", msg.Type(), "error", err)
		return false
	}
	return true
}

// Broadcast encodes msg once and sends it to every admitted peer. Endpoints
// whose connect has not been ticked yet are not peers and are skipped.
func (s *Server) Broadcast(ctx context.Context, msg *message.Message) error {
	return s.broadcast(msg, func(lnet.ConnID) bool { return true })
}

// BroadcastExcept is Broadcast skipping one peer.
func (s *Server) BroadcastExcept(ctx context.Context, except lnet.ConnID, msg *message.Message) error {
	return s.broadcast(msg, func(id lnet.ConnID) bool { return id != except })
}

func (s *Server) broadcast(msg *message.Message, include func(lnet.ConnID) bool) error {
	if lnet.ServerState(s.state.Load()) != lnet.StateRunning {
		return lnet.ErrNotRunning
	}
	data, err := encode(msg, s.cfg.Channels)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range s.conns.Values() {
		if !include(p.id) || !p.IsAlive() {
			continue
		}
		if err := p.sendEncoded(msg, data); err != nil {
			errs = append(errs, fmt.Errorf("conn %d: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) Peer(id lnet.ConnID) (lnet.Peer, bool) {
	p, ok := s.conns.Lookup(id)
	if !ok {
		return nil, false
	}
	return p, true
}

func (s *Server) Peers() []lnet.Peer {
	ps := s.conns.Values()
	out := make([]lnet.Peer, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

func (s *Server) State() lnet.ServerState {
	return lnet.ServerState(s.state.Load())
}

func (s *Server) Addr() net.Addr {
	if h := s.hostOrNil(); h != nil {
		return h.Addr()
	}
	return nil
}
