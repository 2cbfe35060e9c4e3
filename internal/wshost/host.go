// Package wshost implements packet.Host over WebSocket.
//
// Each binary message carries one packet. WebSocket has no unreliable
// delivery, so every packet is delivered reliably and in order regardless of
// the flag it was sent with.
package wshost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/lnet/internal/packet"
	"github.com/luciancaetano/lnet/message"
)

var (
	ErrHostClosed = errors.New("wshost: host closed")
	ErrQueueFull  = errors.New("wshost: send queue full")
)

// CheckOriginFn validates the Origin of an upgrade request.
type CheckOriginFn = func(r *http.Request) bool

// AllOrigins accepts every origin. Use it for development only.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// Config configures a WebSocket host.
type Config struct {
	// Path is the upgrade endpoint. Default "/lnet".
	Path string
	// CheckOrigin defaults to gorilla's same-origin check.
	CheckOrigin CheckOriginFn
	// Header is sent with the client's upgrade request.
	Header http.Header

	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	SendQueueSize int
	Logger        *slog.Logger
}

const (
	defaultPath         = "/lnet"
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	// defaultPingInterval must stay below defaultReadTimeout.
	defaultPingInterval = 54 * time.Second
	defaultQueueSize    = 256
	shutdownTimeout     = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = defaultPath
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "lnet.wshost")
	return c
}

// Host implements packet.Host.
type Host struct {
	cfg  Config
	addr net.Addr

	server *http.Server
	ln     net.Listener
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	events []packet.Event
	conns  map[packet.Endpoint]*wsConn
	next   packet.Endpoint
}

var _ packet.Host = (*Host)(nil)

func newHost(cfg Config, addr net.Addr) *Host {
	return &Host{cfg: cfg, addr: addr, conns: make(map[packet.Endpoint]*wsConn)}
}

// Listen serves the upgrade endpoint on addr.
func Listen(ctx context.Context, addr string, cfg Config) (*Host, error) {
	cfg = cfg.withDefaults()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	h := newHost(cfg, ln.Addr())
	h.ln = ln
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     cfg.CheckOrigin,
	}

	r := chi.NewRouter()
	r.Get(cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error
			cfg.Logger.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		h.adopt(conn, r.RemoteAddr, true)
	})
	h.server = &http.Server{Handler: r, ReadHeaderTimeout: cfg.ReadTimeout}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cfg.Logger.Error("http server failed", "error", err)
		}
	}()
	return h, nil
}

// Dial connects to a server. addr is either a ws:// or wss:// URL or a
// host:port, in which case Config.Path is appended.
func Dial(ctx context.Context, addr string, cfg Config) (*Host, packet.Endpoint, error) {
	cfg = cfg.withDefaults()

	url := addr
	if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
		url = "ws://" + addr + cfg.Path
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, 0, fmt.Errorf("wshost: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, 0, fmt.Errorf("wshost: dial %s: %w", url, err)
	}

	h := newHost(cfg, conn.RemoteAddr())
	ep := h.adopt(conn, conn.RemoteAddr().String(), false)
	return h, ep, nil
}

// Listener adapts Listen to packet.Listener.
func Listener(addr string, cfg Config) packet.Listener {
	return func(ctx context.Context) (packet.Host, error) {
		return Listen(ctx, addr, cfg)
	}
}

// Dialer adapts Dial to packet.Dialer.
func Dialer(addr string, cfg Config) packet.Dialer {
	return func(ctx context.Context) (packet.Host, packet.Endpoint, error) {
		h, ep, err := Dial(ctx, addr, cfg)
		if err != nil {
			return nil, 0, err
		}
		return h, ep, nil
	}
}

func (h *Host) adopt(conn *websocket.Conn, remoteAddr string, announce bool) packet.Endpoint {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return 0
	}
	h.next++
	c := newWSConn(h.next, conn, h.cfg)
	h.conns[c.ep] = c
	if announce {
		h.events = append(h.events, packet.Event{Kind: packet.EventConnect, Peer: c.ep, RemoteAddr: remoteAddr})
	}
	h.wg.Add(2)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		cause := c.readPump(h)
		h.mu.Lock()
		delete(h.conns, c.ep)
		h.mu.Unlock()
		h.push(packet.Event{Kind: packet.EventDisconnect, Peer: c.ep, Err: cause})
	}()
	return c.ep
}

func (h *Host) push(ev packet.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.events = append(h.events, ev)
	}
}

func (h *Host) Poll() []packet.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	evs := h.events
	h.events = nil
	return evs
}

func (h *Host) lookup(ep packet.Endpoint) (*wsConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHostClosed
	}
	c, ok := h.conns[ep]
	if !ok {
		return nil, packet.ErrUnknownPeer
	}
	return c, nil
}

// Send queues data for the peer. The reliable flag is ignored.
func (h *Host) Send(ep packet.Endpoint, channel uint8, data []byte, reliable bool) error {
	c, err := h.lookup(ep)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (h *Host) Broadcast(channel uint8, data []byte, reliable bool) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHostClosed
	}
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.enqueue(data); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", c.ep, err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect sends a normal close frame and closes the socket.
func (h *Host) Disconnect(ep packet.Endpoint) error {
	c, err := h.lookup(ep)
	if err != nil {
		return err
	}
	c.closeWithCode(websocket.CloseNormalClosure, "")
	return nil
}

// Close disconnects every peer, shuts the HTTP server down and waits for
// the host's goroutines. Events not yet polled are kept.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	// hijacked connections are not tracked by http.Server
	for _, c := range conns {
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
	}

	var err error
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = h.server.Shutdown(ctx)
	}
	h.wg.Wait()
	return err
}

func (h *Host) Addr() net.Addr { return h.addr }

// wsConn is one WebSocket connection. writePump is the only data writer;
// close frames go through WriteControl, which gorilla allows concurrently.
type wsConn struct {
	ep   packet.Endpoint
	conn *websocket.Conn
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan []byte

	local atomic.Bool
	once  sync.Once
}

func newWSConn(ep packet.Endpoint, conn *websocket.Conn, cfg Config) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(message.PacketHeaderSize + message.MaxPayloadSize)
	return &wsConn{
		ep:     ep,
		conn:   conn,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		sendCh: make(chan []byte, cfg.SendQueueSize),
	}
}

func (c *wsConn) enqueue(data []byte) error {
	if c.ctx.Err() != nil {
		return packet.ErrUnknownPeer
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// closeWithCode closes the connection locally. Only the first call has effect.
func (c *wsConn) closeWithCode(code int, reason string) {
	c.once.Do(func() {
		c.local.Store(true)
		c.cancel()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// kill closes the socket after a failure on this side.
func (c *wsConn) kill() {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

// readPump forwards binary messages until the connection ends and returns
// the disconnect cause: nil for a close by either application.
func (c *wsConn) readPump(h *Host) error {
	defer c.kill()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.local.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.cfg.Logger.Debug("unexpected close", "peer", c.ep, "error", err)
			}
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		if typ != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		h.push(packet.Event{Kind: packet.EventReceive, Peer: c.ep, Channel: data[0], Data: data, Reliable: true})
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case data := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.cfg.Logger.Debug("write failed", "peer", c.ep, "error", err)
				c.kill()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.kill()
				return
			}
		}
	}
}
