// Package quichost implements packet.Host over QUIC.
//
// Reliable packets travel on unidirectional streams, one per peer and
// channel, so packets on one channel stay ordered without blocking the
// others. Unreliable packets are sent as QUIC datagrams.
package quichost

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/luciancaetano/lnet/endian"
	"github.com/luciancaetano/lnet/internal/packet"
	"github.com/luciancaetano/lnet/message"
)

const (
	lengthPrefix = 4
	maxPacket    = message.PacketHeaderSize + message.MaxPayloadSize

	// closeCodeNormal marks a deliberate close by either side.
	closeCodeNormal quic.ApplicationErrorCode = 0
	// closeCodeProtocol marks a peer that broke stream framing.
	closeCodeProtocol quic.ApplicationErrorCode = 1
)

var (
	ErrHostClosed = errors.New("quichost: host closed")
	ErrQueueFull  = errors.New("quichost: send queue full")
)

// Config configures a QUIC host.
type Config struct {
	// TLS is required. ALPN "lnet" is added when missing.
	TLS *tls.Config
	// QUIC is optional. Datagrams are always enabled.
	QUIC *quic.Config
	// SendQueueSize bounds the packets buffered per peer. Default 256.
	SendQueueSize int
	Logger        *slog.Logger
}

// DefaultQUICConfig keeps idle connections alive well inside the idle timeout.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
		EnableDatagrams: true,
	}
}

func (c *Config) normalize() (tlsConf *tls.Config, quicConf *quic.Config, queue int, logger *slog.Logger) {
	tlsConf = withALPN(c.TLS)
	if c.QUIC != nil {
		quicConf = c.QUIC.Clone()
	} else {
		quicConf = DefaultQUICConfig()
	}
	quicConf.EnableDatagrams = true

	queue = c.SendQueueSize
	if queue <= 0 {
		queue = 256
	}
	logger = c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return tlsConf, quicConf, queue, logger.With("component", "lnet.quichost")
}

type outgoing struct {
	channel  uint8
	data     []byte
	reliable bool
}

// peerConn is one QUIC connection and its goroutines.
type peerConn struct {
	ep    packet.Endpoint
	qc    quic.Connection
	send  chan outgoing
	local atomic.Bool
}

// Host implements packet.Host.
type Host struct {
	ln     *quic.Listener
	addr   net.Addr
	queue  int
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// release returns the shared client socket; nil on server hosts.
	release func()

	mu     sync.Mutex
	closed bool
	events []packet.Event
	conns  map[packet.Endpoint]*peerConn
	next   packet.Endpoint
}

var _ packet.Host = (*Host)(nil)

func newHost(addr net.Addr, queue int, logger *slog.Logger) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		addr:   addr,
		queue:  queue,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[packet.Endpoint]*peerConn),
	}
}

// Listen opens a server host on addr, e.g. "0.0.0.0:4433" or "127.0.0.1:0".
func Listen(addr string, cfg Config) (*Host, error) {
	if cfg.TLS == nil {
		return nil, errors.New("quichost: TLS config required")
	}
	tlsConf, quicConf, queue, logger := cfg.normalize()

	ln, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	h := newHost(ln.Addr(), queue, logger)
	h.ln = ln

	h.wg.Add(1)
	go h.acceptLoop()
	logger.Debug("listening", "addr", ln.Addr().String())
	return h, nil
}

// Dial connects a client host to the server at addr.
func Dial(ctx context.Context, addr string, cfg Config) (*Host, packet.Endpoint, error) {
	if cfg.TLS == nil {
		cfg.TLS = InsecureClientTLS()
	}
	tlsConf, quicConf, queue, logger := cfg.normalize()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, 0, err
	}
	tr, err := acquireTransport()
	if err != nil {
		return nil, 0, err
	}
	qc, err := tr.Dial(ctx, udpAddr, tlsConf, quicConf)
	if err != nil {
		releaseTransport()
		return nil, 0, err
	}
	if !qc.ConnectionState().SupportsDatagrams {
		_ = qc.CloseWithError(closeCodeProtocol, "datagrams required")
		releaseTransport()
		return nil, 0, errors.New("quichost: server does not support datagrams")
	}

	h := newHost(qc.RemoteAddr(), queue, logger)
	h.release = releaseTransport
	ep := h.adopt(qc, false)
	return h, ep, nil
}

// Listener adapts Listen to packet.Listener.
func Listener(addr string, cfg Config) packet.Listener {
	return func(context.Context) (packet.Host, error) {
		return Listen(addr, cfg)
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

func (h *Host) acceptLoop() {
	defer h.wg.Done()

	for {
		qc, err := h.ln.Accept(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return
			}
			h.logger.Warn("accept failed", "error", err)
			continue
		}
		h.adopt(qc, true)
	}
}

// adopt registers qc and starts its goroutines. Server-side hosts report the
// connection with EventConnect.
func (h *Host) adopt(qc quic.Connection, announce bool) packet.Endpoint {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = qc.CloseWithError(closeCodeNormal, "host closed")
		return 0
	}
	h.next++
	pc := &peerConn{ep: h.next, qc: qc, send: make(chan outgoing, h.queue)}
	h.conns[pc.ep] = pc
	if announce {
		h.events = append(h.events, packet.Event{
			Kind:       packet.EventConnect,
			Peer:       pc.ep,
			RemoteAddr: qc.RemoteAddr().String(),
		})
	}
	h.wg.Add(4)
	h.mu.Unlock()

	go h.watch(pc)
	go h.writePump(pc)
	go h.datagramPump(pc)
	go h.streamPump(pc)
	return pc.ep
}

func (h *Host) push(ev packet.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.events = append(h.events, ev)
	}
}

// watch reports the disconnect once the connection is gone.
func (h *Host) watch(pc *peerConn) {
	defer h.wg.Done()
	<-pc.qc.Context().Done()

	h.mu.Lock()
	delete(h.conns, pc.ep)
	h.mu.Unlock()

	var cause error
	if !pc.local.Load() {
		cause = closeCause(context.Cause(pc.qc.Context()))
	}
	h.push(packet.Event{Kind: packet.EventDisconnect, Peer: pc.ep, Err: cause})
}

// closeCause maps a connection's close error to nil for a normal close by
// the remote application.
func closeCause(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == closeCodeNormal {
		return nil
	}
	return err
}

func (h *Host) writePump(pc *peerConn) {
	defer h.wg.Done()

	ctx := pc.qc.Context()
	streams := make(map[uint8]quic.SendStream)
	defer func() {
		for _, s := range streams {
			_ = s.Close()
		}
	}()
	frame := make([]byte, 0, 1024)

	for {
		select {
		case <-ctx.Done():
			return
		case out := <-pc.send:
			if !out.reliable {
				if err := pc.qc.SendDatagram(out.data); err != nil {
					h.logger.Debug("datagram dropped", "peer", pc.ep, "error", err)
				}
				continue
			}

			s, ok := streams[out.channel]
			if !ok {
				var err error
				if s, err = pc.qc.OpenUniStreamSync(ctx); err != nil {
					h.logger.Debug("open stream failed", "peer", pc.ep, "error", err)
					return
				}
				streams[out.channel] = s
			}

			frame = frame[:lengthPrefix]
			endian.Wire.PutUint32(frame, uint32(len(out.data)))
			frame = append(frame, out.data...)
			if _, err := s.Write(frame); err != nil {
				h.logger.Debug("stream write failed", "peer", pc.ep, "error", err)
				return
			}
		}
	}
}

func (h *Host) datagramPump(pc *peerConn) {
	defer h.wg.Done()

	ctx := pc.qc.Context()
	for {
		data, err := pc.qc.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		h.push(packet.Event{Kind: packet.EventReceive, Peer: pc.ep, Channel: data[0], Data: data})
	}
}

func (h *Host) streamPump(pc *peerConn) {
	defer h.wg.Done()

	ctx := pc.qc.Context()
	for {
		s, err := pc.qc.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		h.wg.Add(1)
		go h.readStream(pc, s)
	}
}

// readStream reads length-prefixed packets until the stream or connection ends.
func (h *Host) readStream(pc *peerConn, s quic.ReceiveStream) {
	defer h.wg.Done()

	var hdr [lengthPrefix]byte
	for {
		if _, err := io.ReadFull(s, hdr[:]); err != nil {
			return
		}
		n := endian.Wire.Uint32(hdr[:])
		if n == 0 || n > maxPacket {
			h.logger.Warn("bad stream frame, closing peer", "peer", pc.ep, "size", n)
			_ = pc.qc.CloseWithError(closeCodeProtocol, fmt.Sprintf("frame of %d bytes", n))
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(s, data); err != nil {
			return
		}
		h.push(packet.Event{Kind: packet.EventReceive, Peer: pc.ep, Channel: data[0], Data: data, Reliable: true})
	}
}

func (h *Host) Poll() []packet.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	evs := h.events
	h.events = nil
	return evs
}

func (h *Host) lookup(ep packet.Endpoint) (*peerConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHostClosed
	}
	pc, ok := h.conns[ep]
	if !ok {
		return nil, packet.ErrUnknownPeer
	}
	return pc, nil
}

// Send queues data for the peer. data must not be modified afterwards.
func (h *Host) Send(ep packet.Endpoint, channel uint8, data []byte, reliable bool) error {
	pc, err := h.lookup(ep)
	if err != nil {
		return err
	}
	return enqueue(pc, outgoing{channel: channel, data: data, reliable: reliable})
}

func enqueue(pc *peerConn, out outgoing) error {
	select {
	case pc.send <- out:
		return nil
	default:
		return ErrQueueFull
	}
}

func (h *Host) Broadcast(channel uint8, data []byte, reliable bool) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHostClosed
	}
	conns := make([]*peerConn, 0, len(h.conns))
	for _, pc := range h.conns {
		conns = append(conns, pc)
	}
	h.mu.Unlock()

	var errs []error
	for _, pc := range conns {
		if err := enqueue(pc, outgoing{channel: channel, data: data, reliable: reliable}); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", pc.ep, err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the peer's connection with the normal close code. Packets
// still queued for it are discarded.
func (h *Host) Disconnect(ep packet.Endpoint) error {
	pc, err := h.lookup(ep)
	if err != nil {
		return err
	}
	pc.local.Store(true)
	return pc.qc.CloseWithError(closeCodeNormal, "disconnect")
}

// Close disconnects every peer, stops the listener and waits for the host's
// goroutines. Events not yet polled are kept; later ones are discarded.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*peerConn, 0, len(h.conns))
	for _, pc := range h.conns {
		conns = append(conns, pc)
	}
	h.mu.Unlock()

	for _, pc := range conns {
		pc.local.Store(true)
		_ = pc.qc.CloseWithError(closeCodeNormal, "host closed")
	}

	var err error
	if h.ln != nil {
		err = h.ln.Close()
	}
	h.cancel()
	h.wg.Wait()
	if h.release != nil {
		h.release()
	}
	return err
}

func (h *Host) Addr() net.Addr { return h.addr }
