package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/dispatch"
	"github.com/luciancaetano/lnet/internal/metrics"
	"github.com/luciancaetano/lnet/message"
)

var (
	pingFrame    = mustEncode(lnet.TypePing)
	goodbyeFrame = mustEncode(lnet.TypeGoodbye)
)

func mustEncode(typ uint32) []byte {
	b, err := message.EncodeFramed(message.New(message.ID(typ)))
	if err != nil {
		panic(err)
	}
	return b
}

type outbound struct {
	data []byte
	// msg is a private copy for the OnWrite hook; nil when no hook is set.
	msg *message.Message
	// final writes the goodbye notice, half-closes and stops the writer.
	final bool
}

type connOptions struct {
	limiter      *rate.Limiter
	queueSize    int
	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	onWrite      lnet.OnWriteFn
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// Conn is one framed connection. It implements lnet.Peer.
//
// A single reader goroutine decodes and dispatches inbound messages. All
// writes go through sendCh to a single writer goroutine, so concurrent Send
// calls never interleave bytes on the socket.
type Conn struct {
	id         lnet.ConnID
	session    string
	nc         net.Conn
	remoteAddr string
	opts       connOptions
	logger     *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	sendCh     chan outbound
	space      chan struct{} // signalled by the writer after each dequeue
	closing    chan struct{} // closed together with closed
	writerDone chan struct{}

	// mu guards closed; frames enter sendCh only under its read lock, so
	// nothing is queued once closed is set.
	mu     sync.RWMutex
	closed bool // no further sends accepted
	killed bool // socket closed locally
	cause  error
}

func newConn(id lnet.ConnID, nc net.Conn, opts connOptions) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	session := uuid.New().String()
	remote := nc.RemoteAddr().String()

	return &Conn{
		id:         id,
		session:    session,
		nc:         nc,
		remoteAddr: remote,
		opts:       opts,
		logger:     opts.logger.With("conn_id", id, "session", session, "remote_addr", remote),
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan outbound, opts.queueSize),
		space:      make(chan struct{}, 1),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// start launches the write pump.
func (c *Conn) start() {
	go c.writePump()
}

func (c *Conn) ID() lnet.ConnID          { return c.id }
func (c *Conn) SessionKey() string       { return c.session }
func (c *Conn) RemoteAddr() string       { return c.remoteAddr }
func (c *Conn) Context() context.Context { return c.ctx }

// IsAlive returns true until the connection starts closing.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// checkType rejects the types the engine writes itself.
func checkType(id message.Identifier) error {
	if lnet.IsReserved(id.Type) {
		return fmt.Errorf("%w: %#x", lnet.ErrReservedType, id.Type)
	}
	return nil
}

// Send encodes msg and queues it, blocking while the queue is full.
func (c *Conn) Send(ctx context.Context, msg *message.Message) error {
	if err := checkType(msg.Identifier()); err != nil {
		return err
	}
	data, err := message.EncodeFramed(msg)
	if err != nil {
		return fmt.Errorf("stream: encode: %w", err)
	}
	return c.enqueue(ctx, outbound{data: data, msg: c.snapshot(msg)}, true)
}

// snapshot copies msg for the OnWrite hook so the caller may reuse it.
func (c *Conn) snapshot(msg *message.Message) *message.Message {
	if c.opts.onWrite == nil {
		return nil
	}
	return msg.Clone()
}

// enqueue hands an encoded frame to the writer. A non-blocking enqueue fails
// with ErrSendQueueFull instead of waiting.
func (c *Conn) enqueue(ctx context.Context, ob outbound, block bool) error {
	for {
		queued, err := c.tryEnqueue(ob)
		if queued || err != nil {
			return err
		}
		if !block {
			c.opts.metrics.Dropped(transportLabel, metrics.ReasonQueueFull)
			return lnet.ErrSendQueueFull
		}

		select {
		case <-c.space:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closing:
			return lnet.ErrConnectionClosed
		}
	}
}

// tryEnqueue queues ob if there is room and the connection still accepts
// sends.
func (c *Conn) tryEnqueue(ob outbound) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false, lnet.ErrConnectionClosed
	}
	select {
	case c.sendCh <- ob:
		return true, nil
	default:
		return false, nil
	}
}

// markClosedLocked stops accepting sends. c.mu must be held.
func (c *Conn) markClosedLocked() {
	if !c.closed {
		c.closed = true
		close(c.closing)
	}
}

// Close closes the socket immediately. The reader reports a clean disconnect.
func (c *Conn) Close(ctx context.Context) error {
	c.closeWith(nil)
	return nil
}

// shutdown queues the goodbye notice behind pending sends. The writer then
// half-closes the socket so the remote side sees EOF after draining.
func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.markClosedLocked()
	c.mu.Unlock()

	select {
	case c.sendCh <- outbound{final: true}:
	case <-c.ctx.Done():
	default:
		// queue full; the notice cannot be ordered after pending data
		c.closeWith(nil)
	}
}

// closeWith closes the socket once. The first non-nil cause is what the
// reader reports.
func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	if c.cause == nil {
		c.cause = cause
	}
	already := c.killed
	c.markClosedLocked()
	c.killed = true
	c.mu.Unlock()

	if already {
		return
	}
	c.cancel()
	_ = c.nc.Close()
}

// teardown closes the socket and waits for the writer to exit.
func (c *Conn) teardown() {
	c.closeWith(nil)
	<-c.writerDone
}

// readLoop decodes and dispatches messages until the connection ends. It
// returns nil for a clean close.
func (c *Conn) readLoop(table *dispatch.Table) error {
	r := bufio.NewReader(c.nc)
	for {
		if c.opts.readTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
		}

		msg, err := message.ReadFramed(r)
		if err != nil {
			return c.readError(err)
		}

		switch msg.Type() {
		case lnet.TypePing:
			continue
		case lnet.TypeGoodbye:
			c.logger.Debug("remote said goodbye")
			return nil
		}

		if !lnet.Allow(c.opts.limiter) {
			c.logger.Warn("rate limit exceeded")
			c.opts.metrics.Dropped(transportLabel, metrics.ReasonRateLimited)
			c.closeWith(lnet.ErrRateLimited)
			return lnet.ErrRateLimited
		}

		table.Dispatch(c.ctx, c, msg)
	}
}

func (c *Conn) readError(err error) error {
	c.mu.RLock()
	cause, killed := c.cause, c.killed
	c.mu.RUnlock()

	switch {
	case cause != nil:
		return cause
	case killed:
		return nil
	case errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, message.ErrProtocol):
		c.opts.metrics.Dropped(transportLabel, metrics.ReasonMalformed)
		return fmt.Errorf("%w: %w", lnet.ErrTransport, err)
	default:
		return fmt.Errorf("%w: read: %w", lnet.ErrTransport, err)
	}
}

// writePump drains sendCh to the socket and sends keep-alives. Frames still
// queued when it stops are reported to OnWrite as not sent.
func (c *Conn) writePump() {
	defer close(c.writerDone)
	defer c.discardPending()

	var tick <-chan time.Time
	if c.opts.pingInterval > 0 {
		ticker := time.NewTicker(c.opts.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case ob := <-c.sendCh:
			select {
			case c.space <- struct{}{}:
			default:
			}
			if ob.final {
				_ = c.write(goodbyeFrame)
				c.halfClose()
				return
			}

			err := c.write(ob.data)
			if c.opts.onWrite != nil {
				c.opts.onWrite(c, ob.msg, err)
			}
			if err != nil {
				c.closeWith(fmt.Errorf("%w: write: %w", lnet.ErrTransport, err))
				return
			}
			c.opts.metrics.Sent(transportLabel, len(ob.data))

		case <-tick:
			if err := c.write(pingFrame); err != nil {
				c.closeWith(fmt.Errorf("%w: ping: %w", lnet.ErrTransport, err))
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) discardPending() {
	for {
		select {
		case ob := <-c.sendCh:
			if !ob.final && c.opts.onWrite != nil {
				c.opts.onWrite(c, ob.msg, lnet.ErrConnectionClosed)
			}
		default:
			return
		}
	}
}

func (c *Conn) write(b []byte) error {
	if c.opts.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}
	_, err := c.nc.Write(b)
	return err
}

func (c *Conn) halfClose() {
	if cw, ok := c.nc.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	c.closeWith(nil)
}
