package packet

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/internal/metrics"
	"github.com/luciancaetano/lnet/message"
)

// peer is one remote endpoint of a host. It implements lnet.Peer.
type peer struct {
	id         lnet.ConnID
	ep         Endpoint
	session    string
	remoteAddr string
	host       Host
	channels   int
	transport  string

	limiter *rate.Limiter
	onWrite lnet.OnWriteFn
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

type peerOptions struct {
	channels  int
	transport string
	limiter   *rate.Limiter
	onWrite   lnet.OnWriteFn
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func newPeer(id lnet.ConnID, ep Endpoint, remoteAddr string, host Host, opts peerOptions) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	session := uuid.New().String()
	return &peer{
		id:         id,
		ep:         ep,
		session:    session,
		remoteAddr: remoteAddr,
		host:       host,
		channels:   opts.channels,
		transport:  opts.transport,
		limiter:    opts.limiter,
		onWrite:    opts.onWrite,
		metrics:    opts.metrics,
		logger:     opts.logger.With("conn_id", id, "session", session, "remote_addr", remoteAddr),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (p *peer) ID() lnet.ConnID          { return p.id }
func (p *peer) SessionKey() string       { return p.session }
func (p *peer) RemoteAddr() string       { return p.remoteAddr }
func (p *peer) Context() context.Context { return p.ctx }
func (p *peer) IsAlive() bool            { return !p.closed.Load() }

// Send encodes msg and hands it to the host on the message's channel, reliably
// or not according to msg.Reliable().
func (p *peer) Send(ctx context.Context, msg *message.Message) error {
	if p.closed.Load() {
		return lnet.ErrConnectionClosed
	}
	data, err := encode(msg, p.channels)
	if err != nil {
		return err
	}
	return p.sendEncoded(msg, data)
}

func (p *peer) sendEncoded(msg *message.Message, data []byte) error {
	err := p.host.Send(p.ep, msg.Channel(), data, msg.Reliable())
	if p.onWrite != nil {
		p.onWrite(p, msg, err)
	}
	if err != nil {
		return fmt.Errorf("%w: send: %w", lnet.ErrTransport, err)
	}
	p.metrics.Sent(p.transport, len(data))
	return nil
}

// Close asks the host to disconnect the peer. Hooks run from the following
// Tick, when the host reports the disconnect.
func (p *peer) Close(ctx context.Context) error {
	if !p.markClosed() {
		return nil
	}
	if err := p.host.Disconnect(p.ep); err != nil {
		return fmt.Errorf("%w: disconnect: %w", lnet.ErrTransport, err)
	}
	return nil
}

// markClosed reports whether this call closed the peer.
func (p *peer) markClosed() bool {
	if !p.closed.CompareAndSwap(false, true) {
		return false
	}
	p.cancel()
	return true
}

// encode validates the channel and produces the packet bytes.
func encode(msg *message.Message, channels int) ([]byte, error) {
	if int(msg.Channel()) >= channels {
		return nil, fmt.Errorf("%w: %d of %d", lnet.ErrInvalidChannel, msg.Channel(), channels)
	}
	data, err := message.EncodePacket(msg)
	if err != nil {
		return nil, fmt.Errorf("packet: encode: %w", err)
	}
	return data, nil
}

// decode turns a received event into a message, rejecting short packets and
// packets on channels outside the configured range.
func decode(ev Event, channels int) (*message.Message, error) {
	msg, err := message.DecodePacket(ev.Data)
	if err != nil {
		return nil, err
	}
	if int(msg.Channel()) >= channels {
		return nil, fmt.Errorf("%w: %d of %d", lnet.ErrInvalidChannel, msg.Channel(), channels)
	}
	msg.SetReliable(ev.Reliable)
	return msg, nil
}
