// Package memhost is an in-process packet.Host. Hosts on the same Network
// reach each other by address without touching the OS network stack, which
// makes the packetized engine testable without sockets.
package memhost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/luciancaetano/lnet/internal/packet"
)

var (
	ErrAddrInUse   = errors.New("memhost: address already in use")
	ErrNoListener  = errors.New("memhost: connection refused")
	ErrHostClosed  = errors.New("memhost: host closed")
	ErrPeerLost    = errors.New("memhost: peer lost")
	errInvalidAddr = errors.New("memhost: empty address")
)

// Addr is a Network address.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

// Network connects in-memory hosts. A single lock guards every host on it.
type Network struct {
	// Drop, when set, is asked about every unreliable send. Returning true
	// loses the packet silently.
	Drop func(data []byte) bool

	mu        sync.Mutex
	listeners map[string]*Host
	nextEP    packet.Endpoint
	nextAddr  int
}

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Host)}
}

type link struct {
	remote   *Host
	remoteEP packet.Endpoint
}

// Host implements packet.Host on a Network.
type Host struct {
	net       *Network
	addr      Addr
	dialed    Addr
	listening bool
	closed    bool
	events    []packet.Event
	links     map[packet.Endpoint]link
}

var _ packet.Host = (*Host)(nil)

// Listen registers a host that accepts dials to addr.
func (n *Network) Listen(addr string) (*Host, error) {
	if addr == "" {
		return nil, errInvalidAddr
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	h := n.newHost(Addr(addr))
	h.listening = true
	n.listeners[addr] = h
	return h, nil
}

// Dial connects a new host to the listener at addr. The listener sees an
// EventConnect; the returned endpoint names the listener on the new host.
func (n *Network) Dial(ctx context.Context, addr string) (*Host, packet.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	srv, ok := n.listeners[addr]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoListener, addr)
	}
	n.nextAddr++
	cli := n.newHost(Addr(fmt.Sprintf("client-%d", n.nextAddr)))
	cli.dialed = srv.addr

	onSrv, onCli := n.endpoint(), n.endpoint()
	srv.links[onSrv] = link{remote: cli, remoteEP: onCli}
	cli.links[onCli] = link{remote: srv, remoteEP: onSrv}
	srv.push(packet.Event{Kind: packet.EventConnect, Peer: onSrv, RemoteAddr: cli.addr.String()})
	return cli, onCli, nil
}

// Listener adapts Listen to packet.Listener.
func (n *Network) Listener(addr string) packet.Listener {
	return func(context.Context) (packet.Host, error) {
		return n.Listen(addr)
	}
}

// Dialer adapts Dial to packet.Dialer.
func (n *Network) Dialer(addr string) packet.Dialer {
	return func(ctx context.Context) (packet.Host, packet.Endpoint, error) {
		h, ep, err := n.Dial(ctx, addr)
		if err != nil {
			return nil, 0, err
		}
		return h, ep, nil
	}
}

func (n *Network) newHost(addr Addr) *Host {
	return &Host{net: n, addr: addr, links: make(map[packet.Endpoint]link)}
}

func (n *Network) endpoint() packet.Endpoint {
	n.nextEP++
	return n.nextEP
}

func (h *Host) push(ev packet.Event) {
	if h.closed {
		return
	}
	h.events = append(h.events, ev)
}

func (h *Host) Poll() []packet.Event {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()

	evs := h.events
	h.events = nil
	return evs
}

func (h *Host) Send(peer packet.Endpoint, channel uint8, data []byte, reliable bool) error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()

	if h.closed {
		return ErrHostClosed
	}
	l, ok := h.links[peer]
	if !ok {
		return packet.ErrUnknownPeer
	}
	h.deliver(l, channel, data, reliable)
	return nil
}

func (h *Host) Broadcast(channel uint8, data []byte, reliable bool) error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()

	if h.closed {
		return ErrHostClosed
	}
	for _, l := range h.links {
		h.deliver(l, channel, data, reliable)
	}
	return nil
}

// deliver must be called with the network lock held.
func (h *Host) deliver(l link, channel uint8, data []byte, reliable bool) {
	if !reliable && h.net.Drop != nil && h.net.Drop(data) {
		return
	}
	l.remote.push(packet.Event{
		Kind:     packet.EventReceive,
		Peer:     l.remoteEP,
		Channel:  channel,
		Data:     slices.Clone(data),
		Reliable: reliable,
	})
}

// Disconnect closes the link gracefully. Both sides see EventDisconnect
// without an error.
func (h *Host) Disconnect(peer packet.Endpoint) error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return h.unlink(peer, nil)
}

// Sever drops the link as if the network failed. Both sides see
// EventDisconnect carrying ErrPeerLost.
func (h *Host) Sever(peer packet.Endpoint) error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return h.unlink(peer, ErrPeerLost)
}

func (h *Host) unlink(peer packet.Endpoint, cause error) error {
	l, ok := h.links[peer]
	if !ok {
		return packet.ErrUnknownPeer
	}
	delete(h.links, peer)
	delete(l.remote.links, l.remoteEP)
	h.push(packet.Event{Kind: packet.EventDisconnect, Peer: peer, Err: cause})
	l.remote.push(packet.Event{Kind: packet.EventDisconnect, Peer: l.remoteEP, Err: cause})
	return nil
}

// Close disconnects every peer and frees the address. Events still buffered
// stay readable through Poll.
func (h *Host) Close() error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()

	if h.closed {
		return nil
	}
	for ep := range h.links {
		_ = h.unlink(ep, nil)
	}
	h.closed = true
	if h.listening {
		delete(h.net.listeners, h.addr.String())
	}
	return nil
}

// Peers reports the number of live links.
func (h *Host) Peers() int {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return len(h.links)
}

// Addr returns the listening address, or for a dialed host the address it
// dialed.
func (h *Host) Addr() net.Addr {
	if h.dialed != "" {
		return h.dialed
	}
	return h.addr
}
