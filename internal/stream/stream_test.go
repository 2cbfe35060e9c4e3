package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	cmdEcho  = 0x01
	cmdChat  = 0x02
	cmdFlood = 0x03
)

func startServer(t *testing.T, mutate func(*ServerConfig)) *Server {
	t.Helper()
	cfg := DefaultServerConfig("127.0.0.1:0")
	cfg.RateLimit = lnet.NoRateLimit()
	if mutate != nil {
		mutate(cfg)
	}
	srv := NewServer(cfg)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func dialClient(t *testing.T, srv *Server, mutate func(*ClientConfig)) *Client {
	t.Helper()
	cfg := DefaultClientConfig(srv.Addr().String())
	if mutate != nil {
		mutate(cfg)
	}
	cl := NewClient(cfg)
	require.NoError(t, cl.Connect(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cl.Disconnect(ctx)
	})
	return cl
}

func echoHandler(ctx context.Context, p lnet.Peer, msg *message.Message) {
	reply := message.FromPayload(msg.Identifier(), msg.Unread())
	_ = p.Send(ctx, reply)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}

// TestServerLifecycle tests state transitions and the already-running guard
func TestServerLifecycle(t *testing.T) {
	srv := NewServer(DefaultServerConfig("127.0.0.1:0"))
	assert.Equal(t, lnet.StateCreated, srv.State())
	assert.Nil(t, srv.Addr())

	ctx := context.Background()
	require.NoError(t, srv.Start(ctx))
	assert.Equal(t, lnet.StateRunning, srv.State())
	assert.NotNil(t, srv.Addr())
	assert.ErrorIs(t, srv.Start(ctx), lnet.ErrAlreadyRunning)

	require.NoError(t, srv.Stop(ctx))
	assert.Equal(t, lnet.StateStopped, srv.State())
	require.NoError(t, srv.Stop(ctx), "Stop is idempotent")

	// a stopped server can be started again
	require.NoError(t, srv.Start(ctx))
	assert.Equal(t, lnet.StateRunning, srv.State())
	require.NoError(t, srv.Stop(ctx))
}

// TestStartBindFailure tests that a bind error leaves the server startable
func TestStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := NewServer(DefaultServerConfig(ln.Addr().String()))
	err = srv.Start(context.Background())
	assert.ErrorIs(t, err, lnet.ErrTransport)
	assert.Equal(t, lnet.StateCreated, srv.State())
}

// TestStartContextCancelStops tests that cancelling the Start context stops the server
func TestStartContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(DefaultServerConfig("127.0.0.1:0"))
	require.NoError(t, srv.Start(ctx))

	cancel()
	waitFor(t, func() bool { return srv.State() == lnet.StateStopped }, "server should stop on ctx cancel")
}

// TestEchoRoundTrip tests a single request and reply with typed payload
func TestEchoRoundTrip(t *testing.T) {
	srv := startServer(t, nil)
	srv.RegisterHandler(message.ID(cmdEcho), echoHandler)

	got := make(chan *message.Message, 1)
	cl := dialClient(t, srv, nil)
	cl.RegisterHandler(message.ID(cmdEcho), func(ctx context.Context, p lnet.Peer, m *message.Message) {
		assert.Equal(t, lnet.ConnID(0), p.ID(), "client sees the server as peer 0")
		got <- m
	})

	out := message.New(message.ID(cmdEcho)).PushString("hello")
	message.Push(out, int32(-5))
	require.NoError(t, cl.Send(context.Background(), out))

	select {
	case m := <-got:
		s, err := m.PopString()
		require.NoError(t, err)
		assert.Equal(t, "hello", s)
		v, err := message.Pop[int32](m)
		require.NoError(t, err)
		assert.Equal(t, int32(-5), v)
	case <-time.After(5 * time.Second):
		t.Fatal("no echo received")
	}
}

// TestConcurrentConnections tests 100 connections sending 50 ordered messages each
func TestConcurrentConnections(t *testing.T) {
	const clients = 100
	const perClient = 50

	var handled atomic.Int64
	expected := make([]atomic.Uint32, clients)

	srv := startServer(t, nil)
	srv.RegisterHandler(message.ID(cmdEcho), func(ctx context.Context, p lnet.Peer, m *message.Message) {
		idx, err := message.Pop[uint32](m)
		if err != nil {
			t.Errorf("Pop index: %v", err)
			return
		}
		seq, err := message.Pop[uint32](m)
		if err != nil {
			t.Errorf("Pop seq: %v", err)
			return
		}
		if want := expected[idx].Load(); seq != want {
			t.Errorf("client %d: got seq %d, want %d", idx, seq, want)
		}
		expected[idx].Store(seq + 1)
		handled.Add(1)
		echoHandler(ctx, p, m.Rewind())
	})

	g := new(errgroup.Group)
	for i := 0; i < clients; i++ {
		idx := uint32(i)
		g.Go(func() error {
			replies := make(chan uint32, perClient)
			cl := NewClient(DefaultClientConfig(srv.Addr().String()))
			cl.RegisterHandler(message.ID(cmdEcho), func(ctx context.Context, p lnet.Peer, m *message.Message) {
				_, _ = message.Pop[uint32](m)
				seq, _ := message.Pop[uint32](m)
				replies <- seq
			})
			if err := cl.Connect(context.Background()); err != nil {
				return err
			}
			defer cl.Disconnect(context.Background())

			for seq := uint32(0); seq < perClient; seq++ {
				m := message.New(message.ID(cmdEcho))
				message.Push(m, idx)
				message.Push(m, seq)
				if err := cl.Send(context.Background(), m); err != nil {
					return err
				}
			}
			for want := uint32(0); want < perClient; want++ {
				select {
				case got := <-replies:
					if got != want {
						return errors.New("echo out of order")
					}
				case <-time.After(10 * time.Second):
					return errors.New("timed out waiting for echo")
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(clients*perClient), handled.Load())
}

// TestBroadcastExcept tests that the excluded connection receives nothing
func TestBroadcastExcept(t *testing.T) {
	connected := make(chan lnet.Peer, 3)
	srv := startServer(t, func(cfg *ServerConfig) {
		cfg.Hooks.OnConnect = func(p lnet.Peer) { connected <- p }
	})
	srv.RegisterHandler(message.ID(cmdChat), func(ctx context.Context, p lnet.Peer, m *message.Message) {
		text, err := m.PopString()
		assert.NoError(t, err)
		assert.NoError(t, srv.BroadcastExcept(ctx, p.ID(), message.New(message.ID(cmdChat)).PushString(text)))
	})

	type inbox struct {
		mu   sync.Mutex
		msgs []string
	}
	boxes := make([]*inbox, 3)
	clients := make([]*Client, 3)
	for i := range clients {
		box := &inbox{}
		boxes[i] = box
		clients[i] = dialClient(t, srv, nil)
		clients[i].RegisterHandler(message.ID(cmdChat), func(ctx context.Context, p lnet.Peer, m *message.Message) {
			s, _ := m.PopString()
			box.mu.Lock()
			box.msgs = append(box.msgs, s)
			box.mu.Unlock()
		})
		<-connected
	}

	require.NoError(t, clients[0].Send(context.Background(), message.New(message.ID(cmdChat)).PushString("hi all")))

	count := func(b *inbox) int {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.msgs)
	}
	waitFor(t, func() bool { return count(boxes[1]) == 1 && count(boxes[2]) == 1 }, "others should receive")

	// a follow-up broadcast to everyone proves the sender's queue was drained in order
	require.NoError(t, srv.Broadcast(context.Background(), message.New(message.ID(cmdChat)).PushString("all")))
	waitFor(t, func() bool { return count(boxes[0]) == 1 }, "sender should only receive the full broadcast")

	boxes[0].mu.Lock()
	assert.Equal(t, []string{"all"}, boxes[0].msgs)
	boxes[0].mu.Unlock()
}

// TestMalformedHeaderClosesConnection tests that a bad size field ends the connection
func TestMalformedHeaderClosesConnection(t *testing.T) {
	disconnected := make(chan error, 1)
	srv := startServer(t, func(cfg *ServerConfig) {
		cfg.Hooks.OnDisconnect = func(p lnet.Peer, err error) { disconnected <- err }
	})

	nc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], cmdEcho)
	binary.LittleEndian.PutUint32(hdr[4:8], 4) // smaller than the header itself
	_, err = nc.Write(hdr)
	require.NoError(t, err)

	select {
	case err := <-disconnected:
		assert.ErrorIs(t, err, lnet.ErrTransport)
		assert.ErrorIs(t, err, message.ErrProtocol)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not close the connection")
	}

	_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadAll(nc)
	assert.NoError(t, err, "socket should reach EOF")
	waitFor(t, func() bool { return len(srv.Peers()) == 0 }, "id should be released")
}

// TestIDReuseAfterDisconnect tests that ids are released after OnDisconnect and reused
func TestIDReuseAfterDisconnect(t *testing.T) {
	var mu sync.Mutex
	var events []string
	connected := make(chan lnet.ConnID, 4)
	gone := make(chan lnet.ConnID, 4)

	var srv *Server
	srv = startServer(t, func(cfg *ServerConfig) {
		cfg.Hooks.OnConnect = func(p lnet.Peer) { connected <- p.ID() }
		cfg.Hooks.OnDisconnect = func(p lnet.Peer, err error) {
			_, stillActive := srv.Peer(p.ID())
			mu.Lock()
			if stillActive {
				events = append(events, "active during hook")
			}
			mu.Unlock()
			gone <- p.ID()
		}
	})

	a := dialClient(t, srv, nil)
	assert.Equal(t, lnet.ConnID(0), <-connected)
	dialClient(t, srv, nil)
	assert.Equal(t, lnet.ConnID(1), <-connected)

	require.NoError(t, a.Disconnect(context.Background()))
	assert.Equal(t, lnet.ConnID(0), <-gone)
	waitFor(t, func() bool { _, ok := srv.Peer(0); return !ok }, "id 0 released")

	dialClient(t, srv, nil)
	assert.Equal(t, lnet.ConnID(0), <-connected, "released id is reused")

	mu.Lock()
	assert.Equal(t, []string{"active during hook"}, events)
	mu.Unlock()
}

// TestSendToUnknownID tests SendTo on ids that are not active
func TestSendToUnknownID(t *testing.T) {
	srv := startServer(t, nil)
	assert.False(t, srv.SendTo(context.Background(), 42, message.New(message.ID(cmdEcho))))

	_, ok := srv.Peer(42)
	assert.False(t, ok)
}

// TestSendToDelivers tests targeted sends
func TestSendToDelivers(t *testing.T) {
	connected := make(chan lnet.ConnID, 1)
	srv := startServer(t, func(cfg *ServerConfig) {
		cfg.Hooks.OnConnect = func(p lnet.Peer) { connected <- p.ID() }
	})

	got := make(chan string, 1)
	cl := dialClient(t, srv, nil)
	cl.RegisterHandler(message.ID(cmdChat), func(ctx context.Context, p lnet.Peer, m *message.Message) {
		s, _ := m.PopString()
		got <- s
	})

	id := <-connected
	assert.True(t, srv.SendTo(context.Background(), id, message.New(message.ID(cmdChat)).PushString("direct")))
	select {
	case s := <-got:
		assert.Equal(t, "direct", s)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

// TestGracefulStopNotifiesClients tests that clients see a clean disconnect on Stop
func TestGracefulStopNotifiesClients(t *testing.T) {
	srv := startServer(t, nil)

	clientGone := make(chan error, 1)
	dialClient(t, srv, func(cfg *ClientConfig) {
		cfg.Hooks.OnDisconnect = func(p lnet.Peer, err error) { clientGone <- err }
	})
	waitFor(t, func() bool { return len(srv.Peers()) == 1 }, "client registered")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case err := <-clientGone:
		assert.NoError(t, err, "goodbye is a clean close")
	case <-time.After(5 * time.Second):
		t.Fatal("client was not disconnected")
	}
	assert.Empty(t, srv.Peers())
	assert.ErrorIs(t, srv.Broadcast(ctx, message.New(message.ID(cmdChat))), lnet.ErrNotRunning)
}

// TestRateLimitClosesConnection tests policy enforcement
func TestRateLimitClosesConnection(t *testing.T) {
	disconnected := make(chan error, 1)
	srv := startServer(t, func(cfg *ServerConfig) {
		cfg.RateLimit = &lnet.RateLimitConfig{MessagesPerSecond: 1, Burst: 5, Enabled: true}
		cfg.Hooks.OnDisconnect = func(p lnet.Peer, err error) { disconnected <- err }
	})
	srv.RegisterHandler(message.ID(cmdFlood), func(ctx context.Context, p lnet.Peer, m *message.Message) {})

	cl := dialClient(t, srv, nil)
	for i := 0; i < 20; i++ {
		if err := cl.Send(context.Background(), message.New(message.ID(cmdFlood))); err != nil {
			break
		}
	}

	select {
	case err := <-disconnected:
		assert.ErrorIs(t, err, lnet.ErrRateLimited)
	case <-time.After(5 * time.Second):
		t.Fatal("flooding client was not disconnected")
	}
	waitFor(t, func() bool { return cl.State() == lnet.StateDisconnected }, "client notices the close")
}

// TestMaxConnections tests that connections beyond the limit are rejected
func TestMaxConnections(t *testing.T) {
	rejected := make(chan error, 1)
	srv := startServer(t, func(cfg *ServerConfig) {
		cfg.MaxConnections = 1
		cfg.Hooks.OnError = func(p lnet.Peer, err error) { rejected <- err }
	})

	dialClient(t, srv, nil)
	waitFor(t, func() bool { return len(srv.Peers()) == 1 }, "first client registered")

	second := make(chan error, 1)
	dialClient(t, srv, func(cfg *ClientConfig) {
		cfg.Hooks.OnDisconnect = func(p lnet.Peer, err error) { second <- err }
	})

	select {
	case err := <-rejected:
		assert.ErrorIs(t, err, lnet.ErrTooManyPeers)
	case <-time.After(5 * time.Second):
		t.Fatal("second connection was not rejected")
	}
	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("second client did not observe the close")
	}
	assert.Len(t, srv.Peers(), 1)
}

// TestOnWriteHook tests the per-send completion callback
func TestOnWriteHook(t *testing.T) {
	srv := startServer(t, nil)
	srv.RegisterHandler(message.ID(cmdEcho), echoHandler)

	written := make(chan *message.Message, 1)
	cl := dialClient(t, srv, func(cfg *ClientConfig) {
		cfg.Hooks.OnWrite = func(p lnet.Peer, m *message.Message, err error) {
			assert.NoError(t, err)
			written <- m
		}
	})

	m := message.New(message.ID(cmdEcho)).PushString("tracked")
	require.NoError(t, cl.Send(context.Background(), m))
	m.Reset(message.ID(99)) // caller reuse must not affect the hook's copy

	select {
	case w := <-written:
		assert.Equal(t, uint32(cmdEcho), w.Type())
		s, err := w.PopString()
		require.NoError(t, err)
		assert.Equal(t, "tracked", s)
	case <-time.After(5 * time.Second):
		t.Fatal("OnWrite not called")
	}
}

// TestKeepAlive tests that pings keep an idle connection open past the read timeout
func TestKeepAlive(t *testing.T) {
	disconnected := make(chan error, 1)
	srv := startServer(t, func(cfg *ServerConfig) {
		cfg.ReadTimeout = 150 * time.Millisecond
		cfg.PingInterval = 30 * time.Millisecond
		cfg.Hooks.OnDisconnect = func(p lnet.Peer, err error) { disconnected <- err }
	})
	observed := make(chan uint32, 16)
	srv.SetObserver(func(p lnet.Peer, m *message.Message) { observed <- m.Type() })

	cl := dialClient(t, srv, func(cfg *ClientConfig) {
		cfg.ReadTimeout = 150 * time.Millisecond
		cfg.PingInterval = 30 * time.Millisecond
	})

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, lnet.StateConnected, cl.State())
	select {
	case err := <-disconnected:
		t.Fatalf("idle connection dropped: %v", err)
	case typ := <-observed:
		t.Fatalf("reserved type %#x reached the observer", typ)
	default:
	}
}

// TestReadTimeout tests that a silent peer is dropped
func TestReadTimeout(t *testing.T) {
	disconnected := make(chan error, 1)
	srv := startServer(t, func(cfg *ServerConfig) {
		cfg.ReadTimeout = 100 * time.Millisecond
		cfg.Hooks.OnDisconnect = func(p lnet.Peer, err error) { disconnected <- err }
	})

	nc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	select {
	case err := <-disconnected:
		assert.ErrorIs(t, err, lnet.ErrTransport)
	case <-time.After(5 * time.Second):
		t.Fatal("silent connection was not dropped")
	}
}

// TestClientConnectFailure tests single-shot connect failure
func TestClientConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cl := NewClient(DefaultClientConfig(addr))
	err = cl.Connect(context.Background())
	assert.ErrorIs(t, err, lnet.ErrConnectionFailed)
	assert.Equal(t, lnet.StateDisconnected, cl.State())
	assert.Nil(t, cl.Peer())
	assert.ErrorIs(t, cl.Send(context.Background(), message.New(message.ID(1))), lnet.ErrNotConnected)
	assert.NoError(t, cl.Disconnect(context.Background()), "Disconnect is idempotent")
}

// TestClientAlreadyConnected tests the connect guard and reconnect
func TestClientAlreadyConnected(t *testing.T) {
	srv := startServer(t, nil)
	cl := dialClient(t, srv, nil)

	assert.ErrorIs(t, cl.Connect(context.Background()), lnet.ErrAlreadyConnected)
	require.NotNil(t, cl.Peer())
	assert.True(t, cl.Peer().IsAlive())

	require.NoError(t, cl.Disconnect(context.Background()))
	assert.Equal(t, lnet.StateDisconnected, cl.State())
	require.NoError(t, cl.Disconnect(context.Background()))

	require.NoError(t, cl.Connect(context.Background()))
	assert.Equal(t, lnet.StateConnected, cl.State())
}

// TestHandlerPanicKeepsConnection tests that a panicking handler does not kill the reader
func TestHandlerPanicKeepsConnection(t *testing.T) {
	errs := make(chan error, 1)
	srv := startServer(t, func(cfg *ServerConfig) {
		cfg.Hooks.OnError = func(p lnet.Peer, err error) { errs <- err }
	})
	srv.RegisterHandler(message.ID(cmdFlood), func(ctx context.Context, p lnet.Peer, m *message.Message) {
		panic("bad handler")
	})
	srv.RegisterHandler(message.ID(cmdEcho), echoHandler)

	got := make(chan struct{}, 1)
	cl := dialClient(t, srv, nil)
	cl.RegisterHandler(message.ID(cmdEcho), func(ctx context.Context, p lnet.Peer, m *message.Message) { got <- struct{}{} })

	require.NoError(t, cl.Send(context.Background(), message.New(message.ID(cmdFlood))))
	require.NoError(t, cl.Send(context.Background(), message.New(message.ID(cmdEcho))))

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "bad handler")
	case <-time.After(5 * time.Second):
		t.Fatal("panic not reported")
	}
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not survive the panic")
	}
}

// TestPeerCloseFromHandler tests closing a connection from the server side
func TestPeerCloseFromHandler(t *testing.T) {
	disconnected := make(chan error, 1)
	srv := startServer(t, func(cfg *ServerConfig) {
		cfg.Hooks.OnDisconnect = func(p lnet.Peer, err error) {
			assert.False(t, p.IsAlive())
			assert.Error(t, p.Context().Err())
			disconnected <- err
		}
	})
	srv.RegisterHandler(message.ID(cmdEcho), func(ctx context.Context, p lnet.Peer, m *message.Message) {
		_ = p.Close(ctx)
	})

	cl := dialClient(t, srv, nil)
	require.NoError(t, cl.Send(context.Background(), message.New(message.ID(cmdEcho))))

	select {
	case err := <-disconnected:
		assert.NoError(t, err, "a local close is clean")
	case <-time.After(5 * time.Second):
		t.Fatal("close from handler did not disconnect")
	}
	waitFor(t, func() bool { return cl.State() == lnet.StateDisconnected }, "client notices the close")
}

// TestReservedTypesRejected tests that engine-owned types cannot be sent or handled
func TestReservedTypesRejected(t *testing.T) {
	srv := startServer(t, nil)
	srv.RegisterHandler(message.ID(cmdEcho), echoHandler)

	for _, typ := range []uint32{lnet.TypePing, lnet.TypeGoodbye} {
		assert.False(t, srv.RegisterHandler(message.ID(typ), echoHandler))
	}
	assert.Equal(t, 1, srv.table.Len())

	var disconnects atomic.Int32
	got := make(chan string, 1)
	cl := dialClient(t, srv, func(cfg *ClientConfig) {
		cfg.Hooks.OnDisconnect = func(lnet.Peer, error) { disconnects.Add(1) }
	})
	assert.False(t, cl.RegisterHandler(message.ID(lnet.TypeGoodbye), echoHandler))
	cl.RegisterHandler(message.ID(cmdEcho), func(_ context.Context, _ lnet.Peer, m *message.Message) {
		s, _ := m.PopString()
		got <- s
	})
	waitFor(t, func() bool { return len(srv.Peers()) == 1 }, "client not admitted")

	ctx := context.Background()
	err := cl.Send(ctx, message.New(message.ID(lnet.TypeGoodbye)).PushString("payload"))
	assert.ErrorIs(t, err, lnet.ErrReservedType)
	assert.ErrorIs(t, srv.Broadcast(ctx, message.New(message.ID(lnet.TypePing))), lnet.ErrReservedType)

	require.NoError(t, cl.Send(ctx, message.New(message.ID(cmdEcho)).PushString("still here")))
	select {
	case s := <-got:
		assert.Equal(t, "still here", s)
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not survive the rejected send")
	}
	assert.Equal(t, lnet.StateConnected, cl.State())
	assert.Zero(t, disconnects.Load())
}

// TestShutdownAccountsForEverySend tests that every accepted send is written
// and that frames left behind the goodbye are reported as not sent
func TestShutdownAccountsForEverySend(t *testing.T) {
	local, remote := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, remote) }()
	defer remote.Close()

	var mu sync.Mutex
	results := map[uint32]error{}
	c := newConn(7, local, connOptions{
		queueSize: 64,
		onWrite: func(_ lnet.Peer, m *message.Message, err error) {
			mu.Lock()
			defer mu.Unlock()
			results[m.Type()] = err
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	var accepted sync.Map
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		typ := uint32(100 + i)
		g.Go(func() error {
			if err := c.Send(context.Background(), message.New(message.ID(typ))); err == nil {
				accepted.Store(typ, true)
			} else if !errors.Is(err, lnet.ErrConnectionClosed) {
				return err
			}
			return nil
		})
		if i == 16 {
			c.shutdown()
		}
	}
	require.NoError(t, g.Wait())
	assert.ErrorIs(t, c.Send(context.Background(), message.New(message.ID(1))), lnet.ErrConnectionClosed)

	// A frame behind the goodbye can only be put there directly.
	stray := message.New(message.ID(999))
	c.sendCh <- outbound{data: mustEncode(999), msg: stray}

	c.start()
	select {
	case <-c.writerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	accepted.Range(func(k, _ any) bool {
		err, ok := results[k.(uint32)]
		assert.True(t, ok, "accepted send %d never reached OnWrite", k)
		assert.NoError(t, err)
		return true
	})
	assert.ErrorIs(t, results[999], lnet.ErrConnectionClosed)
}
