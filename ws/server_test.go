package ws_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/message"
	"github.com/luciancaetano/lnet/packet"
	"github.com/luciancaetano/lnet/ws"
)

const cmdGreet uint32 = 0x42

func tickUntil(t *testing.T, cond func() bool, ts ...lnet.Ticker) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, tk := range ts {
			_ = tk.Tick()
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestGreeting(t *testing.T) {
	ctx := context.Background()

	var connected []lnet.ConnID
	srv := ws.New("127.0.0.1:0", ws.NoRateLimit(), ws.AllOrigins(), lnet.Hooks{
		OnConnect: func(p lnet.Peer) { connected = append(connected, p.ID()) },
	})
	srv.RegisterHandler(message.ID(cmdGreet), func(ctx context.Context, p lnet.Peer, msg *message.Message) {
		name, _ := msg.PopString()
		_ = p.Send(ctx, message.New(message.ID(cmdGreet)).PushString("hello "+name))
	})
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop(ctx)

	var reply string
	header := http.Header{}
	header.Set("User-Agent", "lnet-test")
	cl := ws.NewClient(srv.Addr().String(), header, lnet.Hooks{})
	cl.RegisterHandler(message.ID(cmdGreet), func(_ context.Context, _ lnet.Peer, msg *message.Message) {
		reply, _ = msg.PopString()
	})
	require.NoError(t, cl.Connect(ctx))
	defer cl.Disconnect(ctx)

	tickUntil(t, func() bool { return len(connected) == 1 }, srv, cl)
	require.NoError(t, cl.Send(ctx, message.New(message.ID(cmdGreet)).PushString("ada")))
	tickUntil(t, func() bool { return reply != "" }, srv, cl)

	assert.Equal(t, "hello ada", reply)
	assert.Equal(t, []lnet.ConnID{0}, connected)
}

func TestCustomPath(t *testing.T) {
	ctx := context.Background()
	srv := packetServer(t, ws.Config{Path: "/game", CheckOrigin: ws.AllOrigins()})
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop(ctx)

	wrong := ws.NewClient(srv.Addr().String(), nil, lnet.Hooks{})
	assert.ErrorIs(t, wrong.Connect(ctx), lnet.ErrConnectionFailed)

	right := ws.NewClient("ws://"+srv.Addr().String()+"/game", nil, lnet.Hooks{})
	require.NoError(t, right.Connect(ctx))
	defer right.Disconnect(ctx)
	tickUntil(t, func() bool { return len(srv.Peers()) == 1 }, srv, right)
}

func packetServer(t *testing.T, cfg ws.Config) packet.Server {
	t.Helper()
	return packet.NewServer(ws.NewConfig("127.0.0.1:0", ws.DefaultRateLimitConfig(), cfg, lnet.Hooks{}))
}
