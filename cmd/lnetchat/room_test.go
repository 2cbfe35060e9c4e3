package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/message"
	"github.com/luciancaetano/lnet/packet"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func pump(t *testing.T, cond func() bool, ts ...lnet.Ticker) {
	t.Helper()
	for range_i := 0; range_i < 200; range_i++ {
		for _, tk := range ts {
			_ = tk.Tick()
		}
		if cond() {
			return
		}
	}
	t.Fatal("condition not reached")
}

type chatRoom struct {
	room    *Room
	srv     packet.Server
	network *packet.Network
}

func openRoom(t *testing.T) *chatRoom {
	t.Helper()
	network := packet.NewNetwork()
	room := NewRoom(quietLogger())

	cfg := packet.MemServerConfig(network, "room")
	cfg.Hooks = room.Hooks()
	cfg.RateLimit = packet.NoRateLimit()
	cfg.Logger = quietLogger()
	srv := packet.NewServer(cfg)
	room.Attach(srv)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	return &chatRoom{room: room, srv: srv, network: network}
}

func (c *chatRoom) join(t *testing.T, out *bytes.Buffer) packet.Client {
	t.Helper()
	cl := packet.NewClient(packet.MemClientConfig(c.network, "room"))
	newTerminal(out).Attach(cl)
	require.NoError(t, cl.Connect(context.Background()))
	t.Cleanup(func() { _ = cl.Disconnect(context.Background()) })
	return cl
}

func lines(b *bytes.Buffer) []string {
	s := strings.TrimSpace(b.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestRoomConversation(t *testing.T) {
	ctx := context.Background()
	r := openRoom(t)

	var aliceOut, bobOut bytes.Buffer
	alice := r.join(t, &aliceOut)
	pump(t, func() bool { return len(r.room.Users()) == 1 }, r.srv, alice)
	bob := r.join(t, &bobOut)
	ticks := []lnet.Ticker{r.srv, alice, bob}
	pump(t, func() bool { return len(lines(&bobOut)) == 1 }, ticks...)

	guests := r.room.Users()
	require.Len(t, guests, 2)
	for _, g := range guests {
		assert.True(t, strings.HasPrefix(g, "Guest_"), g)
	}
	pump(t, func() bool { return len(lines(&aliceOut)) == 2 }, ticks...)
	assert.Contains(t, lines(&aliceOut)[0], " joined")

	require.NoError(t, alice.Send(ctx, message.New(message.ID(cmdSetName)).PushString("alice")))
	pump(t, func() bool { return strings.Contains(bobOut.String(), "is now alice") }, ticks...)
	assert.Contains(t, r.room.Users(), "alice")

	require.NoError(t, alice.Send(ctx, message.New(message.ID(cmdChat)).PushString("hello bob")))
	pump(t, func() bool { return strings.Contains(bobOut.String(), "alice: hello bob") }, ticks...)
	assert.NotContains(t, aliceOut.String(), "alice: hello bob", "sender must not get its own chat back")

	require.NoError(t, bob.Send(ctx, message.New(message.ID(cmdUsers))))
	pump(t, func() bool { return strings.Contains(bobOut.String(), "* online: ") }, ticks...)
	assert.Contains(t, bobOut.String(), "* online: "+strings.Join(r.room.Users(), ", "))

	require.NoError(t, bob.Disconnect(ctx))
	pump(t, func() bool { return strings.Contains(aliceOut.String(), " left") }, r.srv, alice)
	assert.Equal(t, []string{"alice"}, r.room.Users())
}

func TestRoomRejectsBadNames(t *testing.T) {
	ctx := context.Background()
	r := openRoom(t)

	var out bytes.Buffer
	cl := r.join(t, &out)
	pump(t, func() bool { return len(r.room.Users()) == 1 }, r.srv, cl)
	before := r.room.Users()[0]

	for _, name := range []string{"", strings.Repeat("x", maxNameLen+1), "bad\xff"} {
		require.NoError(t, cl.Send(ctx, message.New(message.ID(cmdSetName)).PushString(name)))
	}
	require.NoError(t, cl.Send(ctx, message.New(message.ID(cmdSetName)).PushString(strings.Repeat("é", maxNameLen))))
	pump(t, func() bool { return strings.Contains(out.String(), "is now") }, r.srv, cl)

	assert.Equal(t, []string{strings.Repeat("é", maxNameLen)}, r.room.Users())
	assert.Equal(t, 1, strings.Count(out.String(), "is now"))
	assert.Contains(t, out.String(), before+" is now ")
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantType uint32
		wantText string
		wantNil  bool
		wantQuit bool
	}{
		{name: "blank", line: "   ", wantNil: true},
		{name: "quit", line: "/quit", wantNil: true, wantQuit: true},
		{name: "who", line: "/who", wantType: cmdUsers},
		{name: "rename", line: "/name  ada ", wantType: cmdSetName, wantText: "ada"},
		{name: "chat", line: " hi there ", wantType: cmdChat, wantText: "hi there"},
		{name: "unknown command is chat", line: "/dance", wantType: cmdChat, wantText: "/dance"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			msg, quit := parseLine(tt.line)
			assert.Equal(t, tt.wantQuit, quit)
			if tt.wantNil {
				assert.Nil(t, msg)
				return
			}
			require.NotNil(t, msg)
			assert.Equal(t, tt.wantType, msg.Type())
			if tt.wantText != "" {
				text, err := msg.PopString()
				require.NoError(t, err)
				assert.Equal(t, tt.wantText, text)
			}
		})
	}
}

func TestUnknownTransport(t *testing.T) {
	_, err := newServer(serverOptions{transport: "carrier-pigeon", addr: "127.0.0.1:0", logger: quietLogger()})
	assert.ErrorIs(t, err, errUnknownTransport)

	_, err = newClient("smoke", "127.0.0.1:0", lnet.Hooks{})
	assert.ErrorIs(t, err, errUnknownTransport)
}

func TestNewServerTransports(t *testing.T) {
	for _, transport := range []string{"tcp", "quic", "ws"} {
		transport := transport
		t.Run(transport, func(t *testing.T) {
			srv, err := newServer(serverOptions{transport: transport, addr: "127.0.0.1:0", logger: quietLogger()})
			require.NoError(t, err)
			assert.Equal(t, lnet.StateCreated, srv.State())

			_, isTicker := srv.(lnet.Ticker)
			assert.Equal(t, transport != "tcp", isTicker)
		})
	}
}

func TestAdminRouter(t *testing.T) {
	r := openRoom(t)
	var out bytes.Buffer
	cl := r.join(t, &out)
	pump(t, func() bool { return len(r.room.Users()) == 1 }, r.srv, cl)

	reg := prometheus.NewRegistry()
	mcfg := lnet.DefaultMetricsConfig()
	mcfg.Registry = reg
	m := lnet.NewMetrics(mcfg)
	m.Connected("mem")

	ts := httptest.NewServer(adminRouter(reg, r.room))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/users")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var users []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	assert.Equal(t, r.room.Users(), users)

	resp2, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp2.Body)
	assert.Contains(t, body.String(), "lnet_")
}

func TestTerminalReportsSendFailures(t *testing.T) {
	r := openRoom(t)
	cl := packet.NewClient(packet.MemClientConfig(r.network, "room"))

	var out bytes.Buffer
	term := newTerminal(&out)
	term.send(context.Background(), cl, message.New(message.ID(cmdSetName)).PushString("ada"))
	term.send(context.Background(), cl, message.New(message.ID(cmdChat)).PushString("hi"))

	got := lines(&out)
	require.Len(t, got, 2)
	assert.Equal(t, "* rename failed: "+lnet.ErrNotConnected.Error(), got[0])
	assert.Equal(t, "* send failed: "+lnet.ErrNotConnected.Error(), got[1])
}
