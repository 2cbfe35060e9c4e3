package framed_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/framed"
	"github.com/luciancaetano/lnet/message"
)

const (
	cmdEcho uint32 = 0x0001
	cmdChat uint32 = 0x0002
)

func TestBasicEcho(t *testing.T) {
	t.Parallel()

	server := framed.New(framed.NewConfig("127.0.0.1:0", framed.DefaultRateLimitConfig(), lnet.Hooks{}))
	server.RegisterHandler(message.ID(cmdEcho), func(ctx context.Context, p lnet.Peer, msg *message.Message) {
		_ = p.Send(ctx, message.FromPayload(msg.Identifier(), msg.Unread()))
	})

	ctx := context.Background()
	require.NoError(t, server.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(stopCtx)
	}()

	client := framed.NewClient(framed.NewClientConfig(server.Addr().String(), lnet.Hooks{}))
	replies := make(chan string, 1)
	client.RegisterHandler(message.ID(cmdEcho), func(_ context.Context, _ lnet.Peer, msg *message.Message) {
		s, _ := msg.PopString()
		replies <- s
	})
	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect(ctx)

	require.NoError(t, client.Send(ctx, message.New(message.ID(cmdEcho)).PushString("Hello!")))
	select {
	case got := <-replies:
		assert.Equal(t, "Hello!", got)
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}
}

// TestChatRelayWithMetrics relays one client's message to the others and
// checks the counters the engine keeps.
func TestChatRelayWithMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	cfg := lnet.DefaultMetricsConfig()
	cfg.Registry = reg
	m := lnet.NewMetrics(cfg)

	srvCfg := framed.NewConfig("127.0.0.1:0", framed.NoRateLimit(), lnet.Hooks{})
	srvCfg.Metrics = m
	server := framed.New(srvCfg)
	server.RegisterHandler(message.ID(cmdChat), func(ctx context.Context, p lnet.Peer, msg *message.Message) {
		_ = server.BroadcastExcept(ctx, p.ID(), message.FromPayload(msg.Identifier(), msg.Unread()))
	})

	ctx := context.Background()
	require.NoError(t, server.Start(ctx))
	defer server.Stop(ctx)

	inbox := make(chan string, 4)
	clients := make([]lnet.Client, 3)
	for i := range clients {
		clients[i] = framed.NewClient(framed.NewClientConfig(server.Addr().String(), lnet.Hooks{}))
		clients[i].RegisterHandler(message.ID(cmdChat), func(_ context.Context, _ lnet.Peer, msg *message.Message) {
			s, _ := msg.PopString()
			inbox <- s
		})
		require.NoError(t, clients[i].Connect(ctx))
		defer clients[i].Disconnect(ctx)
	}
	require.Eventually(t, func() bool { return len(server.Peers()) == 3 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, clients[0].Send(ctx, message.New(message.ID(cmdChat)).PushString("hi all")))
	for range_i := 0; range_i < 2; range_i++ {
		select {
		case got := <-inbox:
			assert.Equal(t, "hi all", got)
		case <-time.After(5 * time.Second):
			t.Fatal("relay not delivered")
		}
	}

	assert.Equal(t, 3.0, metricValue(t, reg, "lnet_active_connections"))
	assert.Equal(t, 1.0, metricValue(t, reg, "lnet_messages_received_total"))
	assert.Equal(t, 3.0, metricValue(t, reg, "lnet_connections_total"))
	n, err := testutil.GatherAndCount(reg, "lnet_connections_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one series per transport")
}

// metricValue sums every series of the named family.
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			if g := m.GetGauge(); g != nil {
				sum += g.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				sum += c.GetValue()
			}
		}
		return sum
	}
	return 0
}
