package client

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/kaspactl/internal/discovery"
	"github.com/danmuck/kaspactl/internal/peer"
	"github.com/danmuck/kaspactl/internal/protocol/session"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/stream"
	"github.com/danmuck/kaspactl/internal/testutil/nodetest"
	"github.com/danmuck/kaspactl/internal/testutil/testlog"
	"github.com/danmuck/kaspactl/internal/transport"
	"github.com/danmuck/kaspactl/internal/version"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

const waitLong = 3 * time.Second

func testConfig(role wire.Service) Config {
	cfg := DefaultConfig()
	cfg.Role = role
	cfg.Registry = nodetest.Registry()
	cfg.Session = session.Config{
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		RequestTimeout:   time.Second,
		Backoff: session.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   1,
		},
	}
	return cfg
}

func newClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connected(t *testing.T, node *nodetest.Node, opts ConnectOptions) *Client {
	t.Helper()
	c := newClient(t, testConfig(wire.ServiceRPC))
	require.NoError(t, c.Connect(context.Background(), node.Host(), node.Port(), opts))
	require.Equal(t, StateConnected, c.State())
	return c
}

func TestRequestReply(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{})
	c := connected(t, node, ConnectOptions{})

	reply, err := c.Request(context.Background(), "echoRequest", map[string]any{"text": "hello"}, waitLong)
	require.NoError(t, err)
	require.Equal(t, "echoResponse", reply.Name)
	require.Equal(t, "hello", reply.String("text"))

	require.ErrorIs(t, c.Send("noSuchRequest", nil), wire.ErrInvalidCommand)
	require.ErrorIs(t, c.Send("ping", nil), wire.ErrWrongService)
}

func TestRecvTimesOut(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{})
	c := connected(t, node, ConnectOptions{Retry: RetryPolicy{MaxAttempts: 3}})

	_, err := c.Recv(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, stream.ErrTimeout)
	require.Equal(t, StateConnected, c.State())
}

func TestStateGate(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{})

	fresh := newClient(t, testConfig(wire.ServiceRPC))
	require.Equal(t, StateDisconnected, fresh.State())
	require.ErrorIs(t, fresh.Send("getInfoRequest", nil), ErrClientDisconnected)
	require.ErrorIs(t, fresh.Reconnect(), ErrClientDisconnected)

	c := connected(t, node, ConnectOptions{})
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	require.Equal(t, StateDisconnected, c.State())

	err := c.Send("getInfoRequest", nil)
	require.ErrorIs(t, err, ErrClientDisconnected)
	require.True(t, strings.Contains(err.Error(), "getInfoRequest"))
	require.True(t, strings.Contains(err.Error(), node.Addr()))
	_, err = c.Request(context.Background(), "getInfoRequest", nil, time.Second)
	require.ErrorIs(t, err, ErrClientDisconnected)

	require.NoError(t, c.Reconnect())
	require.Equal(t, StateConnected, c.State())
	reply, err := c.Request(context.Background(), "getInfoRequest", nil, waitLong)
	require.NoError(t, err)
	require.Equal(t, "getInfoResponse", reply.Name)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())
	require.ErrorIs(t, c.Send("getInfoRequest", nil), ErrClientClosed)
	_, err = c.Recv(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrClientClosed)
	require.ErrorIs(t, c.Reconnect(), ErrClientClosed)
	require.ErrorIs(t, c.Disconnect(), ErrClientClosed)
}

func TestDisconnectFlushesQueuedSends(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{})
	c := connected(t, node, ConnectOptions{})
	sess, ok := node.WaitSession(waitLong)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Send("echoRequest", map[string]any{"seq": float64(i)}))
	}
	require.NoError(t, c.Disconnect())

	require.True(t, nodetest.WaitFor(waitLong, func() bool { return len(sess.Received()) == 3 }))
	for i, msg := range sess.Received() {
		require.Equal(t, float64(i), msg.Payload["seq"])
	}
}

func TestSubscribeDeliversNotifications(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{})
	c := connected(t, node, ConnectOptions{})

	got := make(chan wire.Message, 4)
	require.NoError(t, c.Subscribe(context.Background(), "notifyFooRequest", nil, func(msg wire.Message) {
		got <- msg
	}, SubscribeOptions{}))
	require.Equal(t, []string{"notifyFooRequest"}, c.Subscriptions())

	require.True(t, nodetest.WaitFor(waitLong, func() bool {
		return node.Notify("fooNotification", map[string]any{"n": float64(7)}) > 0
	}))
	select {
	case msg := <-got:
		require.Equal(t, "fooNotification", msg.Name)
		require.Equal(t, float64(7), msg.Payload["n"])
	case <-time.After(waitLong):
		t.Fatalf("notification not delivered")
	}

	var sub *nodetest.Session
	for _, s := range node.Sessions() {
		if s.Subscribed("fooNotification") {
			sub = s
		}
	}
	require.NotNil(t, sub)

	require.NoError(t, c.Unsubscribe("notifyFooRequest"))
	require.ErrorIs(t, c.Unsubscribe("notifyFooRequest"), ErrNoSuchSubscription)
	require.Empty(t, c.Subscriptions())

	require.True(t, nodetest.WaitFor(waitLong, sub.Ended))
	node.Notify("fooNotification", map[string]any{"n": float64(8)})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, got)

	err := c.Subscribe(context.Background(), "getInfoRequest", nil, func(wire.Message) {}, SubscribeOptions{})
	require.ErrorIs(t, err, wire.ErrNotSubscribable)
}

func TestCloseSilencesSubscriptionErrors(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{})
	var reported atomic.Int32
	cfg := testConfig(wire.ServiceRPC)
	cfg.OnSubscriptionError = func(string, error) { reported.Add(1) }
	c := newClient(t, cfg)
	require.NoError(t, c.Connect(context.Background(), node.Host(), node.Port(), ConnectOptions{}))

	var calls atomic.Int32
	require.NoError(t, c.Subscribe(context.Background(), "notifyFooRequest", nil, func(wire.Message) {
		calls.Add(1)
	}, SubscribeOptions{}))
	require.True(t, nodetest.WaitFor(waitLong, func() bool {
		return node.Notify("fooNotification", map[string]any{}) > 0
	}))
	require.True(t, nodetest.WaitFor(waitLong, func() bool { return calls.Load() == 1 }))

	require.NoError(t, c.Close())
	node.Notify("fooNotification", map[string]any{})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
	require.Zero(t, reported.Load())
}

func TestSubscriptionStreamFailureIsReported(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{})
	errs := make(chan error, 1)
	cfg := testConfig(wire.ServiceRPC)
	cfg.OnSubscriptionError = func(command string, err error) {
		if command == "notifyFooRequest" {
			errs <- err
		}
	}
	c := newClient(t, cfg)
	require.NoError(t, c.Connect(context.Background(), node.Host(), node.Port(), ConnectOptions{}))
	require.NoError(t, c.Subscribe(context.Background(), "notifyFooRequest", nil, func(wire.Message) {}, SubscribeOptions{}))

	var sub *nodetest.Session
	require.True(t, nodetest.WaitFor(waitLong, func() bool {
		for _, s := range node.Sessions() {
			if s.Subscribed("fooNotification") {
				sub = s
				return true
			}
		}
		return false
	}))
	sub.Fail(codes.Unavailable, "node shutting down")

	select {
	case err := <-errs:
		require.ErrorIs(t, err, transport.ErrServiceUnavailable)
	case <-time.After(waitLong):
		t.Fatalf("subscription failure not reported")
	}
}

func TestRequestRecoversAfterUnavailable(t *testing.T) {
	testlog.Start(t)
	var echoes atomic.Int32
	node := nodetest.Start(t, nodetest.Options{
		Handler: func(s *nodetest.Session, msg wire.Message) bool {
			if msg.Name == "echoRequest" && echoes.Add(1) == 1 {
				s.Fail(codes.Unavailable, "restarting")
				return true
			}
			return false
		},
	})
	c := connected(t, node, ConnectOptions{Retry: RetryPolicy{MaxAttempts: 2, Wait: 10 * time.Millisecond}})
	first := c.Peer()

	reply, err := c.Request(context.Background(), "echoRequest", map[string]any{"text": "again"}, waitLong)
	require.NoError(t, err)
	require.Equal(t, "again", reply.String("text"))
	require.Equal(t, int32(2), echoes.Load())
	require.Equal(t, StateConnected, c.State())
	require.Same(t, first, c.Peer())
	require.GreaterOrEqual(t, len(node.Sessions()), 2)
}

func TestRequestWithoutRetryReturnsFailure(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{
		Handler: func(s *nodetest.Session, msg wire.Message) bool {
			if msg.Name == "echoRequest" {
				s.Fail(codes.Internal, "broken")
				return true
			}
			return false
		},
	})
	c := connected(t, node, ConnectOptions{})
	_, err := c.Request(context.Background(), "echoRequest", nil, waitLong)
	require.ErrorIs(t, err, transport.ErrProtocol)
}

func TestRetryExhaustionReturnsCause(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{})
	c := connected(t, node, ConnectOptions{Retry: RetryPolicy{MaxAttempts: 2, Wait: 5 * time.Millisecond}})
	_, ok := node.WaitSession(waitLong)
	require.True(t, ok)
	node.Stop()

	_, err := c.Recv(context.Background(), waitLong)
	require.ErrorIs(t, err, transport.ErrServiceUnavailable)
}

func TestP2PHandshakeFillsPeer(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{P2PHandshake: true, Version: "0.12.13", Network: "testnet"})
	c := newClient(t, testConfig(wire.ServiceP2P))
	require.NoError(t, c.Connect(context.Background(), node.Host(), node.Port(), ConnectOptions{}))

	h := c.Peer()
	v, ok := h.Version()
	require.True(t, ok)
	require.True(t, v.Equal(version.New(0, 12, 13)))
	network, ok := h.Network()
	require.True(t, ok)
	require.Equal(t, "testnet", network)
	level, ok := h.Protocol()
	require.True(t, ok)
	require.Equal(t, uint32(5), level)

	var sess *nodetest.Session
	require.True(t, nodetest.WaitFor(waitLong, func() bool {
		for _, s := range node.Sessions() {
			if strings.Contains(s.Method, "P2P") {
				sess = s
				return true
			}
		}
		return false
	}))
	require.NoError(t, sess.Send(wire.Message{Name: "invRelayBlock", Payload: map[string]any{}}))
	reply, err := c.Request(context.Background(), "ping", map[string]any{"nonce": "9"}, waitLong)
	require.NoError(t, err)
	require.Equal(t, "pong", reply.Name)

	require.ErrorIs(t, c.Send("getInfoRequest", nil), wire.ErrWrongService)
}

func TestInfoAccessors(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{Version: "0.12.11", Network: "mainnet"})
	c := connected(t, node, ConnectOptions{})

	latency, err := c.HostLatency(context.Background(), time.Second)
	require.NoError(t, err)
	require.Positive(t, latency)

	v, err := c.NodeVersion(context.Background(), waitLong)
	require.NoError(t, err)
	require.Equal(t, "v0.12.11", v.String())

	network, err := c.NodeNetwork(context.Background(), waitLong)
	require.NoError(t, err)
	require.Equal(t, "mainnet", network)

	require.NoError(t, c.Close())
	_, err = c.HostLatency(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestProbePeer(t *testing.T) {
	testlog.Start(t)
	node := nodetest.Start(t, nodetest.Options{Version: "1.0.1", Network: "testnet"})
	tr, err := transport.NewGRPC(transport.GRPCConfig{Registry: nodetest.Registry()})
	require.NoError(t, err)

	h := peer.New(node.Host(), node.Port())
	require.NoError(t, ProbePeer(context.Background(), tr, h, ProbeOptions{Registry: nodetest.Registry(), Timeout: waitLong}))
	v, ok := h.Version()
	require.True(t, ok)
	require.Equal(t, "v1.0.1", v.String())
	network, _ := h.Network()
	require.Equal(t, "testnet", network)

	closed := peer.New("127.0.0.1", 1)
	require.ErrorIs(t, ProbePeer(context.Background(), tr, closed, ProbeOptions{Timeout: 200 * time.Millisecond}), peer.ErrProbeFailed)
}

func autoClient(t *testing.T, nodes ...*nodetest.Node) *Client {
	t.Helper()
	addrs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		addrs = append(addrs, n.Addr())
	}
	cfg := testConfig(wire.ServiceRPC)
	cfg.Discovery = discovery.New(discovery.Config{
		Seeds:        []string{"seed.test"},
		Resolver:     nodetest.Resolver{"seed.test": addrs},
		RetryWait:    10 * time.Millisecond,
		ProbeTimeout: 200 * time.Millisecond,
	})
	return newClient(t, cfg)
}

func TestAutoConnectSkipsOldNodes(t *testing.T) {
	testlog.Start(t)
	old := nodetest.Start(t, nodetest.Options{Version: "1.1.0"})
	current := nodetest.Start(t, nodetest.Options{Version: "1.2.0"})
	c := autoClient(t, old, current)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.AutoConnect(ctx, AutoConnectOptions{
		Network:     NetworkMainnet,
		MinVersion:  version.MustParse("1.2.0"),
		ConnTimeout: 2 * time.Second,
	}))
	require.Equal(t, StateConnected, c.State())
	require.Equal(t, current.Addr(), c.Peer().Key())

	v, err := c.NodeVersion(ctx, waitLong)
	require.NoError(t, err)
	require.True(t, v.Equal(version.New(1, 2, 0)))
	require.True(t, nodetest.WaitFor(waitLong, func() bool { return old.Live() == 0 }))
}

func TestAutoConnectClosesRejectedCandidates(t *testing.T) {
	testlog.Start(t)
	old := nodetest.Start(t, nodetest.Options{Version: "1.1.0"})
	c := autoClient(t, old)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := c.AutoConnect(ctx, AutoConnectOptions{
		Network:     NetworkMainnet,
		MinVersion:  version.MustParse("1.2.0"),
		ConnTimeout: time.Second,
	})
	require.ErrorIs(t, err, ErrNoCandidate)
	require.NotEmpty(t, old.Sessions())
	require.True(t, nodetest.WaitFor(waitLong, func() bool { return old.Live() == 0 }))
	require.Equal(t, StateDisconnected, c.State())
}

func TestAutoConnectNoCandidate(t *testing.T) {
	testlog.Start(t)
	testnet := nodetest.Start(t, nodetest.Options{Network: "testnet"})
	c := autoClient(t, testnet)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := c.AutoConnect(ctx, AutoConnectOptions{Network: NetworkMainnet, ConnTimeout: time.Second})
	require.ErrorIs(t, err, ErrNoCandidate)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotEqual(t, StateConnected, c.State())

	err = c.AutoConnect(ctx, AutoConnectOptions{Role: wire.ServiceP2P})
	require.ErrorIs(t, err, wire.ErrWrongService)
}

func TestRetryFallsBackToAutoConnect(t *testing.T) {
	testlog.Start(t)
	var armed atomic.Bool
	var probes atomic.Int32
	node := nodetest.Start(t, nodetest.Options{
		Handler: func(s *nodetest.Session, msg wire.Message) bool {
			if armed.Load() && msg.Name == "getInfoRequest" && probes.Add(1) == 1 {
				s.Fail(codes.Unavailable, "still starting")
				return true
			}
			return false
		},
	})
	c := autoClient(t, node)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.AutoConnect(ctx, AutoConnectOptions{
		Network:     NetworkMainnet,
		ConnTimeout: 2 * time.Second,
		Retry:       RetryPolicy{MaxAttempts: 1, Wait: 5 * time.Millisecond, NewConnOnExhaustion: true},
	}))

	sess, ok := node.WaitSession(waitLong)
	require.True(t, ok)
	armed.Store(true)
	sess.Fail(codes.Unavailable, "gone")

	// the single retry fails its liveness probe, so the client searches again
	// and lands on the only candidate
	_, err := c.Recv(ctx, 200*time.Millisecond)
	require.ErrorIs(t, err, stream.ErrTimeout)
	require.Equal(t, StateConnected, c.State())
	require.Equal(t, int32(1), probes.Load())
	require.GreaterOrEqual(t, len(node.Sessions()), 3)
}

func TestDefaultPort(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		role    wire.Service
		network string
		want    int
	}{
		{wire.ServiceRPC, "mainnet", 16110},
		{wire.ServiceRPC, "testnet", 16210},
		{wire.ServiceRPC, "testnet-11", 16210},
		{wire.ServiceP2P, "MAINNET", 16111},
		{wire.ServiceP2P, "testnet", 16211},
	}
	for _, tc := range cases {
		got, err := DefaultPort(tc.role, tc.network)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "%s %s", tc.role, tc.network)
	}
	_, err := DefaultPort(wire.ServiceRPC, "devnet")
	require.ErrorIs(t, err, ErrUnknownNetwork)
	require.Equal(t, "closed", StateClosed.String())
}

// failDuringBackoff fails the request stream of a client whose retry policy
// waits 300ms, runs interrupt while recovery sleeps and returns Recv's error.
func failDuringBackoff(t *testing.T, interrupt func(c *Client)) (*Client, *nodetest.Node, error) {
	t.Helper()
	node := nodetest.Start(t, nodetest.Options{})
	c := connected(t, node, ConnectOptions{Retry: RetryPolicy{MaxAttempts: 2, Wait: 300 * time.Millisecond}})
	sess, ok := node.WaitSession(waitLong)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() {
		_, err := c.Recv(context.Background(), waitLong)
		done <- err
	}()
	sess.Fail(codes.Unavailable, "restarting")
	time.Sleep(100 * time.Millisecond)
	interrupt(c)

	select {
	case err := <-done:
		return c, node, err
	case <-time.After(2 * waitLong):
		t.Fatalf("recv did not return")
		return nil, nil, nil
	}
}

func TestCloseDuringRecoveryStaysClosed(t *testing.T) {
	testlog.Start(t)
	c, node, err := failDuringBackoff(t, func(c *Client) {
		require.NoError(t, c.Close())
	})
	require.ErrorIs(t, err, transport.ErrServiceUnavailable)

	time.Sleep(400 * time.Millisecond)
	require.Equal(t, StateClosed, c.State())
	require.Len(t, node.Sessions(), 1)
	require.ErrorIs(t, c.Send("getInfoRequest", nil), ErrClientClosed)
}

func TestDisconnectDuringRecoveryStaysDisconnected(t *testing.T) {
	testlog.Start(t)
	c, node, err := failDuringBackoff(t, func(c *Client) {
		require.NoError(t, c.Disconnect())
	})
	require.ErrorIs(t, err, transport.ErrServiceUnavailable)

	time.Sleep(400 * time.Millisecond)
	require.Equal(t, StateDisconnected, c.State())
	require.Len(t, node.Sessions(), 1)
	require.ErrorIs(t, c.Send("getInfoRequest", nil), ErrClientDisconnected)
}
