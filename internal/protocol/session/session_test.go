package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/danmuck/kaspactl/internal/peer"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/testutil/testlog"
	"github.com/danmuck/kaspactl/internal/version"
	"github.com/stretchr/testify/require"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second, Jitter: true}
	rng := rand.New(rand.NewPCG(1, 2))
	for attempt := 2; attempt < 10; attempt++ {
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < 50*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("attempt%d out of bounds: %v", attempt, got)
		}
	}
}

func TestSleepBackoffHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := BackoffConfig{InitialDelay: time.Hour}
	if err := SleepBackoff(ctx, cfg, 1, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{RequestTimeout: 7 * time.Second}.WithDefaults()
	def := DefaultConfig()
	require.Equal(t, 7*time.Second, cfg.RequestTimeout)
	require.Equal(t, def.ConnectTimeout, cfg.ConnectTimeout)
	require.Equal(t, def.Backoff, cfg.Backoff)
	require.Equal(t, SecurityModeDevelopment, cfg.SecurityMode)
	require.Zero(t, cfg.IdleTimeout)
}

func TestValidateClientTransport(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	require.NoError(t, cfg.ValidateClientTransport())

	cfg.TLS.CAFile = "/tmp/ca.crt"
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrTLSSettingUnused)
	require.ErrorContains(t, cfg.ValidateClientTransport(), "ca_file")

	cfg.SecurityMode = SecurityModeProduction
	cfg.TLS = TLSConfig{}
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrTLSRequired)

	// System roots verify the node when no CA file is given.
	cfg.TLS.Enabled = true
	require.NoError(t, cfg.ValidateClientTransport())

	cfg.TLS.InsecureSkipVerify = true
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrTLSSkipVerify)

	cfg.TLS.InsecureSkipVerify = false
	cfg.TLS.Mutual = true
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrTLSKeyPair)
	cfg.TLS.CertFile = "/tmp/client.crt"
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrTLSKeyPair)
	cfg.TLS.KeyFile = "/tmp/client.key"
	require.NoError(t, cfg.ValidateClientTransport())

	cfg.SecurityMode = "staging"
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrInvalidSecurityMode)
}

func TestValidateClientTransportDevelopmentSkipVerify(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS = TLSConfig{Enabled: true, InsecureSkipVerify: true, ServerName: "node.local"}
	require.NoError(t, cfg.ValidateClientTransport())

	cfg.TLS.CAFile = "/tmp/ca.crt"
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrTLSSkipVerify)

	cfg.TLS = TLSConfig{ServerName: "node.local"}
	require.ErrorContains(t, cfg.ValidateClientTransport(), "server_name")
}

type scriptedExchanger struct {
	inbound []wire.Message
	sent    []wire.Message
}

func (s *scriptedExchanger) Send(_ context.Context, command string, payload map[string]any) error {
	s.sent = append(s.sent, wire.Message{Name: command, Payload: payload})
	return nil
}

func (s *scriptedExchanger) Recv(_ context.Context, _ time.Duration) (wire.Message, error) {
	if len(s.inbound) == 0 {
		return wire.Message{}, errors.New("no more messages")
	}
	msg := s.inbound[0]
	s.inbound = s.inbound[1:]
	return msg, nil
}

func TestVersionHandshakeSequence(t *testing.T) {
	testlog.Start(t)
	ex := &scriptedExchanger{inbound: []wire.Message{
		{Name: "version", Payload: map[string]any{
			"protocolVersion": float64(5),
			"userAgent":       "/kaspad:0.12.11/",
			"network":         "kaspa-mainnet",
			"address":         map[string]any{"port": float64(16111)},
		}},
		{Name: "verack"},
		{Name: "addresses"},
	}}
	hs := NewVersionHandshake("", time.Second)
	hs.Now = func() time.Time { return time.UnixMilli(1700000000000) }
	remote := peer.New("10.0.0.2", 16111)

	require.NoError(t, hs.Handshake(context.Background(), ex, remote))

	names := make([]string, 0, len(ex.sent))
	for _, m := range ex.sent {
		names = append(names, m.Name)
	}
	require.Equal(t, []string{"verack", "version", "addresses"}, names)
	local := ex.sent[1].Payload
	require.Equal(t, hs.ID, local["id"])
	require.Equal(t, DefaultUserAgent, local["userAgent"])
	require.Equal(t, "kaspa-mainnet", local["network"])
	require.Equal(t, "1700000000000", local["timestamp"])
	require.Equal(t, float64(16111), local["address"].(map[string]any)["port"])

	level, ok := remote.Protocol()
	require.True(t, ok)
	require.Equal(t, uint32(5), level)
	v, ok := remote.Version()
	require.True(t, ok)
	require.Equal(t, version.New(0, 12, 11), v)
	network, _ := remote.Network()
	require.Equal(t, "mainnet", network)
}

func TestVersionHandshakeUnexpectedMessage(t *testing.T) {
	testlog.Start(t)
	ex := &scriptedExchanger{inbound: []wire.Message{{Name: "ping"}}}
	err := NewVersionHandshake("", time.Second).Handshake(context.Background(), ex, peer.New("10.0.0.2", 16111))
	require.ErrorIs(t, err, ErrHandshake)
	require.Empty(t, ex.sent)
}
