package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/kaspactl/internal/client"
	"github.com/danmuck/kaspactl/internal/discovery"
	"github.com/danmuck/kaspactl/internal/protocol/session"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/testutil/testlog"
	"github.com/danmuck/kaspactl/internal/version"
	"github.com/stretchr/testify/require"
)

func TestDecodeEmptyKeepsDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := Decode("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, discovery.DefaultSeeds, cfg.Seeds)

	port, err := cfg.ResolvedPort()
	require.NoError(t, err)
	require.Equal(t, 16110, port)
}

func TestDecodeOverrides(t *testing.T) {
	testlog.Start(t)
	cfg, err := Decode(`
role = "p2p"
network = "Testnet-11"
host = "10.0.0.7"
idle_timeout = "30s"

[timeouts]
request = "750ms"

[autoconnect]
max_latency = "250ms"
min_version = "0.12.1"
min_protocol = 6

[retry]
max_attempts = 4
wait = "200ms"
new_conn_on_exhaustion = true

[discovery]
seeds = [" seed.a ", "", "seed.b"]
max_nodes = 8

[subscriptions]
filter_inventory = false

[log]
level = "debug"
`)
	require.NoError(t, err)
	require.Equal(t, wire.ServiceP2P, cfg.Role)
	require.Equal(t, "testnet-11", cfg.Network)
	require.Equal(t, "10.0.0.7", cfg.Host)
	require.Equal(t, 30*time.Second, cfg.IdleTimeout)
	require.Equal(t, 750*time.Millisecond, cfg.Session.RequestTimeout)
	require.Equal(t, session.DefaultConfig().ConnectTimeout, cfg.Session.ConnectTimeout)
	require.Equal(t, []string{"seed.a", "seed.b"}, cfg.Seeds)
	require.Equal(t, 8, cfg.MaxNodes)
	require.Equal(t, discovery.DefaultProbeTimeout, cfg.ProbeTimeout)
	require.False(t, cfg.FilterInventory)

	port, err := cfg.ResolvedPort()
	require.NoError(t, err)
	require.Equal(t, 16211, port)

	opts, err := cfg.ToAutoConnectOptions()
	require.NoError(t, err)
	require.Equal(t, wire.ServiceP2P, opts.Role)
	require.Equal(t, version.New(0, 12, 1), opts.MinVersion)
	require.Equal(t, uint32(6), opts.MinProtocol)
	require.Equal(t, 250*time.Millisecond, opts.MaxLatency)
	require.Equal(t, client.RetryPolicy{MaxAttempts: 4, Wait: 200 * time.Millisecond, NewConnOnExhaustion: true}, opts.Retry)

	scan, err := cfg.ToScannerConfig()
	require.NoError(t, err)
	require.Equal(t, 16211, scan.Port)
	require.Equal(t, 8, scan.MaxNodes)
}

func TestDecodeRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"role":        `role = "grpc"`,
		"duration":    "[retry]\nwait = \"soon\"",
		"network":     `network = "devnet"`,
		"min version": "[autoconnect]\nmin_version = \"one\"",
		"log level":   "[log]\nlevel = \"loud\"",
		"no seeds":    "[discovery]\nseeds = []",
		"production":  "[tls]\nmode = \"production\"",
	}
	for name, doc := range cases {
		_, err := Decode(doc)
		require.Error(t, err, name)
	}
}

func TestExplicitPortAllowsUnknownNetwork(t *testing.T) {
	testlog.Start(t)
	cfg, err := Decode("network = \"devnet\"\nport = 16610")
	require.NoError(t, err)
	port, err := cfg.ResolvedPort()
	require.NoError(t, err)
	require.Equal(t, 16610, port)
}

func TestLoadTemplates(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{"rpc", "p2p"} {
		path := filepath.Join(dir, kind+".toml")
		require.NoError(t, WriteTemplate(path, kind, false))
		require.Error(t, WriteTemplate(path, kind, false))
		require.NoError(t, WriteTemplate(path, kind, true))

		cfg, err := Load(path)
		require.NoError(t, err, kind)
		require.Equal(t, kind, cfg.Role.String())
		require.Equal(t, 3, cfg.Retry.MaxAttempts)
	}
	_, err := Template("ghost")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestToClientConfig(t *testing.T) {
	testlog.Start(t)
	cfg := Default()
	cfg.AuthToken = "tok"
	cfg.CallbackWorkers = 3
	out, err := cfg.ToClientConfig()
	require.NoError(t, err)
	require.Equal(t, wire.ServiceRPC, out.Role)
	require.NotNil(t, out.Transport)
	require.NotNil(t, out.Discovery)
	require.Equal(t, int64(3), out.CallbackWorkers)
	require.Equal(t, cfg.Seeds, out.Discovery.Config().Seeds)
}
