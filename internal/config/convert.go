package config

import (
	"github.com/danmuck/kaspactl/internal/client"
	"github.com/danmuck/kaspactl/internal/discovery"
	"github.com/danmuck/kaspactl/internal/logging"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/transport"
	"github.com/danmuck/kaspactl/internal/version"
	"github.com/rs/zerolog"
)

func (c ClientConfig) ToTransportConfig(reg *wire.Registry) transport.GRPCConfig {
	return transport.GRPCConfig{
		Session:   c.Session,
		AuthToken: c.AuthToken,
		Registry:  reg,
	}
}

func (c ClientConfig) ToDiscoveryConfig() discovery.Config {
	cfg := discovery.DefaultConfig()
	cfg.Seeds = append([]string(nil), c.Seeds...)
	cfg.RetryWait = c.RetryWait
	cfg.ProbeTimeout = c.ProbeTimeout
	return cfg
}

// ToScannerConfig targets the default port of the configured role and
// network unless Port is set.
func (c ClientConfig) ToScannerConfig() (discovery.ScannerConfig, error) {
	port, err := c.ResolvedPort()
	if err != nil {
		return discovery.ScannerConfig{}, err
	}
	return discovery.ScannerConfig{
		Port:         port,
		Interval:     c.ScanInterval,
		MaxNodes:     c.MaxNodes,
		ProbeTimeout: c.ProbeTimeout,
	}, nil
}

// ToClientConfig builds the client with its own transport and discovery.
func (c ClientConfig) ToClientConfig() (client.Config, error) {
	reg := wire.DefaultRegistry()
	tr, err := transport.NewGRPC(c.ToTransportConfig(reg))
	if err != nil {
		return client.Config{}, err
	}
	cfg := client.DefaultConfig()
	cfg.Role = c.Role
	cfg.Registry = reg
	cfg.Transport = tr
	cfg.Discovery = discovery.New(c.ToDiscoveryConfig())
	cfg.Session = c.Session
	cfg.CallbackWorkers = c.CallbackWorkers
	cfg.FilterInventory = c.FilterInventory
	return cfg, nil
}

func (c ClientConfig) ToConnectOptions() client.ConnectOptions {
	return client.ConnectOptions{IdleTimeout: c.IdleTimeout, Retry: c.Retry}
}

func (c ClientConfig) ToAutoConnectOptions() (client.AutoConnectOptions, error) {
	opts := client.DefaultAutoConnectOptions()
	opts.Role = c.Role
	opts.Network = c.Network
	opts.MinProtocol = c.MinProtocol
	opts.ConnTimeout = c.ConnTimeout
	opts.IdleTimeout = c.IdleTimeout
	opts.MaxLatency = c.MaxLatency
	opts.Retry = c.Retry
	if c.MinVersion != "" {
		v, err := version.Parse(c.MinVersion)
		if err != nil {
			return client.AutoConnectOptions{}, err
		}
		opts.MinVersion = v
	}
	return opts, nil
}

// ResolvedPort returns the configured port or the role and network default.
func (c ClientConfig) ResolvedPort() (int, error) {
	if c.Port > 0 {
		return c.Port, nil
	}
	return client.DefaultPort(c.Role, c.Network)
}

func (c ClientConfig) Level() zerolog.Level {
	level, _ := logging.ParseLevel(c.LogLevel)
	return level
}
