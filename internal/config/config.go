package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/kaspactl/internal/client"
	"github.com/danmuck/kaspactl/internal/discovery"
	"github.com/danmuck/kaspactl/internal/logging"
	"github.com/danmuck/kaspactl/internal/protocol/session"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/version"
)

// ClientConfig is everything kaspactl needs to reach a node.
type ClientConfig struct {
	Role    wire.Service
	Network string
	// Host empty means auto-connect through discovery.
	Host string
	Port int

	Session     session.Config
	AuthToken   string
	IdleTimeout time.Duration

	ConnTimeout time.Duration
	MaxLatency  time.Duration
	MinVersion  string
	MinProtocol uint32
	Retry       client.RetryPolicy

	Seeds        []string
	RetryWait    time.Duration
	ProbeTimeout time.Duration
	ScanInterval time.Duration
	MaxNodes     int

	CallbackWorkers int64
	FilterInventory bool

	LogLevel    string
	LogNoColor  bool
	MetricsAddr string
}

func Default() ClientConfig {
	return ClientConfig{
		Role:            wire.ServiceRPC,
		Network:         client.NetworkMainnet,
		Session:         session.DefaultConfig(),
		ConnTimeout:     10 * time.Second,
		Seeds:           append([]string(nil), discovery.DefaultSeeds...),
		RetryWait:       discovery.DefaultRetryWait,
		ProbeTimeout:    discovery.DefaultProbeTimeout,
		ScanInterval:    discovery.DefaultScanInterval,
		MaxNodes:        discovery.DefaultMaxNodes,
		CallbackWorkers: 16,
		FilterInventory: true,
		LogLevel:        "info",
	}
}

type fileConfig struct {
	Role        string `toml:"role"`
	Network     string `toml:"network"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"`
	IdleTimeout string `toml:"idle_timeout"`

	Timeouts struct {
		Connect   string `toml:"connect"`
		Handshake string `toml:"handshake"`
		Request   string `toml:"request"`
	} `toml:"timeouts"`

	AutoConnect struct {
		ConnTimeout string `toml:"conn_timeout"`
		MaxLatency  string `toml:"max_latency"`
		MinVersion  string `toml:"min_version"`
		MinProtocol uint32 `toml:"min_protocol"`
	} `toml:"autoconnect"`

	Retry struct {
		MaxAttempts         int    `toml:"max_attempts"`
		Wait                string `toml:"wait"`
		NewConnOnExhaustion bool   `toml:"new_conn_on_exhaustion"`
	} `toml:"retry"`

	Discovery struct {
		Seeds        []string `toml:"seeds"`
		RetryWait    string   `toml:"retry_wait"`
		ProbeTimeout string   `toml:"probe_timeout"`
		ScanInterval string   `toml:"scan_interval"`
		MaxNodes     int      `toml:"max_nodes"`
	} `toml:"discovery"`

	TLS struct {
		Mode               string `toml:"mode"`
		Enabled            bool   `toml:"enabled"`
		Mutual             bool   `toml:"mutual"`
		CAFile             string `toml:"ca_file"`
		CertFile           string `toml:"cert_file"`
		KeyFile            string `toml:"key_file"`
		ServerName         string `toml:"server_name"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`

	Subscriptions struct {
		CallbackWorkers int64 `toml:"callback_workers"`
		FilterInventory bool  `toml:"filter_inventory"`
	} `toml:"subscriptions"`

	Log struct {
		Level   string `toml:"level"`
		NoColor bool   `toml:"no_color"`
	} `toml:"log"`

	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
}

// Load reads path over Default. Keys absent from the file keep their
// defaults.
func Load(path string) (ClientConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// Decode is Load for an in-memory document.
func Decode(data string) (ClientConfig, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return ClientConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func apply(cfg ClientConfig, raw fileConfig, meta toml.MetaData) (ClientConfig, error) {
	var err error
	if meta.IsDefined("role") {
		if cfg.Role, err = wire.ParseService(raw.Role); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("network") {
		cfg.Network = strings.ToLower(strings.TrimSpace(raw.Network))
	}
	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"idle_timeout"}, raw.IdleTimeout, &cfg.IdleTimeout},
		{[]string{"timeouts", "connect"}, raw.Timeouts.Connect, &cfg.Session.ConnectTimeout},
		{[]string{"timeouts", "handshake"}, raw.Timeouts.Handshake, &cfg.Session.HandshakeTimeout},
		{[]string{"timeouts", "request"}, raw.Timeouts.Request, &cfg.Session.RequestTimeout},
		{[]string{"autoconnect", "conn_timeout"}, raw.AutoConnect.ConnTimeout, &cfg.ConnTimeout},
		{[]string{"autoconnect", "max_latency"}, raw.AutoConnect.MaxLatency, &cfg.MaxLatency},
		{[]string{"retry", "wait"}, raw.Retry.Wait, &cfg.Retry.Wait},
		{[]string{"discovery", "retry_wait"}, raw.Discovery.RetryWait, &cfg.RetryWait},
		{[]string{"discovery", "probe_timeout"}, raw.Discovery.ProbeTimeout, &cfg.ProbeTimeout},
		{[]string{"discovery", "scan_interval"}, raw.Discovery.ScanInterval, &cfg.ScanInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("autoconnect", "min_version") {
		cfg.MinVersion = strings.TrimSpace(raw.AutoConnect.MinVersion)
	}
	if meta.IsDefined("autoconnect", "min_protocol") {
		cfg.MinProtocol = raw.AutoConnect.MinProtocol
	}
	if meta.IsDefined("retry", "max_attempts") {
		cfg.Retry.MaxAttempts = raw.Retry.MaxAttempts
	}
	if meta.IsDefined("retry", "new_conn_on_exhaustion") {
		cfg.Retry.NewConnOnExhaustion = raw.Retry.NewConnOnExhaustion
	}
	if meta.IsDefined("discovery", "seeds") {
		cfg.Seeds = normalizeSeeds(raw.Discovery.Seeds)
	}
	if meta.IsDefined("discovery", "max_nodes") {
		cfg.MaxNodes = raw.Discovery.MaxNodes
	}

	if meta.IsDefined("tls", "mode") {
		cfg.Session.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.TLS.Mode))
	}
	if meta.IsDefined("tls") {
		cfg.Session.TLS = session.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}

	if meta.IsDefined("subscriptions", "callback_workers") {
		cfg.CallbackWorkers = raw.Subscriptions.CallbackWorkers
	}
	if meta.IsDefined("subscriptions", "filter_inventory") {
		cfg.FilterInventory = raw.Subscriptions.FilterInventory
	}
	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "no_color") {
		cfg.LogNoColor = raw.Log.NoColor
	}
	if meta.IsDefined("metrics", "addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.Metrics.Addr)
	}
	return cfg, nil
}

func (c ClientConfig) Validate() error {
	if c.Role != wire.ServiceRPC && c.Role != wire.ServiceP2P {
		return fmt.Errorf("config: invalid role %d", c.Role)
	}
	if _, err := client.DefaultPort(c.Role, c.Network); err != nil && c.Port == 0 {
		return fmt.Errorf("config: %w", err)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Host == "" && len(c.Seeds) == 0 {
		return fmt.Errorf("config: host or discovery seeds required")
	}
	if c.MinVersion != "" {
		if _, err := version.Parse(c.MinVersion); err != nil {
			return fmt.Errorf("config: min_version: %w", err)
		}
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry.max_attempts must be >= 0")
	}
	if c.MaxNodes < 0 {
		return fmt.Errorf("config: discovery.max_nodes must be >= 0")
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if err := c.Session.ValidateClientTransport(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func normalizeSeeds(in []string) []string {
	out := make([]string, 0, len(in))
	for _, seed := range in {
		if v := strings.TrimSpace(seed); v != "" {
			out = append(out, v)
		}
	}
	return out
}
