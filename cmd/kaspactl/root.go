package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/kaspactl/internal/client"
	"github.com/danmuck/kaspactl/internal/config"
	"github.com/danmuck/kaspactl/internal/observability"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	ConfigPath  string
	Role        string
	Network     string
	Host        string
	LogLevel    string
	MetricsAddr string
	Token       string
}

// app carries the resolved configuration into every subcommand.
type app struct {
	flags   globalFlags
	cfg     config.ClientConfig
	out     io.Writer
	metrics *http.Server
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "kaspactl",
		Short:         "Talk to Kaspa nodes over their gRPC message streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.ConfigPath, "config", "", "client config file (toml)")
	pf.StringVar(&a.flags.Role, "role", "", "stream role: rpc or p2p")
	pf.StringVar(&a.flags.Network, "network", "", "network the node must serve")
	pf.StringVar(&a.flags.Host, "host", "", "node address as host or host:port; empty auto-connects")
	pf.StringVar(&a.flags.LogLevel, "log-level", "", "log level override")
	pf.StringVar(&a.flags.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	pf.StringVar(&a.flags.Token, "token", "", "bearer token sent to the node")

	root.AddCommand(
		a.requestCmd(),
		a.subscribeCmd(),
		a.discoverCmd(),
		a.autoConnectCmd(),
		a.probeCmd(),
		configCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Name() == "init" {
		return nil
	}
	cfg := config.Default()
	if a.flags.ConfigPath != "" {
		loaded, err := config.Load(a.flags.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := a.applyFlags(cmd, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	observability.InitLogger("kaspactl", cfg.Level(), cfg.LogNoColor)

	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}
	return nil
}

func (a *app) applyFlags(cmd *cobra.Command, cfg *config.ClientConfig) error {
	flags := cmd.Flags()
	if flags.Changed("role") {
		role, err := wire.ParseService(a.flags.Role)
		if err != nil {
			return err
		}
		cfg.Role = role
	}
	if flags.Changed("network") {
		cfg.Network = strings.ToLower(strings.TrimSpace(a.flags.Network))
	}
	if flags.Changed("host") {
		host, port, err := splitHost(a.flags.Host)
		if err != nil {
			return err
		}
		cfg.Host = host
		if port > 0 {
			cfg.Port = port
		}
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.flags.LogLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = a.flags.MetricsAddr
	}
	if flags.Changed("token") {
		cfg.AuthToken = a.flags.Token
	}
	return nil
}

// splitHost accepts "host" or "host:port".
func splitHost(raw string) (string, int, error) {
	raw = strings.TrimSpace(raw)
	host, rawPort, err := net.SplitHostPort(raw)
	if err != nil {
		return raw, 0, nil
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", raw)
	}
	return host, port, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", addr).Msg("kaspactl metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("kaspactl metrics listening")
}

func (a *app) teardown() error {
	if a.metrics == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.metrics.Shutdown(ctx)
}

// dial returns a connected client: directly when a host is configured,
// through auto-connect otherwise.
func (a *app) dial(ctx context.Context) (*client.Client, error) {
	ccfg, err := a.cfg.ToClientConfig()
	if err != nil {
		return nil, err
	}
	c, err := client.New(ccfg)
	if err != nil {
		return nil, err
	}
	if a.cfg.Host != "" {
		port, err := a.cfg.ResolvedPort()
		if err != nil {
			return nil, err
		}
		if err := c.Connect(ctx, a.cfg.Host, port, a.cfg.ToConnectOptions()); err != nil {
			return nil, err
		}
		return c, nil
	}
	opts, err := a.cfg.ToAutoConnectOptions()
	if err != nil {
		return nil, err
	}
	if err := c.AutoConnect(ctx, opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *app) print(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}

// parsePayload decodes an optional JSON object argument.
func parsePayload(args []string) (map[string]any, error) {
	payload := map[string]any{}
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return payload, nil
}

func messageView(msg wire.Message) map[string]any {
	return map[string]any{"command": msg.Name, "payload": msg.Payload}
}
