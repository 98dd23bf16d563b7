package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/kaspactl/internal/client"
	"github.com/danmuck/kaspactl/internal/config"
	"github.com/danmuck/kaspactl/internal/discovery"
	"github.com/danmuck/kaspactl/internal/peer"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/stream"
	"github.com/danmuck/kaspactl/internal/transport"
	"github.com/spf13/cobra"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) requestCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "request <command> [json-payload]",
		Short: "Send one request and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1:])
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			c, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			reply, err := c.Request(ctx, args[0], payload, timeout)
			if err != nil {
				return err
			}
			return a.print(messageView(reply))
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "reply timeout; zero uses the configured request timeout")
	return cmd
}

func (a *app) subscribeCmd() *cobra.Command {
	var (
		count    int
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "subscribe <command> [json-payload]",
		Short: "Subscribe to node notifications and print them as they arrive",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1:])
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if duration > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithTimeout(ctx, duration)
				defer stop()
			}
			c, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var (
				mu   sync.Mutex
				seen int
			)
			cb := func(msg wire.Message) {
				mu.Lock()
				defer mu.Unlock()
				if count > 0 && seen >= count {
					return
				}
				seen++
				_ = a.print(messageView(msg))
				if count > 0 && seen == count {
					cancel()
				}
			}
			if err := c.Subscribe(ctx, args[0], payload, stream.Callback(cb), client.SubscribeOptions{IdleTimeout: a.cfg.IdleTimeout}); err != nil {
				return err
			}
			<-ctx.Done()
			return c.Unsubscribe(args[0])
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many notifications")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long")
	return cmd
}

func (a *app) discoverCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Resolve the seeders and list candidate nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			disc := discovery.New(a.cfg.ToDiscoveryConfig())
			scfg, err := a.cfg.ToScannerConfig()
			if err != nil {
				return err
			}
			if !watch {
				peers := disc.Pass(ctx, scfg.Port)
				keys := make([]string, 0, len(peers))
				for _, h := range peers {
					keys = append(keys, h.Key())
				}
				return a.print(keys)
			}
			return a.watch(ctx, disc, scfg)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep scanning and print the reachable table after each scan")
	return cmd
}

func (a *app) watch(ctx context.Context, disc *discovery.Discovery, scfg discovery.ScannerConfig) error {
	scanner, err := discovery.NewScanner(disc, scfg)
	if err != nil {
		return err
	}
	if _, err := scanner.ScanOnce(ctx); err != nil {
		return err
	}
	if err := a.printKnown(scanner); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- scanner.Run(ctx) }()
	ticker := time.NewTicker(scfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-ticker.C:
			if err := a.printKnown(scanner); err != nil {
				return err
			}
		}
	}
}

func (a *app) printKnown(s *discovery.Scanner) error {
	rows := make([]map[string]any, 0, s.Len())
	for _, k := range s.Known() {
		rows = append(rows, map[string]any{
			"peer":      k.Peer.Key(),
			"latency":   k.Latency.String(),
			"last_seen": k.LastSeen.Format(time.RFC3339),
		})
	}
	return a.print(rows)
}

func (a *app) autoConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "autoconnect",
		Short: "Pick a node through discovery and report it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			a.cfg.Host = ""
			c, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			return a.print(a.describe(ctx, c))
		},
	}
}

func (a *app) describe(ctx context.Context, c *client.Client) map[string]any {
	h := c.Peer()
	view := map[string]any{"peer": h.Key(), "role": c.Role().String()}
	if latency, err := c.HostLatency(ctx, a.cfg.ProbeTimeout); err == nil {
		view["latency"] = latency.String()
	}
	if network, ok := h.Network(); ok {
		view["network"] = network
	}
	if v, ok := h.Version(); ok {
		view["version"] = v.String()
	}
	if level, ok := h.Protocol(); ok {
		view["protocol"] = level
	}
	return view
}

func (a *app) probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <host:port>",
		Short: "Ask one node for its version and network over a throwaway RPC stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := peer.FromHostPort(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			reg := wire.DefaultRegistry()
			tr, err := transport.NewGRPC(a.cfg.ToTransportConfig(reg))
			if err != nil {
				return err
			}
			if err := client.ProbePeer(ctx, tr, h, client.ProbeOptions{Registry: reg, Timeout: a.cfg.Session.RequestTimeout}); err != nil {
				return err
			}
			view := map[string]any{"peer": h.Key()}
			if network, ok := h.Network(); ok {
				view["network"] = network
			}
			if v, ok := h.Version(); ok {
				view["version"] = v.String()
			}
			return a.print(view)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage client config files",
	}
	var (
		kind  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a commented config template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], kind, force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", kind, args[0])
			return err
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "rpc", "template kind: rpc or p2p")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
