package client

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/kaspactl/internal/peer"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/transport"
	"github.com/danmuck/kaspactl/internal/version"
)

// HostLatency measures a TCP connect to the current peer.
func (c *Client) HostLatency(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if _, err := c.verifyConnection("latency"); err != nil {
		return 0, err
	}
	h := c.Peer()
	latency, ok := h.ProbeLatency(ctx, timeout)
	if !ok {
		return 0, fmt.Errorf("%w: %s unreachable", peer.ErrProbeFailed, h.Key())
	}
	return latency, nil
}

// NodeVersion returns the peer's version, querying it on first use.
func (c *Client) NodeVersion(ctx context.Context, timeout time.Duration) (version.Number, error) {
	if _, err := c.verifyConnection("version"); err != nil {
		return version.Number{}, err
	}
	return c.Peer().ResolveVersion(ctx, c, timeout)
}

// NodeNetwork returns the peer's network, querying it on first use.
func (c *Client) NodeNetwork(ctx context.Context, timeout time.Duration) (string, error) {
	if _, err := c.verifyConnection("network"); err != nil {
		return "", err
	}
	return c.Peer().ResolveNetwork(ctx, c, timeout)
}

type ProbeOptions struct {
	Registry *wire.Registry
	Timeout  time.Duration
}

// ProbePeer opens a throwaway RPC connection to h, resolves its version and
// network onto h, and closes the connection.
func ProbePeer(ctx context.Context, tr transport.Transport, h *peer.Handle, opts ProbeOptions) error {
	c, err := New(Config{Role: wire.ServiceRPC, Registry: opts.Registry, Transport: tr})
	if err != nil {
		return err
	}
	defer c.Close()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Session.RequestTimeout
	}
	if _, err := c.connect(ctx, h, ConnectOptions{}, connectFresh, nil); err != nil {
		return fmt.Errorf("%w: %s: %w", peer.ErrProbeFailed, h.Key(), err)
	}
	return h.Resolve(ctx, direct{c: c}, timeout)
}
