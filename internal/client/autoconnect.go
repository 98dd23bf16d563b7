package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/kaspactl/internal/observability"
	"github.com/danmuck/kaspactl/internal/peer"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/stream"
	"github.com/danmuck/kaspactl/internal/version"
	"github.com/rs/zerolog/log"
)

var errRejected = errors.New("client: candidate rejected")

type AutoConnectOptions struct {
	// Role must match the client role. Zero means the client role.
	Role    wire.Service
	Network string
	// MinVersion rejects nodes older than it. The zero value accepts any.
	MinVersion version.Number
	// MinProtocol rejects P2P nodes below this protocol level.
	MinProtocol uint32
	ConnTimeout time.Duration
	IdleTimeout time.Duration
	// MaxLatency rejects nodes slower to accept a TCP connect. Zero accepts
	// any reachable node.
	MaxLatency time.Duration
	Retry      RetryPolicy
}

func DefaultAutoConnectOptions() AutoConnectOptions {
	return AutoConnectOptions{
		Network:     NetworkMainnet,
		ConnTimeout: 10 * time.Second,
	}
}

// AutoConnect walks discovery candidates until one passes every filter and
// leaves the client connected to it. Rejected candidates are closed before
// the next is tried. It runs until a candidate is accepted or ctx ends.
func (c *Client) AutoConnect(ctx context.Context, opts AutoConnectOptions) error {
	return c.autoConnect(ctx, opts, connectFresh)
}

func (c *Client) autoConnect(ctx context.Context, opts AutoConnectOptions, mode connectMode) error {
	if opts.Role == 0 {
		opts.Role = c.cfg.Role
	}
	if opts.Role != c.cfg.Role {
		return fmt.Errorf("%w: auto-connect for %s on a %s client", wire.ErrWrongService, opts.Role, c.cfg.Role)
	}
	if opts.Network == "" {
		opts.Network = NetworkMainnet
	}
	port, err := DefaultPort(opts.Role, opts.Network)
	if err != nil {
		return err
	}
	log.Info().Str("role", opts.Role.String()).Str("network", opts.Network).Int("port", port).Msg("client.Client auto-connect")

	for h := range c.disc.Candidates(ctx, port) {
		reqs, err := c.tryCandidate(ctx, h, opts, mode)
		if err != nil {
			if errors.Is(err, ErrClientClosed) || errors.Is(err, ErrClientDisconnected) {
				return err
			}
			observability.RecordCandidate("rejected")
			log.Debug().Str("peer", h.Key()).Err(err).Msg("client.Client candidate rejected")
			if reqs != nil {
				c.dropCandidate(reqs)
			}
			continue
		}
		observability.RecordCandidate("accepted")
		c.mu.Lock()
		saved := opts
		c.auto = &saved
		c.mu.Unlock()
		log.Info().Str("peer", h.Key()).Msg("client.Client auto-connect accepted")
		return nil
	}
	cause := ctx.Err()
	if cause == nil {
		cause = errors.New("candidate sequence ended")
	}
	return fmt.Errorf("%w: %w", ErrNoCandidate, cause)
}

// tryCandidate returns the installed request channel, even when a later
// filter rejects the candidate, so the caller can drop it.
func (c *Client) tryCandidate(ctx context.Context, h *peer.Handle, opts AutoConnectOptions, mode connectMode) (*stream.RequestChannel, error) {
	connCtx := ctx
	if opts.ConnTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, opts.ConnTimeout)
		defer cancel()
	}
	reqs, err := c.connect(connCtx, h, ConnectOptions{IdleTimeout: opts.IdleTimeout, Retry: opts.Retry}, mode, nil)
	if err != nil {
		return nil, err
	}
	return reqs, c.screen(connCtx, h, opts)
}

// screen applies the latency, protocol, network and version filters to the
// connected candidate h.
func (c *Client) screen(ctx context.Context, h *peer.Handle, opts AutoConnectOptions) error {
	probeTimeout := minPositive(opts.ConnTimeout, opts.MaxLatency)
	latency, err := c.HostLatency(ctx, probeTimeout)
	if err != nil {
		return err
	}
	if opts.MaxLatency > 0 && latency > opts.MaxLatency {
		return fmt.Errorf("%w: latency %s above %s", errRejected, latency, opts.MaxLatency)
	}

	queryTimeout := opts.ConnTimeout
	if queryTimeout <= 0 {
		queryTimeout = c.cfg.Session.RequestTimeout
	}
	if c.cfg.Role == wire.ServiceP2P && opts.MinProtocol > 0 {
		level, ok := h.Protocol()
		if !ok || level < opts.MinProtocol {
			return fmt.Errorf("%w: protocol %d below %d", errRejected, level, opts.MinProtocol)
		}
	}
	network, err := h.ResolveNetwork(ctx, direct{c: c}, queryTimeout)
	if err != nil {
		return err
	}
	if network != opts.Network {
		return fmt.Errorf("%w: network %q, want %q", errRejected, network, opts.Network)
	}
	if opts.MinVersion != (version.Number{}) {
		v, err := h.ResolveVersion(ctx, direct{c: c}, queryTimeout)
		if err != nil {
			return err
		}
		if v.Less(opts.MinVersion) {
			return fmt.Errorf("%w: version %s below %s", errRejected, v, opts.MinVersion)
		}
	}
	return nil
}

func minPositive(a, b time.Duration) time.Duration {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}
