// Package client manages the connection to one node: the request stream,
// subscriptions, the connection state machine and recovery.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/kaspactl/internal/discovery"
	"github.com/danmuck/kaspactl/internal/observability"
	"github.com/danmuck/kaspactl/internal/peer"
	"github.com/danmuck/kaspactl/internal/protocol/session"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/stream"
	"github.com/danmuck/kaspactl/internal/transport"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Role      wire.Service
	Registry  *wire.Registry
	Transport transport.Transport
	// Discovery feeds AutoConnect. Nil uses the public seeders.
	Discovery *discovery.Discovery
	Session   session.Config
	// CallbackWorkers bounds concurrent callbacks per subscription.
	CallbackWorkers int64
	// FilterInventory drops relay inventory on P2P request streams.
	FilterInventory bool
	// Handshaker runs after every P2P connect. Nil uses the version exchange.
	Handshaker          session.Handshaker
	OnSubscriptionError func(command string, err error)
}

func DefaultConfig() Config {
	return Config{
		Role:            wire.ServiceRPC,
		Session:         session.DefaultConfig(),
		CallbackWorkers: stream.DefaultCallbackWorkers,
		FilterInventory: true,
	}
}

// RetryPolicy controls recovery after a transport or protocol failure.
type RetryPolicy struct {
	MaxAttempts int
	// Wait is the first backoff delay. Zero uses the session backoff.
	Wait time.Duration
	// NewConnOnExhaustion falls back to AutoConnect with the last
	// auto-connect options once every attempt failed.
	NewConnOnExhaustion bool
}

type ConnectOptions struct {
	// IdleTimeout bounds each stream's lifetime. Zero keeps streams open.
	IdleTimeout time.Duration
	Retry       RetryPolicy
}

// Client is safe for concurrent use, but replies carry no request id:
// callers must keep a single request in flight on the request stream.
type Client struct {
	cfg  Config
	reg  *wire.Registry
	disc *discovery.Discovery

	mu    sync.Mutex
	state State
	peer  *peer.Handle
	opts  ConnectOptions
	auto  *AutoConnectOptions
	reqs  *stream.RequestChannel
	subs  map[string]*stream.SubscriptionChannel

	recoverMu sync.Mutex
}

func New(cfg Config) (*Client, error) {
	if cfg.Role == 0 {
		cfg.Role = wire.ServiceRPC
	}
	if cfg.Registry == nil {
		cfg.Registry = wire.DefaultRegistry()
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Transport == nil {
		tr, err := transport.NewGRPC(transport.GRPCConfig{Session: cfg.Session, Registry: cfg.Registry})
		if err != nil {
			return nil, err
		}
		cfg.Transport = tr
	}
	if cfg.Role == wire.ServiceP2P && cfg.Handshaker == nil {
		cfg.Handshaker = session.NewVersionHandshake(session.DefaultUserAgent, cfg.Session.HandshakeTimeout)
	}
	disc := cfg.Discovery
	if disc == nil {
		disc = discovery.New(discovery.DefaultConfig())
	}
	return &Client{
		cfg:   cfg,
		reg:   cfg.Registry,
		disc:  disc,
		state: StateDisconnected,
		subs:  make(map[string]*stream.SubscriptionChannel),
	}, nil
}

func (c *Client) Role() wire.Service {
	return c.cfg.Role
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer is the handle of the current connection, nil before the first
// Connect.
func (c *Client) Peer() *peer.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Connect opens a new logical connection to host:port, replacing any
// previous one and its subscriptions. In the P2P role the handshake runs
// before Connect returns.
func (c *Client) Connect(ctx context.Context, host string, port int, opts ConnectOptions) error {
	_, err := c.connect(ctx, peer.New(host, port), opts, connectFresh, nil)
	return err
}

// connectMode decides when connect may install its new request channel.
type connectMode int

const (
	// connectFresh replaces whatever is installed, subscriptions included.
	connectFresh connectMode = iota
	// connectCandidate is connectFresh for the retry fallback: it never
	// overrides a user Disconnect or Close.
	connectCandidate
	// connectRecover keeps subscriptions and installs only over the failed
	// channel of a still connected client.
	connectRecover
)

func (c *Client) connect(ctx context.Context, h *peer.Handle, opts ConnectOptions, mode connectMode, failed *stream.RequestChannel) (*stream.RequestChannel, error) {
	log.Debug().Str("peer", h.Key()).Str("role", c.cfg.Role.String()).Msg("client.Client connecting")
	st, err := c.cfg.Transport.Open(ctx, h.Key(), transport.OpenOptions{
		Service:     c.cfg.Role,
		IdleTimeout: opts.IdleTimeout,
	})
	if err != nil {
		return nil, err
	}
	var exclude []string
	if c.cfg.Role == wire.ServiceP2P && c.cfg.FilterInventory {
		exclude = stream.InventoryFilter
	}
	mux := stream.NewMultiplexer(st, stream.Options{Name: h.Key(), Service: c.cfg.Role})
	reqs := stream.NewRequestChannel(mux, stream.RequestOptions{
		Registry: c.reg,
		Service:  c.cfg.Role,
		Exclude:  exclude,
	})
	if err := reqs.Start(); err != nil {
		_ = reqs.Close()
		return nil, err
	}

	if c.cfg.Role == wire.ServiceP2P && c.cfg.Handshaker != nil {
		hctx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
		err := c.cfg.Handshaker.Handshake(hctx, exchanger{reqs: reqs}, h)
		cancel()
		if err != nil {
			log.Warn().Str("peer", h.Key()).Err(err).Msg("client.Client handshake failed")
			_ = reqs.Close()
			return nil, err
		}
	}

	c.mu.Lock()
	if err := c.admitLocked(mode, failed); err != nil {
		c.mu.Unlock()
		_ = reqs.Close()
		log.Debug().Str("peer", h.Key()).Err(err).Msg("client.Client connection discarded")
		return nil, err
	}
	prevReqs := c.reqs
	var prevSubs map[string]*stream.SubscriptionChannel
	if mode != connectRecover {
		prevSubs = c.subs
		c.subs = make(map[string]*stream.SubscriptionChannel)
	}
	c.reqs = reqs
	c.peer = h
	c.opts = opts
	c.state = StateConnected
	c.mu.Unlock()

	closeSubscriptions(prevSubs)
	if prevReqs != nil {
		_ = prevReqs.Close()
	}
	log.Info().Str("peer", h.Key()).Str("role", c.cfg.Role.String()).Msg("client.Client connected")
	return reqs, nil
}

// admitLocked refuses to install a new channel when mode forbids it in the
// current state.
func (c *Client) admitLocked(mode connectMode, failed *stream.RequestChannel) error {
	switch mode {
	case connectRecover:
		if c.state != StateConnected {
			return c.stateErrLocked("reconnect")
		}
		if c.reqs != failed {
			return errSuperseded
		}
	case connectCandidate:
		// Only a channel dropped by auto-connect itself leaves reqs nil, so a
		// user Disconnect or Close stays in force.
		if c.state == StateClosed || (c.state == StateDisconnected && c.reqs != nil) {
			return c.stateErrLocked("auto-connect")
		}
	}
	return nil
}

func (c *Client) stateErrLocked(op string) error {
	if c.state == StateClosed {
		return fmt.Errorf("%w: %s on %s", ErrClientClosed, op, c.hostLocked())
	}
	return fmt.Errorf("%w: %s on %s", ErrClientDisconnected, op, c.hostLocked())
}

// dropCandidate closes a rejected auto-connect candidate if it is still
// installed and leaves the client disconnected.
func (c *Client) dropCandidate(reqs *stream.RequestChannel) {
	c.mu.Lock()
	if c.reqs != reqs || c.state == StateClosed {
		c.mu.Unlock()
		_ = reqs.Close()
		return
	}
	subs := c.subs
	c.subs = make(map[string]*stream.SubscriptionChannel)
	c.reqs = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	closeSubscriptions(subs)
	_ = reqs.Close()
}

// Disconnect closes every subscription, refuses new sends and parks the
// request stream once queued sends are written.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		host := c.hostLocked()
		c.mu.Unlock()
		return fmt.Errorf("%w: disconnect on %s", ErrClientClosed, host)
	case StateDisconnected:
		c.mu.Unlock()
		return nil
	}
	subs := c.subs
	c.subs = make(map[string]*stream.SubscriptionChannel)
	c.state = StateDisconnected
	reqs := c.reqs
	c.mu.Unlock()

	closeSubscriptions(subs)
	reqs.Drain()
	log.Info().Str("peer", c.Peer().Key()).Msg("client.Client disconnected")
	return nil
}

// Reconnect resumes a disconnected request stream.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateClosed:
		return fmt.Errorf("%w: reconnect on %s", ErrClientClosed, c.hostLocked())
	case c.reqs == nil:
		return fmt.Errorf("%w: reconnect before connect", ErrClientDisconnected)
	case c.state == StateConnected:
		return nil
	}
	c.reqs.Resume()
	c.state = StateConnected
	log.Info().Str("peer", c.peer.Key()).Msg("client.Client reconnected")
	return nil
}

// Close closes every subscription and tears the request stream down. Safe to
// call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	subs := c.subs
	c.subs = make(map[string]*stream.SubscriptionChannel)
	reqs := c.reqs
	c.state = StateClosed
	host := c.hostLocked()
	c.mu.Unlock()

	closeSubscriptions(subs)
	if reqs == nil {
		return nil
	}
	log.Info().Str("peer", host).Msg("client.Client closed")
	return reqs.Close()
}

// verifyConnection gates every request stream operation on the state.
func (c *Client) verifyConnection(command string) (*stream.RequestChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnected:
		return c.reqs, nil
	case StateClosed:
		return nil, fmt.Errorf("%w: %s on %s", ErrClientClosed, command, c.hostLocked())
	default:
		return nil, fmt.Errorf("%w: %s on %s", ErrClientDisconnected, command, c.hostLocked())
	}
}

func (c *Client) hostLocked() string {
	if c.peer == nil {
		return "<no peer>"
	}
	return c.peer.Key()
}

// Send queues command on the request stream.
func (c *Client) Send(command string, payload map[string]any) error {
	reqs, err := c.verifyConnection(command)
	if err != nil {
		return err
	}
	log.Debug().Str("peer", c.Peer().Key()).Str("command", command).Msg("client.Client send")
	return reqs.Send(command, payload)
}

// Recv waits up to timeout for the next reply. A transport or protocol
// failure runs the retry policy and, once recovered, waits again.
func (c *Client) Recv(ctx context.Context, timeout time.Duration) (wire.Message, error) {
	reqs, err := c.verifyConnection("recv")
	if err != nil {
		return wire.Message{}, err
	}
	msg, err := reqs.Receive(ctx, timeout)
	if err == nil || !transport.Retryable(err) {
		return msg, err
	}
	if err := c.recoverConnection(ctx, reqs, err); err != nil {
		return wire.Message{}, err
	}
	if reqs, err = c.verifyConnection("recv"); err != nil {
		return wire.Message{}, err
	}
	return reqs.Receive(ctx, timeout)
}

// Request sends command and waits for the reply. After a recovered failure
// the command is sent once more on the fresh connection.
func (c *Client) Request(ctx context.Context, command string, payload map[string]any, timeout time.Duration) (wire.Message, error) {
	start := time.Now()
	reqs, msg, err := c.request(ctx, command, payload, timeout)
	if err != nil && reqs != nil && transport.Retryable(err) {
		if rerr := c.recoverConnection(ctx, reqs, err); rerr != nil {
			err = rerr
		} else {
			_, msg, err = c.request(ctx, command, payload, timeout)
		}
	}
	observability.RecordRequest(command, outcome(err), time.Since(start))
	if err != nil {
		return wire.Message{}, err
	}
	log.Debug().Str("command", command).Str("reply", msg.Name).Msg("client.Client request")
	return msg, nil
}

// request is one gated exchange with no recovery.
func (c *Client) request(ctx context.Context, command string, payload map[string]any, timeout time.Duration) (*stream.RequestChannel, wire.Message, error) {
	reqs, err := c.verifyConnection(command)
	if err != nil {
		return nil, wire.Message{}, err
	}
	msg, err := reqs.Request(ctx, command, payload, timeout)
	return reqs, msg, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case transport.Retryable(err):
		return transport.Kind(err)
	default:
		return "error"
	}
}

func closeSubscriptions(subs map[string]*stream.SubscriptionChannel) {
	for command, sub := range subs {
		if err := sub.Close(); err != nil {
			log.Debug().Str("command", command).Err(err).Msg("client.Client close subscription")
		}
	}
}

// exchanger runs the handshake directly on a request channel, before the
// client state gate applies.
type exchanger struct {
	reqs *stream.RequestChannel
}

func (e exchanger) Send(_ context.Context, command string, payload map[string]any) error {
	return e.reqs.Send(command, payload)
}

func (e exchanger) Recv(ctx context.Context, timeout time.Duration) (wire.Message, error) {
	return e.reqs.Receive(ctx, timeout)
}

// direct answers peer queries without running recovery.
type direct struct {
	c *Client
}

func (d direct) Request(ctx context.Context, command string, payload map[string]any, timeout time.Duration) (wire.Message, error) {
	_, msg, err := d.c.request(ctx, command, payload, timeout)
	return msg, err
}
