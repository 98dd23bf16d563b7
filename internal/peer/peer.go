// Package peer holds the identity of a remote node and the probes that learn
// its reachability, version and network.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/version"
	"github.com/rs/zerolog/log"
)

var ErrProbeFailed = errors.New("peer: probe failed")

const (
	infoCommand    = "getInfoRequest"
	infoReply      = "getInfoResponse"
	networkCommand = "getCurrentNetworkRequest"
	networkReply   = "getCurrentNetworkResponse"
)

// Handle identifies one remote endpoint. Address and Port are fixed; the
// discovered fields start unknown and are filled in place.
type Handle struct {
	Address string
	Port    int

	mu            sync.RWMutex
	network       string
	version       version.Number
	versionKnown  bool
	protocol      uint32
	protocolKnown bool
}

func New(address string, port int) *Handle {
	return &Handle{Address: strings.TrimSpace(address), Port: port}
}

// FromHostPort parses "host:port".
func FromHostPort(hostport string) (*Handle, error) {
	host, rawPort, err := net.SplitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("peer: invalid port %q", rawPort)
	}
	return New(host, port), nil
}

// Key is the identity of the handle.
func (h *Handle) Key() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

func (h *Handle) String() string {
	return h.Key()
}

func (h *Handle) Network() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.network, h.network != ""
}

func (h *Handle) SetNetwork(network string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.network = strings.ToLower(strings.TrimSpace(network))
}

func (h *Handle) Version() (version.Number, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version, h.versionKnown
}

func (h *Handle) SetVersion(v version.Number) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = v
	h.versionKnown = true
}

func (h *Handle) Protocol() (uint32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.protocol, h.protocolKnown
}

func (h *Handle) SetProtocol(level uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.protocol = level
	h.protocolKnown = true
}

// ProbeLatency dials address:port and reports the connect time. Any failure
// reports false.
func (h *Handle) ProbeLatency(ctx context.Context, timeout time.Duration) (time.Duration, bool) {
	dialer := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", h.Key())
	if err != nil {
		log.Debug().Str("peer", h.Key()).Err(err).Msg("peer.Handle probe unreachable")
		return 0, false
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, true
}

// Requester issues one request and waits for its reply.
type Requester interface {
	Request(ctx context.Context, command string, payload map[string]any, timeout time.Duration) (wire.Message, error)
}

// Resolve queries version and network over r. Fields that could not be
// resolved stay unknown and the error wraps ErrProbeFailed.
func (h *Handle) Resolve(ctx context.Context, r Requester, timeout time.Duration) error {
	if _, err := h.ResolveVersion(ctx, r, timeout); err != nil {
		return err
	}
	if _, err := h.ResolveNetwork(ctx, r, timeout); err != nil {
		return err
	}
	return nil
}

// ResolveVersion returns the cached version or asks the node for it.
func (h *Handle) ResolveVersion(ctx context.Context, r Requester, timeout time.Duration) (version.Number, error) {
	if v, ok := h.Version(); ok {
		return v, nil
	}
	reply, err := h.query(ctx, r, infoCommand, infoReply, timeout)
	if err != nil {
		return version.Number{}, err
	}
	v, err := version.Parse(reply.String("serverVersion"))
	if err != nil {
		return version.Number{}, fmt.Errorf("%w: %s: %v", ErrProbeFailed, h.Key(), err)
	}
	h.SetVersion(v)
	return v, nil
}

// ResolveNetwork returns the cached network or asks the node for it.
func (h *Handle) ResolveNetwork(ctx context.Context, r Requester, timeout time.Duration) (string, error) {
	if n, ok := h.Network(); ok {
		return n, nil
	}
	reply, err := h.query(ctx, r, networkCommand, networkReply, timeout)
	if err != nil {
		return "", err
	}
	network := reply.String("currentNetwork")
	if strings.TrimSpace(network) == "" {
		return "", fmt.Errorf("%w: %s: empty currentNetwork", ErrProbeFailed, h.Key())
	}
	h.SetNetwork(network)
	n, _ := h.Network()
	return n, nil
}

func (h *Handle) query(ctx context.Context, r Requester, command, want string, timeout time.Duration) (wire.Message, error) {
	reply, err := r.Request(ctx, command, nil, timeout)
	if err != nil {
		return wire.Message{}, fmt.Errorf("%w: %s %s: %w", ErrProbeFailed, h.Key(), command, err)
	}
	if reply.Name != want {
		return wire.Message{}, fmt.Errorf("%w: %s %s: unexpected reply %q", ErrProbeFailed, h.Key(), command, reply.Name)
	}
	if msg := reply.RemoteError(); msg != "" {
		return wire.Message{}, fmt.Errorf("%w: %s %s: %s", ErrProbeFailed, h.Key(), command, msg)
	}
	return reply, nil
}
