package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/kaspactl/internal/peer"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/version"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	msgVersion   = "version"
	msgVerack    = "verack"
	msgAddresses = "addresses"

	DefaultUserAgent = "/kaspactl:0.1.0/"
	defaultServices  = "37"
)

var ErrHandshake = errors.New("session: p2p handshake failed")

// Exchanger is the message surface a handshake runs over.
type Exchanger interface {
	Send(ctx context.Context, command string, payload map[string]any) error
	Recv(ctx context.Context, timeout time.Duration) (wire.Message, error)
}

// Handshaker runs once after a P2P stream opens and may fill in what it
// learns about the remote peer.
type Handshaker interface {
	Handshake(ctx context.Context, ex Exchanger, remote *peer.Handle) error
}

type HandshakerFunc func(ctx context.Context, ex Exchanger, remote *peer.Handle) error

func (f HandshakerFunc) Handshake(ctx context.Context, ex Exchanger, remote *peer.Handle) error {
	return f(ctx, ex, remote)
}

// VersionHandshake is the node version exchange: the remote speaks first.
//
//	remote -> version
//	local  -> verack, version
//	remote -> verack
//	local  -> addresses
//	remote -> addresses
type VersionHandshake struct {
	ID        string
	UserAgent string
	Timeout   time.Duration
	Now       func() time.Time
}

func NewVersionHandshake(userAgent string, timeout time.Duration) *VersionHandshake {
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultUserAgent
	}
	return &VersionHandshake{
		ID:        uuid.NewString(),
		UserAgent: userAgent,
		Timeout:   timeout,
		Now:       time.Now,
	}
}

func (h *VersionHandshake) Handshake(ctx context.Context, ex Exchanger, remote *peer.Handle) error {
	theirs, err := h.expect(ctx, ex, msgVersion)
	if err != nil {
		return err
	}
	applyRemoteVersion(theirs, remote)

	if err := ex.Send(ctx, msgVerack, nil); err != nil {
		return fmt.Errorf("%w: send verack: %w", ErrHandshake, err)
	}
	if err := ex.Send(ctx, msgVersion, h.localVersion(theirs)); err != nil {
		return fmt.Errorf("%w: send version: %w", ErrHandshake, err)
	}
	if _, err := h.expect(ctx, ex, msgVerack); err != nil {
		return err
	}
	if err := ex.Send(ctx, msgAddresses, map[string]any{"addressList": []any{}}); err != nil {
		return fmt.Errorf("%w: send addresses: %w", ErrHandshake, err)
	}
	if _, err := h.expect(ctx, ex, msgAddresses); err != nil {
		return err
	}
	log.Debug().Str("peer", remote.Key()).Str("id", h.ID).Msg("session.VersionHandshake complete")
	return nil
}

func (h *VersionHandshake) expect(ctx context.Context, ex Exchanger, want string) (wire.Message, error) {
	msg, err := ex.Recv(ctx, h.Timeout)
	if err != nil {
		return wire.Message{}, fmt.Errorf("%w: waiting for %s: %w", ErrHandshake, want, err)
	}
	if msg.Name != want {
		return wire.Message{}, fmt.Errorf("%w: expected %s, got %s", ErrHandshake, want, msg.Name)
	}
	return msg, nil
}

func (h *VersionHandshake) localVersion(theirs wire.Message) map[string]any {
	now := strconv.FormatInt(h.now().UnixMilli(), 10)
	address := map[string]any{"timestamp": now}
	if remoteAddr, ok := theirs.Object("address"); ok {
		if port, ok := remoteAddr["port"]; ok {
			address["port"] = port
		}
	}
	payload := map[string]any{
		"services":  defaultServices,
		"timestamp": now,
		"address":   address,
		"id":        h.ID,
		"userAgent": h.UserAgent,
		"network":   theirs.String("network"),
	}
	if pv, ok := theirs.Field("protocolVersion"); ok {
		payload["protocolVersion"] = pv
	}
	return payload
}

func (h *VersionHandshake) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// applyRemoteVersion reads protocol level, node version and network from the
// remote version message. userAgent looks like "/kaspad:0.12.3/" and network
// like "kaspa-mainnet".
func applyRemoteVersion(msg wire.Message, remote *peer.Handle) {
	if level, ok := msg.Uint("protocolVersion"); ok {
		remote.SetProtocol(uint32(level))
	}
	agent := strings.Trim(msg.String("userAgent"), "/")
	if parts := strings.Split(agent, "/"); len(parts) > 0 && parts[len(parts)-1] != "" {
		if v, err := version.Parse(parts[len(parts)-1]); err == nil {
			remote.SetVersion(v)
		} else {
			log.Debug().Str("peer", remote.Key()).Str("user_agent", agent).Err(err).Msg("session.VersionHandshake user agent")
		}
	}
	if network := msg.String("network"); network != "" {
		parts := strings.Split(network, "-")
		remote.SetNetwork(parts[len(parts)-1])
	}
}
