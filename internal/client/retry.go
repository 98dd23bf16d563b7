package client

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/danmuck/kaspactl/internal/observability"
	"github.com/danmuck/kaspactl/internal/protocol/session"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/stream"
	"github.com/rs/zerolog/log"
)

// livenessCommand proves a recovered connection answers.
func livenessCommand(role wire.Service) (string, map[string]any) {
	if role == wire.ServiceP2P {
		return "ping", map[string]any{"nonce": "0"}
	}
	return "getInfoRequest", nil
}

// recoverConnection reopens the connection to the same peer up to MaxAttempts times.
// failed is the request channel that surfaced cause. Recovery only ever
// replaces failed on a connected client: a Disconnect or Close that lands
// first ends it with cause, and a channel already replaced by another caller
// ends it with nil. On exhaustion it falls back to AutoConnect when the
// policy allows, else returns cause.
func (c *Client) recoverConnection(ctx context.Context, failed *stream.RequestChannel, cause error) error {
	c.recoverMu.Lock()
	defer c.recoverMu.Unlock()

	c.mu.Lock()
	h, opts := c.peer, c.opts
	var auto *AutoConnectOptions
	if c.auto != nil {
		a := *c.auto
		auto = &a
	}
	c.mu.Unlock()
	if h == nil {
		return cause
	}
	if done, err := c.recoveryOver(failed, cause); done {
		return err
	}

	policy := opts.Retry
	backoff := c.cfg.Session.Backoff
	if policy.Wait > 0 {
		backoff.InitialDelay = policy.Wait
	}
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(policy.MaxAttempts)))

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := session.SleepBackoff(ctx, backoff, attempt, rng); err != nil {
			return err
		}
		if done, err := c.recoveryOver(failed, cause); done {
			return err
		}
		reqs, err := c.connect(ctx, h, opts, connectRecover, failed)
		if err != nil {
			observability.RecordReconnect("failed")
			log.Warn().Str("peer", h.Key()).Int("attempt", attempt).Err(err).Msg("client.Client reconnect")
			continue
		}
		failed = reqs
		command, payload := livenessCommand(c.cfg.Role)
		if _, _, err := c.request(ctx, command, payload, c.cfg.Session.RequestTimeout); err != nil {
			observability.RecordReconnect("failed")
			log.Warn().Str("peer", h.Key()).Int("attempt", attempt).Err(err).Msg("client.Client liveness probe")
			continue
		}
		observability.RecordReconnect("ok")
		log.Info().Str("peer", h.Key()).Int("attempt", attempt).Msg("client.Client recovered")
		return nil
	}

	if done, err := c.recoveryOver(failed, cause); done {
		return err
	}
	if policy.NewConnOnExhaustion && auto != nil {
		log.Warn().Str("peer", h.Key()).Err(cause).Msg("client.Client retries exhausted, searching for a new peer")
		if err := c.autoConnect(ctx, *auto, connectCandidate); err == nil {
			observability.RecordReconnect("replaced")
			return nil
		}
	}
	observability.RecordReconnect("exhausted")
	return cause
}

// recoveryOver reports whether recovery of failed must stop, and with what.
func (c *Client) recoveryOver(failed *stream.RequestChannel, cause error) (bool, error) {
	c.mu.Lock()
	state, current := c.state, c.reqs
	c.mu.Unlock()
	switch {
	case state != StateConnected:
		observability.RecordReconnect("abandoned")
		return true, cause
	case current != failed:
		return true, nil
	default:
		return false, nil
	}
}
