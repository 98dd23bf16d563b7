package client

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/stream"
	"github.com/danmuck/kaspactl/internal/transport"
	"github.com/rs/zerolog/log"
)

type SubscribeOptions struct {
	// IdleTimeout bounds the subscription stream's lifetime.
	IdleTimeout time.Duration
}

// Subscribe opens a dedicated stream for command and runs cb for every
// notification it produces. Subscribing to a command again replaces the
// earlier subscription.
func (c *Client) Subscribe(ctx context.Context, command string, payload map[string]any, cb stream.Callback, opts SubscribeOptions) error {
	if _, err := c.verifyConnection(command); err != nil {
		return err
	}
	if _, err := wire.NotificationFor(command); err != nil {
		return err
	}
	h := c.Peer()
	st, err := c.cfg.Transport.Open(ctx, h.Key(), transport.OpenOptions{
		Service:     c.cfg.Role,
		IdleTimeout: opts.IdleTimeout,
	})
	if err != nil {
		return err
	}
	mux := stream.NewMultiplexer(st, stream.Options{Name: h.Key(), Service: c.cfg.Role})
	sub, err := stream.NewSubscriptionChannel(mux, command, payload, cb, stream.SubscriptionOptions{
		Registry: c.reg,
		Service:  c.cfg.Role,
		Workers:  c.cfg.CallbackWorkers,
		OnError:  c.cfg.OnSubscriptionError,
	})
	if err != nil {
		_ = mux.Close()
		return err
	}
	if err := sub.Start(); err != nil {
		_ = sub.Close()
		return err
	}

	c.mu.Lock()
	if c.state != StateConnected || c.peer != h {
		c.mu.Unlock()
		_ = sub.Close()
		return fmt.Errorf("%w: %s on %s", ErrClientDisconnected, command, h.Key())
	}
	prev := c.subs[command]
	c.subs[command] = sub
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	log.Info().Str("peer", h.Key()).Str("command", command).Str("notification", sub.Expected()).Msg("client.Client subscribed")
	return nil
}

// Unsubscribe closes the subscription for command and forgets it.
func (c *Client) Unsubscribe(command string) error {
	c.mu.Lock()
	sub, ok := c.subs[command]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchSubscription, command)
	}
	err := sub.Close()
	delete(c.subs, command)
	c.mu.Unlock()
	log.Info().Str("command", command).Msg("client.Client unsubscribed")
	return err
}

// Subscriptions lists the active subscription commands in order.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for command := range c.subs {
		out = append(out, command)
	}
	sort.Strings(out)
	return out
}
