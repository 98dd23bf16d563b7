package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

var ErrTimeout = errors.New("stream: timed out waiting for reply")

// InventoryFilter lists the high volume P2P relay messages that P2P request
// channels usually drop.
var InventoryFilter = []string{"invRelayBlock", "invTransactions"}

type reply struct {
	msg wire.Message
	err error
}

type RequestOptions struct {
	Registry *wire.Registry
	Service  wire.Service
	// Exclude names discriminants that are dropped instead of queued.
	Exclude []string
}

// RequestChannel queues every non-excluded inbound message as a reply. There
// is no request id on the wire, so replies pair with requests only when the
// caller keeps a single request in flight.
type RequestChannel struct {
	mux     *Multiplexer
	reg     *wire.Registry
	service wire.Service
	replies *queue[reply]

	mu      sync.RWMutex
	exclude map[string]struct{}
}

func NewRequestChannel(mux *Multiplexer, opts RequestOptions) *RequestChannel {
	reg := opts.Registry
	if reg == nil {
		reg = wire.DefaultRegistry()
	}
	c := &RequestChannel{
		mux:     mux,
		reg:     reg,
		service: opts.Service,
		replies: newQueue[reply](),
		exclude: make(map[string]struct{}, len(opts.Exclude)),
	}
	c.SetExclusions(opts.Exclude...)
	return c
}

// Start wires the channel into its multiplexer and starts it.
func (c *RequestChannel) Start() error {
	c.mux.SetErrorHandler(c.handleError)
	return c.mux.Start(c.dispatch)
}

// SetExclusions replaces the exclusion filter.
func (c *RequestChannel) SetExclusions(names ...string) {
	next := make(map[string]struct{}, len(names))
	for _, name := range names {
		next[name] = struct{}{}
	}
	c.mu.Lock()
	c.exclude = next
	c.mu.Unlock()
}

func (c *RequestChannel) Excludes(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.exclude[name]
	return ok
}

func (c *RequestChannel) dispatch(msg wire.Message) {
	if c.Excludes(msg.Name) {
		log.Trace().Str("peer", c.mux.name).Str("message", msg.Name).Msg("stream.RequestChannel filtered")
		return
	}
	c.replies.push(reply{msg: msg})
}

func (c *RequestChannel) handleError(err error) {
	c.replies.push(reply{err: err})
}

// Send validates command against the registry and queues it.
func (c *RequestChannel) Send(command string, payload map[string]any) error {
	msg, err := c.reg.Build(c.service, command, payload)
	if err != nil {
		return err
	}
	return c.mux.Send(msg)
}

// Receive waits up to timeout for the next reply. A non-positive timeout
// waits until ctx ends. A stream failure is returned in place of a reply.
func (c *RequestChannel) Receive(ctx context.Context, timeout time.Duration) (wire.Message, error) {
	if c.replies.len() == 0 {
		if err := c.mux.Err(); err != nil {
			return wire.Message{}, err
		}
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	r, ok := c.replies.pop(waitCtx.Done())
	if !ok {
		if err := ctx.Err(); err != nil {
			return wire.Message{}, err
		}
		return wire.Message{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if r.err != nil {
		return wire.Message{}, r.err
	}
	return r.msg, nil
}

// Request is Send followed by Receive.
func (c *RequestChannel) Request(ctx context.Context, command string, payload map[string]any, timeout time.Duration) (wire.Message, error) {
	if err := c.Send(command, payload); err != nil {
		return wire.Message{}, err
	}
	return c.Receive(ctx, timeout)
}

// Pending is the number of queued, unread replies.
func (c *RequestChannel) Pending() int {
	return c.replies.len()
}

func (c *RequestChannel) Drain()  { c.mux.Drain() }
func (c *RequestChannel) Resume() { c.mux.Resume() }

func (c *RequestChannel) Close() error {
	return c.mux.Close()
}

func (c *RequestChannel) Multiplexer() *Multiplexer {
	return c.mux
}
