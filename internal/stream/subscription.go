package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/kaspactl/internal/observability"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const DefaultCallbackWorkers = 16

var ErrNilCallback = errors.New("stream: nil subscription callback")

// Callback receives one notification. It runs on its own goroutine.
type Callback func(msg wire.Message)

type SubscriptionOptions struct {
	Registry *wire.Registry
	Service  wire.Service
	// Workers bounds concurrently running callbacks.
	Workers int64
	// OnError receives stream failures; they are logged either way.
	OnError func(command string, err error)
}

// SubscriptionChannel binds one subscribe command to the notifications it
// produces and fans them out to a callback.
type SubscriptionChannel struct {
	mux       *Multiplexer
	command   string
	expected  string
	subscribe wire.Message
	callback  Callback
	onError   func(string, error)

	sem      *semaphore.Weighted
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	inflight sync.WaitGroup
}

func NewSubscriptionChannel(mux *Multiplexer, command string, payload map[string]any, cb Callback, opts SubscriptionOptions) (*SubscriptionChannel, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	expected, err := wire.NotificationFor(command)
	if err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = wire.DefaultRegistry()
	}
	msg, err := reg.Build(opts.Service, command, payload)
	if err != nil {
		return nil, err
	}
	if _, ok := reg.Lookup(expected); !ok {
		return nil, fmt.Errorf("%w: %q has no registered notification %q", wire.ErrNotSubscribable, command, expected)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultCallbackWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SubscriptionChannel{
		mux:       mux,
		command:   msg.Name,
		expected:  expected,
		subscribe: msg,
		callback:  cb,
		onError:   opts.OnError,
		sem:       semaphore.NewWeighted(workers),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (s *SubscriptionChannel) Command() string  { return s.command }
func (s *SubscriptionChannel) Expected() string { return s.expected }

// Start queues the subscribe command, then starts dispatching.
func (s *SubscriptionChannel) Start() error {
	if err := s.mux.Send(s.subscribe); err != nil {
		return err
	}
	s.mux.SetErrorHandler(s.handleError)
	return s.mux.Start(s.dispatch)
}

func (s *SubscriptionChannel) dispatch(msg wire.Message) {
	if msg.Name != s.expected || s.closed.Load() {
		return
	}
	// Blocks the inbound loop when every worker is busy; Close unblocks it.
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.sem.Release(1)
		s.invoke(msg)
	}()
}

func (s *SubscriptionChannel) invoke(msg wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordCallback(s.command, "panic")
			log.Error().Str("peer", s.mux.name).Str("command", s.command).Interface("panic", r).Msg("stream.SubscriptionChannel callback panic")
		}
	}()
	if s.closed.Load() {
		return
	}
	s.callback(msg)
	observability.RecordCallback(s.command, "ok")
}

func (s *SubscriptionChannel) handleError(err error) {
	log.Warn().Str("peer", s.mux.name).Str("command", s.command).Err(err).Msg("stream.SubscriptionChannel stream failed")
	if s.onError != nil {
		s.onError(s.command, err)
	}
}

// Close suppresses further callbacks and tears the stream down. There is no
// wire level unsubscribe. Callbacks already running are not waited for.
func (s *SubscriptionChannel) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	return s.mux.Close()
}

// Wait blocks until the stream loops have exited and every started callback
// has returned.
func (s *SubscriptionChannel) Wait() {
	<-s.mux.Done()
	s.inflight.Wait()
}

func (s *SubscriptionChannel) Closed() bool {
	return s.closed.Load()
}
