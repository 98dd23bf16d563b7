// Package stream multiplexes request/response exchanges and subscriptions
// over one bidirectional node stream.
//
// A Multiplexer owns the stream and runs two loops: outbound writes queued
// messages in enqueue order, inbound hands each arriving message to a
// dispatch function in arrival order. RequestChannel and SubscriptionChannel
// are the two dispatch policies built on it.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/danmuck/kaspactl/internal/observability"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/danmuck/kaspactl/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped        = errors.New("stream: multiplexer stopped")
	ErrAlreadyStarted = errors.New("stream: multiplexer already started")
)

type itemKind int

const (
	itemMessage itemKind = iota
	// itemPause parks the outbound loop until Resume.
	itemPause
	// itemStop ends the outbound loop. Always queued at the front.
	itemStop
)

type outItem struct {
	kind itemKind
	msg  wire.Message
}

type Options struct {
	// Name labels log lines, usually the peer address.
	Name    string
	Service wire.Service
}

type Multiplexer struct {
	st      transport.Stream
	name    string
	service string
	out     *queue[outItem]

	started  atomic.Bool
	closing  atomic.Bool
	haltOnce sync.Once
	halted   chan struct{}
	resume   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	errOnce sync.Once
	errMu   sync.Mutex
	err     error
	onError func(error)
}

func NewMultiplexer(st transport.Stream, opts Options) *Multiplexer {
	return &Multiplexer{
		st:      st,
		name:    opts.Name,
		service: opts.Service.String(),
		out:     newQueue[outItem](),
		halted:  make(chan struct{}),
		resume:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// SetErrorHandler registers fn to receive the first transport failure. It
// runs synchronously on the loop that failed.
func (m *Multiplexer) SetErrorHandler(fn func(error)) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.onError = fn
}

// Start launches the outbound and inbound loops.
func (m *Multiplexer) Start(dispatch func(wire.Message)) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	m.wg.Add(2)
	go m.outboundLoop()
	go m.inboundLoop(dispatch)
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	log.Debug().Str("peer", m.name).Str("service", m.service).Msg("stream.Multiplexer started")
	return nil
}

// Send queues msg for the outbound loop and returns without waiting for the
// write.
func (m *Multiplexer) Send(msg wire.Message) error {
	if m.closing.Load() {
		return ErrStopped
	}
	if err := m.Err(); err != nil {
		return err
	}
	m.out.push(outItem{kind: itemMessage, msg: msg})
	return nil
}

// Drain lets everything already queued reach the wire, then parks the
// outbound loop until Resume. Inbound dispatch keeps running.
func (m *Multiplexer) Drain() {
	if m.closing.Load() {
		return
	}
	m.out.push(outItem{kind: itemPause})
}

// Resume releases an outbound loop parked by Drain.
func (m *Multiplexer) Resume() {
	select {
	case m.resume <- struct{}{}:
	default:
	}
}

// Stop ends both loops without tearing the stream down: queued messages are
// dropped, the send side is half-closed, and the inbound loop exits when the
// remote ends the stream. Errors seen after Stop are not reported.
func (m *Multiplexer) Stop() {
	m.closing.Store(true)
	if m.started.CompareAndSwap(false, true) {
		_ = m.st.CloseSend()
		m.halt()
		close(m.done)
		return
	}
	m.halt()
}

// Close is Stop plus immediate stream teardown. Safe to call repeatedly.
func (m *Multiplexer) Close() error {
	m.Stop()
	return m.st.Close()
}

// Done is closed once both loops have exited.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// Err returns the classified failure that ended the loops, if any.
func (m *Multiplexer) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// Closing reports whether Stop or Close was called.
func (m *Multiplexer) Closing() bool {
	return m.closing.Load()
}

func (m *Multiplexer) halt() {
	m.haltOnce.Do(func() {
		close(m.halted)
		m.out.pushFront(outItem{kind: itemStop})
	})
}

func (m *Multiplexer) outboundLoop() {
	defer m.wg.Done()
	for {
		item, _ := m.out.pop(nil)
		switch item.kind {
		case itemStop:
			if dropped := m.out.clear(); dropped > 0 {
				log.Debug().Str("peer", m.name).Int("dropped", dropped).Msg("stream.Multiplexer discarded queued messages")
			}
			if err := m.st.CloseSend(); err != nil {
				log.Debug().Str("peer", m.name).Err(err).Msg("stream.Multiplexer close send")
			}
			return
		case itemPause:
			log.Debug().Str("peer", m.name).Msg("stream.Multiplexer outbound paused")
			select {
			case <-m.resume:
				log.Debug().Str("peer", m.name).Msg("stream.Multiplexer outbound resumed")
			case <-m.halted:
			}
		case itemMessage:
			if err := m.st.Send(item.msg); err != nil {
				m.fail(err)
				return
			}
			observability.RecordStreamSent(m.service)
			log.Trace().Str("peer", m.name).Str("command", item.msg.Name).Msg("stream.Multiplexer sent")
		}
	}
}

func (m *Multiplexer) inboundLoop(dispatch func(wire.Message)) {
	defer m.wg.Done()
	for {
		msg, err := m.st.Recv()
		if err != nil {
			m.fail(err)
			return
		}
		observability.RecordStreamReceived(m.service)
		dispatch(msg)
	}
}

// fail reports err once unless the owner is already closing, then halts.
func (m *Multiplexer) fail(err error) {
	defer m.halt()
	if m.closing.Load() {
		log.Debug().Str("peer", m.name).Err(err).Msg("stream.Multiplexer error after close")
		return
	}
	classified := transport.Classify(err)
	m.errOnce.Do(func() {
		m.errMu.Lock()
		m.err = classified
		handler := m.onError
		m.errMu.Unlock()

		observability.RecordStreamError(m.service, transport.Kind(classified))
		log.Warn().Str("peer", m.name).Err(classified).Msg("stream.Multiplexer failure")
		if handler != nil {
			handler(classified)
		}
	})
}
