// Package nodetest runs an in-process node speaking the message stream
// protocol on a loopback listener.
package nodetest

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kaspactl/internal/auth"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// Commands used by tests on top of the node table.
var extraCommands = []wire.Command{
	{Name: "echoRequest", Field: 1901},
	{Name: "echoResponse", Field: 1902},
	{Name: "notifyFooRequest", Field: 1903},
	{Name: "notifyFooResponse", Field: 1904},
	{Name: "fooNotification", Field: 1905},
}

var testRegistry = func() *wire.Registry {
	reg, err := wire.DefaultRegistry().Extend(extraCommands...)
	if err != nil {
		panic(err)
	}
	return reg
}()

// Registry is the node table plus echo and foo test commands.
func Registry() *wire.Registry {
	return testRegistry
}

// HandlerFunc answers one inbound message. Returning handled=false falls
// through to the built-in responses.
type HandlerFunc func(s *Session, msg wire.Message) (handled bool)

type Options struct {
	Version string
	Network string
	// P2PHandshake makes P2P sessions open with a version message and answer
	// the version exchange.
	P2PHandshake bool
	Token        string
	TLS          credentials.TransportCredentials
	Handler      HandlerFunc
}

// Node is a running fake node.
type Node struct {
	t        testing.TB
	opts     Options
	lis      net.Listener
	srv      *grpc.Server
	mu       sync.Mutex
	sessions []*Session
	streams  chan *Session
}

// Start serves a node on 127.0.0.1 until the test ends.
func Start(t testing.TB, opts Options) *Node {
	t.Helper()
	if opts.Version == "" {
		opts.Version = "0.12.11"
	}
	if opts.Network == "" {
		opts.Network = "mainnet"
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("nodetest listen: %v", err)
	}
	n := &Node{
		t:       t,
		opts:    opts,
		lis:     lis,
		streams: make(chan *Session, 64),
	}
	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(wire.NewCodec(testRegistry)),
		grpc.UnknownServiceHandler(n.serve),
	}
	if opts.Token != "" {
		serverOpts = append(serverOpts, grpc.StreamInterceptor(auth.StreamInterceptor(auth.StaticToken{Token: opts.Token})))
	}
	if opts.TLS != nil {
		serverOpts = append(serverOpts, grpc.Creds(opts.TLS))
	}
	n.srv = grpc.NewServer(serverOpts...)
	go func() {
		_ = n.srv.Serve(lis)
	}()
	t.Cleanup(n.Stop)
	return n
}

func (n *Node) Addr() string { return n.lis.Addr().String() }

func (n *Node) Host() string {
	host, _, _ := net.SplitHostPort(n.Addr())
	return host
}

func (n *Node) Port() int {
	return n.lis.Addr().(*net.TCPAddr).Port
}

// Stop ends every session and closes the listener.
func (n *Node) Stop() {
	n.srv.Stop()
}

// WaitSession returns the next session opened against the node.
func (n *Node) WaitSession(timeout time.Duration) (*Session, bool) {
	select {
	case s := <-n.streams:
		return s, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Sessions snapshots every session seen so far.
func (n *Node) Sessions() []*Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Session(nil), n.sessions...)
}

// Notify pushes a notification to every live session subscribed to name.
func (n *Node) Notify(name string, payload map[string]any) int {
	sent := 0
	for _, s := range n.Sessions() {
		if !s.Subscribed(name) {
			continue
		}
		if err := s.Send(wire.Message{Name: name, Payload: payload}); err == nil {
			sent++
		}
	}
	return sent
}

func (n *Node) serve(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	s := &Session{
		Method: method,
		node:   n,
		stream: stream,
		subs:   make(map[string]struct{}),
		end:    make(chan error, 1),
		recv:   make(chan wire.Message, 256),
	}
	n.mu.Lock()
	n.sessions = append(n.sessions, s)
	n.mu.Unlock()
	select {
	case n.streams <- s:
	default:
	}

	if n.opts.P2PHandshake && strings.Contains(method, "P2P") {
		_ = s.Send(wire.Message{Name: "version", Payload: map[string]any{
			"protocolVersion": float64(5),
			"userAgent":       "/kaspad:" + n.opts.Version + "/",
			"network":         "kaspa-" + n.opts.Network,
			"address":         map[string]any{"port": float64(n.Port())},
		}})
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var msg wire.Message
			if err := stream.RecvMsg(&msg); err != nil {
				return
			}
			s.record(msg)
			n.respond(s, msg)
		}
	}()

	select {
	case err := <-s.end:
		return err
	case <-readDone:
		return nil
	case <-stream.Context().Done():
		return nil
	}
}

func (n *Node) respond(s *Session, msg wire.Message) {
	if n.opts.Handler != nil && n.opts.Handler(s, msg) {
		return
	}
	var reply wire.Message
	switch {
	case msg.Name == "getInfoRequest":
		reply = wire.Message{Name: "getInfoResponse", Payload: map[string]any{
			"serverVersion": n.opts.Version,
			"isSynced":      true,
		}}
	case msg.Name == "getCurrentNetworkRequest":
		reply = wire.Message{Name: "getCurrentNetworkResponse", Payload: map[string]any{
			"currentNetwork": strings.ToUpper(n.opts.Network),
		}}
	case msg.Name == "echoRequest":
		reply = wire.Message{Name: "echoResponse", Payload: msg.Payload}
	case wire.IsSubscription(msg.Name):
		note, err := wire.NotificationFor(msg.Name)
		if err != nil {
			return
		}
		s.subscribe(note)
		reply = wire.Message{Name: strings.TrimSuffix(msg.Name, "Request") + "Response", Payload: map[string]any{}}
	case msg.Name == "version":
		reply = wire.Message{Name: "verack"}
	case msg.Name == "addresses":
		reply = wire.Message{Name: "addresses", Payload: map[string]any{"addressList": []any{}}}
	case msg.Name == "verack", msg.Name == "pong":
		return
	case msg.Name == "ping":
		reply = wire.Message{Name: "pong", Payload: msg.Payload}
	default:
		log.Debug().Str("command", msg.Name).Msg("nodetest.Node unhandled")
		return
	}
	if _, ok := testRegistry.Lookup(reply.Name); !ok {
		return
	}
	_ = s.Send(reply)
}

// Session is one client stream as seen by the node.
type Session struct {
	Method string

	node   *Node
	stream grpc.ServerStream
	sendMu sync.Mutex
	mu     sync.Mutex
	subs   map[string]struct{}
	got    []wire.Message
	recv   chan wire.Message
	end    chan error
}

func (s *Session) record(msg wire.Message) {
	s.mu.Lock()
	s.got = append(s.got, msg)
	s.mu.Unlock()
	select {
	case s.recv <- msg:
	default:
	}
}

func (s *Session) subscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[name] = struct{}{}
}

func (s *Session) Subscribed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[name]
	return ok
}

// Received snapshots every message the client sent on this session.
func (s *Session) Received() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Message(nil), s.got...)
}

// Next waits for the next message the client sends.
func (s *Session) Next(timeout time.Duration) (wire.Message, bool) {
	select {
	case msg := <-s.recv:
		return msg, true
	case <-time.After(timeout):
		return wire.Message{}, false
	}
}

// Send writes one message to the client.
func (s *Session) Send(msg wire.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.SendMsg(&msg)
}

// Fail ends the session with a gRPC status.
func (s *Session) Fail(code codes.Code, msg string) {
	select {
	case s.end <- status.Error(code, msg):
	default:
	}
}

// Finish ends the session cleanly; the client sees end of stream.
func (s *Session) Finish() {
	select {
	case s.end <- nil:
	default:
	}
}

// Done is closed when the client or node ends the session.
func (s *Session) Done() <-chan struct{} {
	return s.stream.Context().Done()
}

// Ended reports whether the session is over.
func (s *Session) Ended() bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// Live counts sessions that have not ended.
func (n *Node) Live() int {
	live := 0
	for _, s := range n.Sessions() {
		if !s.Ended() {
			live++
		}
	}
	return live
}

// WaitFor polls until cond holds or timeout passes.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// Resolver maps seed names to fixed address lists.
type Resolver map[string][]string

func (r Resolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("nodetest: no such host " + strconv.Quote(host))
	}
	return addrs, nil
}
