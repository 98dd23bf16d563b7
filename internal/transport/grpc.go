package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/danmuck/kaspactl/internal/auth"
	"github.com/danmuck/kaspactl/internal/protocol/session"
	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Full method names of the node message streams.
const (
	RPCMethod = "/protowire.RPC/MessageStream"
	P2PMethod = "/protowire.P2P/MessageStream"
)

var messageStreamDesc = grpc.StreamDesc{
	StreamName:    "MessageStream",
	ServerStreams: true,
	ClientStreams: true,
}

// MethodFor returns the stream method serving svc.
func MethodFor(svc wire.Service) string {
	if svc == wire.ServiceP2P {
		return P2PMethod
	}
	return RPCMethod
}

type GRPCConfig struct {
	Session   session.Config
	AuthToken string
	Registry  *wire.Registry
	// DialOptions are appended after the defaults, e.g. a custom dialer.
	DialOptions []grpc.DialOption
}

// GRPC opens node streams over gRPC. Each Open creates its own ClientConn so
// closing a stream also releases its connection.
type GRPC struct {
	cfg   GRPCConfig
	codec *wire.Codec
}

var _ Transport = (*GRPC)(nil)

func NewGRPC(cfg GRPCConfig) (*GRPC, error) {
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AuthToken) != "" && !cfg.Session.TLS.Enabled {
		log.Warn().Msg("transport.GRPC auth token will be sent over plaintext")
	}
	if cfg.Registry == nil {
		cfg.Registry = wire.DefaultRegistry()
	}
	return &GRPC{cfg: cfg, codec: wire.NewCodec(cfg.Registry)}, nil
}

func (g *GRPC) Open(ctx context.Context, addr string, opts OpenOptions) (Stream, error) {
	creds, err := g.transportCredentials(addr)
	if err != nil {
		return nil, err
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(g.codec)),
	}
	if token := strings.TrimSpace(g.cfg.AuthToken); token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(auth.TokenCredentials{
			Token:      token,
			RequireTLS: g.cfg.Session.TLS.Enabled,
		}))
	}
	dialOpts = append(dialOpts, g.cfg.DialOptions...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrServiceUnavailable, addr, err)
	}

	// The stream outlives ctx; ctx only bounds opening it.
	var (
		streamCtx context.Context
		cancel    context.CancelFunc
	)
	if opts.IdleTimeout > 0 {
		streamCtx, cancel = context.WithTimeout(context.Background(), opts.IdleTimeout)
	} else {
		streamCtx, cancel = context.WithCancel(context.Background())
	}
	openCtx, cancelOpen := context.WithTimeout(ctx, g.cfg.Session.ConnectTimeout)
	defer cancelOpen()
	stop := context.AfterFunc(openCtx, cancel)

	cs, err := conn.NewStream(streamCtx, &messageStreamDesc, MethodFor(opts.Service))
	if !stop() && err == nil {
		err = openCtx.Err()
	}
	if err != nil {
		cancel()
		_ = conn.Close()
		if openCtx.Err() != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrServiceUnavailable, addr, openCtx.Err())
		}
		return nil, Classify(err)
	}
	log.Debug().Str("addr", addr).Str("service", opts.Service.String()).Msg("transport.GRPC stream open")
	return &grpcStream{cs: cs, conn: conn, cancel: cancel}, nil
}

func (g *GRPC) transportCredentials(addr string) (credentials.TransportCredentials, error) {
	if !g.cfg.Session.TLS.Enabled {
		return insecure.NewCredentials(), nil
	}
	tlsCfg, err := g.clientTLSConfig(addr)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(tlsCfg), nil
}

func (g *GRPC) clientTLSConfig(addr string) (*tls.Config, error) {
	tlsOpts := g.cfg.Session.TLS
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(tlsOpts.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(tlsOpts.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if tlsOpts.Mutual {
		cert, err := tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

type grpcStream struct {
	cs        grpc.ClientStream
	conn      *grpc.ClientConn
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *grpcStream) Send(msg wire.Message) error {
	return s.cs.SendMsg(&msg)
}

func (s *grpcStream) Recv() (wire.Message, error) {
	var msg wire.Message
	if err := s.cs.RecvMsg(&msg); err != nil {
		return wire.Message{}, err
	}
	return msg, nil
}

func (s *grpcStream) CloseSend() error {
	return s.cs.CloseSend()
}

func (s *grpcStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close()
	})
	return err
}
