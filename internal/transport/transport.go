// Package transport opens bidirectional node message streams and classifies
// the errors they produce.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/kaspactl/internal/protocol/wire"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrServiceUnavailable = errors.New("transport: service unavailable")
	ErrProtocol           = errors.New("transport: protocol error")
	// ErrStreamClosed is a remote end-of-stream; it matches ErrServiceUnavailable.
	ErrStreamClosed = fmt.Errorf("%w: stream closed by remote", ErrServiceUnavailable)
)

// Stream is one open bidirectional message stream. Send and Recv may run on
// different goroutines; CloseSend must not race Send.
type Stream interface {
	Send(msg wire.Message) error
	Recv() (wire.Message, error)
	CloseSend() error
	Close() error
}

type OpenOptions struct {
	Service     wire.Service
	IdleTimeout time.Duration
}

// Transport opens streams to "host:port" addresses.
type Transport interface {
	Open(ctx context.Context, addr string, opts OpenOptions) (Stream, error)
}

// Classify maps a raw stream error onto ErrServiceUnavailable or ErrProtocol.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrProtocol) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return ErrStreamClosed
	}
	if st, ok := status.FromError(err); ok {
		if st.Code() == codes.Unavailable {
			return fmt.Errorf("%w: %s", ErrServiceUnavailable, st.Message())
		}
		return fmt.Errorf("%w: code=%s %s", ErrProtocol, st.Code(), st.Message())
	}
	return fmt.Errorf("%w: %v", ErrProtocol, err)
}

// Retryable reports whether err warrants reconnecting.
func Retryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrProtocol)
}

// Kind is a short metric label for a classified error.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrStreamClosed):
		return "closed"
	case errors.Is(err, ErrServiceUnavailable):
		return "unavailable"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return "other"
	}
}
