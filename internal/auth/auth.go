// Package auth provides minimal authentication helpers.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// MetadataKey carries the bearer token on node streams.
const MetadataKey = "authorization"

const bearerPrefix = "Bearer "

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a simple validator for a single shared token.
// It is intended only for development and proofs of concept.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// TokenCredentials attaches a bearer token to every stream the client opens.
type TokenCredentials struct {
	Token string
	// RequireTLS refuses to send the token over plaintext connections.
	RequireTLS bool
}

var _ credentials.PerRPCCredentials = TokenCredentials{}

func (c TokenCredentials) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{MetadataKey: bearerPrefix + c.Token}, nil
}

func (c TokenCredentials) RequireTransportSecurity() bool {
	return c.RequireTLS
}

// TokenFromContext extracts the bearer token from incoming stream metadata.
func TokenFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(MetadataKey) {
		if strings.HasPrefix(v, bearerPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(v, bearerPrefix))
		}
	}
	return ""
}

// StreamInterceptor rejects streams whose token fails v.
func StreamInterceptor(v Validator) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := v.Validate(TokenFromContext(ss.Context())); err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(srv, ss)
	}
}
