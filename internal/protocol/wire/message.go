// Package wire defines the message envelope exchanged over a node message
// stream, the static command registry, and the gRPC codec that frames them.
//
// A wire message carries exactly one populated variant field. The field name
// is the discriminant used for dispatch; its body is a structured payload.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidCommand   = errors.New("wire: invalid command")
	ErrWrongService     = errors.New("wire: command belongs to another service")
	ErrNotSubscribable  = errors.New("wire: command is not subscribable")
	ErrInvalidPayload   = errors.New("wire: invalid payload")
	ErrDuplicateCommand = errors.New("wire: duplicate command")
)

// Message is one decoded wire message.
type Message struct {
	Name    string
	Payload map[string]any
}

// Field returns a top level payload value.
func (m Message) Field(key string) (any, bool) {
	if m.Payload == nil {
		return nil, false
	}
	v, ok := m.Payload[key]
	return v, ok
}

// String returns a payload string field, or "" when absent or not a string.
func (m Message) String(key string) string {
	v, ok := m.Field(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Uint reads a numeric payload field. 64-bit integers may arrive as decimal
// strings, so both forms are accepted.
func (m Message) Uint(key string) (uint64, bool) {
	v, ok := m.Field(key)
	if !ok {
		return 0, false
	}
	return toUint(v)
}

func toUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case string:
		u, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64)
		return u, err == nil
	default:
		return 0, false
	}
}

// Object returns a nested payload object.
func (m Message) Object(key string) (map[string]any, bool) {
	v, ok := m.Field(key)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// RemoteError returns the node supplied error message carried in replies,
// or "" when the reply reports success.
func (m Message) RemoteError() string {
	obj, ok := m.Object("error")
	if !ok {
		return ""
	}
	msg, _ := obj["message"].(string)
	if msg == "" {
		return "unspecified error"
	}
	return msg
}

const (
	subscribePrefix    = "notify"
	subscribeSuffix    = "Request"
	notificationSuffix = "Notification"
)

// IsSubscription reports whether command opens a notification stream.
func IsSubscription(command string) bool {
	return strings.HasPrefix(command, subscribePrefix) &&
		strings.HasSuffix(command, subscribeSuffix) &&
		len(command) > len(subscribePrefix)+len(subscribeSuffix)
}

// NotificationFor maps a subscribe command to the discriminant of the
// notifications it produces: notifyFooRequest becomes fooNotification.
func NotificationFor(command string) (string, error) {
	if !IsSubscription(command) {
		return "", fmt.Errorf("%w: %q", ErrNotSubscribable, command)
	}
	core := strings.TrimSuffix(strings.TrimPrefix(command, subscribePrefix), subscribeSuffix)
	return strings.ToLower(core[:1]) + core[1:] + notificationSuffix, nil
}
