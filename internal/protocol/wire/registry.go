package wire

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service selects which node message stream a command travels on.
type Service int

const (
	ServiceRPC Service = iota + 1
	ServiceP2P
)

// Field numbers up to p2pFieldLimit belong to the P2P service, the rest to RPC.
const p2pFieldLimit protowire.Number = 1000

func (s Service) String() string {
	switch s {
	case ServiceRPC:
		return "rpc"
	case ServiceP2P:
		return "p2p"
	default:
		return "unknown"
	}
}

func ParseService(raw string) (Service, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "rpc", "":
		return ServiceRPC, nil
	case "p2p":
		return ServiceP2P, nil
	default:
		return 0, fmt.Errorf("wire: unknown service %q", raw)
	}
}

// Command is one registered message variant.
type Command struct {
	Name  string
	Field protowire.Number
}

func (c Command) Service() Service {
	if c.Field > p2pFieldLimit {
		return ServiceRPC
	}
	return ServiceP2P
}

// Registry is an immutable name <-> field number table.
type Registry struct {
	byName  map[string]Command
	byField map[protowire.Number]Command
}

// NewRegistry validates cmds and builds a registry. Names and field numbers
// must be unique and field numbers must be valid protobuf field numbers.
func NewRegistry(cmds []Command) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]Command, len(cmds)),
		byField: make(map[protowire.Number]Command, len(cmds)),
	}
	for _, cmd := range cmds {
		if err := r.add(cmd); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(cmd Command) error {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return fmt.Errorf("%w: empty name for field %d", ErrInvalidCommand, cmd.Field)
	}
	if !cmd.Field.IsValid() {
		return fmt.Errorf("%w: %q has invalid field number %d", ErrInvalidCommand, name, cmd.Field)
	}
	if prev, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: name %q (fields %d and %d)", ErrDuplicateCommand, name, prev.Field, cmd.Field)
	}
	if prev, ok := r.byField[cmd.Field]; ok {
		return fmt.Errorf("%w: field %d (%q and %q)", ErrDuplicateCommand, cmd.Field, prev.Name, name)
	}
	cmd.Name = name
	r.byName[name] = cmd
	r.byField[cmd.Field] = cmd
	return nil
}

// Extend returns a new registry holding r's commands plus cmds.
func (r *Registry) Extend(cmds ...Command) (*Registry, error) {
	return NewRegistry(append(r.Commands(), cmds...))
}

func (r *Registry) Lookup(name string) (Command, bool) {
	cmd, ok := r.byName[strings.TrimSpace(name)]
	return cmd, ok
}

func (r *Registry) ByField(n protowire.Number) (Command, bool) {
	cmd, ok := r.byField[n]
	return cmd, ok
}

// Commands lists every registered command ordered by field number.
func (r *Registry) Commands() []Command {
	out := make([]Command, 0, len(r.byName))
	for _, cmd := range r.byName {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Field < out[j].Field
	})
	return out
}

// Build validates name and payload and returns the message to send. A zero
// svc skips the service check.
func (r *Registry) Build(svc Service, name string, payload map[string]any) (Message, error) {
	cmd, ok := r.Lookup(name)
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidCommand, name)
	}
	if svc != 0 && cmd.Service() != svc {
		return Message{}, fmt.Errorf("%w: %q is a %s command, stream is %s", ErrWrongService, cmd.Name, cmd.Service(), svc)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if _, err := structpb.NewStruct(payload); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, cmd.Name, err)
	}
	return Message{Name: cmd.Name, Payload: payload}, nil
}
