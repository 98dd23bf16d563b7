package wire

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// CodecName is reported as the gRPC content subtype. The framing is plain
// protobuf, so peers see a regular proto stream.
const CodecName = "proto"

var ErrMalformedMessage = errors.New("wire: malformed message")

// Codec frames a Message as a protobuf message with a single populated
// length-delimited field. The field number comes from the registry and the
// field body is a google.protobuf.Struct holding the payload.
type Codec struct {
	reg *Registry
}

var _ encoding.Codec = (*Codec)(nil)

func NewCodec(reg *Registry) *Codec {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Codec{reg: reg}
}

func (c *Codec) Name() string {
	return CodecName
}

func (c *Codec) Marshal(v any) ([]byte, error) {
	var msg Message
	switch m := v.(type) {
	case Message:
		msg = m
	case *Message:
		if m == nil {
			return nil, fmt.Errorf("%w: nil message", ErrMalformedMessage)
		}
		msg = *m
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrMalformedMessage, v)
	}
	cmd, ok := c.reg.Lookup(msg.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, msg.Name)
	}
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, cmd.Name, err)
	}
	out := protowire.AppendTag(make([]byte, 0, len(body)+8), cmd.Field, protowire.BytesType)
	return protowire.AppendBytes(out, body), nil
}

func (c *Codec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*Message)
	if !ok || msg == nil {
		return fmt.Errorf("%w: unsupported target %T", ErrMalformedMessage, v)
	}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}
		body, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(m))
		}
		payload, err := unmarshalPayload(body)
		if err != nil {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, err)
		}
		*msg = Message{Name: c.nameFor(num), Payload: payload}
		return nil
	}
	return fmt.Errorf("%w: no populated variant", ErrMalformedMessage)
}

// nameFor falls back to "#<field>" for variants missing from the registry so
// newer node messages still reach dispatch.
func (c *Codec) nameFor(num protowire.Number) string {
	if cmd, ok := c.reg.ByField(num); ok {
		return cmd.Name
	}
	return fmt.Sprintf("#%d", num)
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func unmarshalPayload(body []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}
