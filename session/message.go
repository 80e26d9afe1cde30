// Package session puts players on top of transport: a Server that keeps a registry of
// connected peers and a Client that correlates requests with their responses.
package session

import (
	"fmt"

	"github.com/TheSmallBoat/tether/buffer"
	"github.com/TheSmallBoat/tether/frame"
)

// Session packet types. Types from TypeUser upward belong to the application; the range
// between TypePlayerLayer and TypeUser is reserved and dropped.
const (
	TypeCommand     frame.Type = 6
	TypeRequest     frame.Type = 7
	TypeResponse    frame.Type = 8
	TypePlayerName  frame.Type = 9
	TypePlayerLayer frame.Type = 10

	TypeUser frame.Type = 32
)

// Offsets of the envelope fields from the start of a frame.
const (
	OperationOffset   = frame.HeaderSize + 1
	CorrelationOffset = OperationOffset + 2
)

// Marshaler appends an application payload to a frame under construction.
type Marshaler interface {
	MarshalTo(b *buffer.Buffer) error
}

type MarshalFunc func(b *buffer.Buffer) error

func (fn MarshalFunc) MarshalTo(b *buffer.Buffer) error { return fn(b) }

// Message is a decoded session frame. Body is positioned at the first payload byte and is
// only valid while the handler runs; call Body.MarkUsed to keep it longer and Recycle it
// when done.
type Message struct {
	Type      frame.Type
	Operation uint16
	ID        uint8 // request id, or the request id a response answers
	Body      *buffer.Buffer
}

func (m *Message) String() string {
	switch m.Type {
	case TypeCommand:
		return fmt.Sprintf("Command(op=%d)", m.Operation)
	case TypeRequest:
		return fmt.Sprintf("Request(op=%d, id=%d)", m.Operation, m.ID)
	case TypeResponse:
		return fmt.Sprintf("Response(op=%d, id=%d)", m.Operation, m.ID)
	}
	return m.Type.String()
}

// NewCommand builds a Command frame. The buffer is unmarked: sending it hands it over.
func NewCommand(p *buffer.Pool, op uint16, m Marshaler) (*buffer.Buffer, error) {
	return encode(p, TypeCommand, op, 0, m)
}

// NewResponse builds the Response to request id.
func NewResponse(p *buffer.Pool, op uint16, id uint8, m Marshaler) (*buffer.Buffer, error) {
	return encode(p, TypeResponse, op, id, m)
}

// NewFrame builds a frame of an application type with no envelope.
func NewFrame(p *buffer.Pool, t frame.Type, m Marshaler) (*buffer.Buffer, error) {
	if t < TypeUser {
		return nil, fmt.Errorf("session: %s is not an application type", t)
	}
	return encode(p, t, 0, 0, m)
}

func newRequest(p *buffer.Pool, op uint16, id uint8, m Marshaler) (*buffer.Buffer, error) {
	return encode(p, TypeRequest, op, id, m)
}

func newPlayerName(p *buffer.Pool, name string) *buffer.Buffer {
	b := frame.New(p, TypePlayerName)
	b.WriteText(name)
	_ = frame.End(b)
	return b
}

func newPlayerLayer(p *buffer.Pool, layer uint16) *buffer.Buffer {
	b := frame.New(p, TypePlayerLayer)
	b.WriteUint16(layer)
	_ = frame.End(b)
	return b
}

func encode(p *buffer.Pool, t frame.Type, op uint16, id uint8, m Marshaler) (*buffer.Buffer, error) {
	b := frame.New(p, t)

	switch t {
	case TypeCommand:
		b.WriteUint16(op)
	case TypeRequest, TypeResponse:
		b.WriteUint16(op)
		b.WriteUint8(id)
	}

	if m != nil {
		if err := m.MarshalTo(b); err != nil {
			b.Recycle()
			return nil, err
		}
	}
	if err := frame.End(b); err != nil {
		b.Recycle()
		return nil, err
	}
	return b, nil
}

// decode reads the envelope of an inbound frame and leaves the cursor at the payload.
func decode(b *buffer.Buffer) (Message, error) {
	msg := Message{Body: b}

	typ, ok := frame.PeekType(b)
	if !ok {
		return msg, fmt.Errorf("session: frame has no type")
	}
	msg.Type = typ

	if err := frame.Body(b); err != nil {
		return msg, err
	}

	var err error
	switch typ {
	case TypeCommand:
		msg.Operation, err = b.ReadUint16()
	case TypeRequest, TypeResponse:
		msg.Operation, err = b.ReadUint16()
		if err == nil {
			msg.ID, err = b.ReadUint8()
		}
	}
	if err != nil {
		return msg, fmt.Errorf("session: truncated %s envelope: %w", typ, err)
	}
	return msg, nil
}

// reserved reports whether t is a session type nobody handles.
func reserved(t frame.Type) bool {
	return t.IsControl() || (t > TypePlayerLayer && t < TypeUser)
}
