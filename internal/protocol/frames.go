package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qkeluna/synckit-go/internal/clock"
)

// ProtocolVersion is sent in hello and checked by the server.
const ProtocolVersion = 1

// FrameType discriminates wire frames.
type FrameType string

// Frame types.
const (
	TypeHello             FrameType = "hello"
	TypeWelcome           FrameType = "welcome"
	TypeSubscribe         FrameType = "subscribe"
	TypeDelta             FrameType = "delta"
	TypeAck               FrameType = "ack"
	TypeSubscribeComplete FrameType = "subscribeComplete"
	TypePing              FrameType = "ping"
	TypePong              FrameType = "pong"
	TypeError             FrameType = "error"
)

// Error codes carried by error frames.
const (
	CodeAuthFailed  = "AUTH_FAILED"
	CodeOversize    = "OVERSIZE"
	CodeRateLimited = "RATE_LIMITED"
	CodeInternal    = "INTERNAL"
)

// Sentinel errors surfaced to callers. ErrOversize is returned
// synchronously from the write path; ErrAuthFailed terminates
// reconnection until the application supplies a new token.
var (
	ErrOversize   = errors.New("protocol: payload exceeds size limit")
	ErrAuthFailed = errors.New("protocol: authentication failed")
)

// Frame is implemented by every wire message.
type Frame interface {
	frameType() FrameType
}

// Hello opens a connection (C→S).
type Hello struct {
	Type            FrameType `json:"type"`
	ClientID        string    `json:"clientId"`
	Token           string    `json:"token,omitempty"`
	ProtocolVersion int       `json:"protocolVersion"`
}

// Welcome acknowledges a handshake (S→C).
type Welcome struct {
	Type       FrameType `json:"type"`
	SessionID  string    `json:"sessionId"`
	ServerTime uint64    `json:"serverTime"` // milliseconds since epoch
}

// Subscribe opens a document stream (C→S). VectorClock tells the
// server which deltas the client already holds.
type Subscribe struct {
	Type        FrameType    `json:"type"`
	DocumentID  string       `json:"documentId"`
	VectorClock clock.Vector `json:"vectorClock"`
}

// DeltaFrame carries a delta in either direction.
type DeltaFrame struct {
	Type FrameType `json:"type"`
	Delta
}

// Ack confirms durable persistence of a published delta (S→C).
type Ack struct {
	Type         FrameType `json:"type"`
	OriginClient string    `json:"originClient"`
	SeqAtOrigin  uint64    `json:"seqAtOrigin"`
}

// SubscribeComplete marks the end of subscribe catch-up (S→C).
type SubscribeComplete struct {
	Type       FrameType `json:"type"`
	DocumentID string    `json:"documentId"`
}

// Ping is a heartbeat probe; T echoes back in the matching Pong.
type Ping struct {
	Type FrameType `json:"type"`
	T    uint64    `json:"t"`
}

// Pong answers a Ping.
type Pong struct {
	Type FrameType `json:"type"`
	T    uint64    `json:"t"`
}

// ErrorFrame reports a terminal or per-frame failure (S→C).
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Context string    `json:"context,omitempty"`
}

func (Hello) frameType() FrameType             { return TypeHello }
func (Welcome) frameType() FrameType           { return TypeWelcome }
func (Subscribe) frameType() FrameType         { return TypeSubscribe }
func (DeltaFrame) frameType() FrameType        { return TypeDelta }
func (Ack) frameType() FrameType               { return TypeAck }
func (SubscribeComplete) frameType() FrameType { return TypeSubscribeComplete }
func (Ping) frameType() FrameType              { return TypePing }
func (Pong) frameType() FrameType              { return TypePong }
func (ErrorFrame) frameType() FrameType        { return TypeError }

// NewHello builds a hello frame with the current protocol version.
func NewHello(clientID, token string) *Hello {
	return &Hello{Type: TypeHello, ClientID: clientID, Token: token, ProtocolVersion: ProtocolVersion}
}

// NewDeltaFrame wraps a delta for transmission.
func NewDeltaFrame(d *Delta) *DeltaFrame {
	return &DeltaFrame{Type: TypeDelta, Delta: *d}
}

// NewError builds an error frame.
func NewError(code, message, context string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Code: code, Message: message, Context: context}
}

// Encode marshals a frame to its JSON wire form, stamping the type
// discriminator so callers cannot send a frame with a mismatched tag.
func Encode(f Frame) ([]byte, error) {
	stampType(f)

	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %s frame: %w", f.frameType(), err)
	}

	return data, nil
}

// stampType fills the Type field of a frame pointer before encoding.
func stampType(f Frame) {
	switch v := f.(type) {
	case *Hello:
		v.Type = TypeHello
	case *Welcome:
		v.Type = TypeWelcome
	case *Subscribe:
		v.Type = TypeSubscribe
	case *DeltaFrame:
		v.Type = TypeDelta
	case *Ack:
		v.Type = TypeAck
	case *SubscribeComplete:
		v.Type = TypeSubscribeComplete
	case *Ping:
		v.Type = TypePing
	case *Pong:
		v.Type = TypePong
	case *ErrorFrame:
		v.Type = TypeError
	}
}

// Decode parses one JSON frame. Unknown types and malformed payloads
// return an error; callers drop the frame per the error policy.
func Decode(data []byte) (Frame, error) {
	if len(data) > MaxDeltaBytes {
		return nil, fmt.Errorf("protocol: frame %d bytes exceeds %d: %w",
			len(data), MaxDeltaBytes, ErrOversize)
	}

	var envelope struct {
		Type FrameType `json:"type"`
	}

	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("protocol: decoding frame envelope: %w", err)
	}

	var (
		frame Frame
		err   error
	)

	switch envelope.Type {
	case TypeHello:
		frame, err = decodeInto(data, &Hello{})
	case TypeWelcome:
		frame, err = decodeInto(data, &Welcome{})
	case TypeSubscribe:
		frame, err = decodeInto(data, &Subscribe{})
	case TypeDelta:
		frame, err = decodeInto(data, &DeltaFrame{})
	case TypeAck:
		frame, err = decodeInto(data, &Ack{})
	case TypeSubscribeComplete:
		frame, err = decodeInto(data, &SubscribeComplete{})
	case TypePing:
		frame, err = decodeInto(data, &Ping{})
	case TypePong:
		frame, err = decodeInto(data, &Pong{})
	case TypeError:
		frame, err = decodeInto(data, &ErrorFrame{})
	default:
		return nil, fmt.Errorf("protocol: unknown frame type %q", envelope.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: decoding %s frame: %w", envelope.Type, err)
	}

	return frame, nil
}

func decodeInto[T Frame](data []byte, target T) (Frame, error) {
	if err := json.Unmarshal(data, target); err != nil {
		return nil, err
	}

	return target, nil
}
