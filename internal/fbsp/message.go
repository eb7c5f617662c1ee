package fbsp

import (
	"errors"
	"fmt"
)

// Message is the payload-level tagged union: one
// concrete type per FBSP message kind, each owning only the fields that
// kind's wire format defines. Envelope pairs a Message with the control
// frame fields (token, flags) that are common to every kind.
type Message interface {
	Kind() MessageType
}

// HelloBody is the CLIENT-side greeting.
type HelloBody struct {
	Peer  PeerIdentification
	Agent AgentDescriptor
}

func (HelloBody) Kind() MessageType { return Hello }

// WelcomeBody is the SERVICE-side greeting, additionally advertising the
// interfaces the service implements.
type WelcomeBody struct {
	Peer       PeerIdentification
	Agent      AgentDescriptor
	Interfaces []InterfaceDescriptor
}

func (WelcomeBody) Kind() MessageType { return Welcome }

// NoopBody carries no payload; used as keep-alive / ping.
type NoopBody struct{}

func (NoopBody) Kind() MessageType { return Noop }

// RequestBody is a client call into interface/api-code addressed service
// logic. Code must be non-zero.
type RequestBody struct {
	InterfaceNumber uint8
	APICode         uint8
	Payload         [][]byte
}

func (RequestBody) Kind() MessageType { return Request }

// ReplyBody answers a RequestBody with the same interface/api-code
// addressing.
type ReplyBody struct {
	InterfaceNumber uint8
	APICode         uint8
	Payload         [][]byte
}

func (ReplyBody) Kind() MessageType { return Reply }

// DataBody streams opaque payload, optionally bound to a server-allocated
// handle (0 means unbound).
type DataBody struct {
	Handle  uint16
	Payload [][]byte
}

func (DataBody) Kind() MessageType { return Data }

// CancelBody references a list of previously issued tokens to cancel.
type CancelBody struct {
	Tokens []Token
}

func (CancelBody) Kind() MessageType { return Cancel }

// StateBody reports the execution state of a request, addressed by the
// same interface/api-code pair as the REQUEST it refers to, with an
// optional opaque supplement. The request code must be non-zero.
type StateBody struct {
	InterfaceNumber uint8
	APICode         uint8
	State           State
	Supplement      []byte
}

func (StateBody) Kind() MessageType { return State }

// CloseBody carries no payload; terminates a session.
type CloseBody struct{}

func (CloseBody) Kind() MessageType { return Close }

// ErrorBody reports a protocol or service error, referencing the message
// kind it relates to and carrying one or more human-readable descriptions.
type ErrorBody struct {
	ErrorCode    uint16
	RelatesTo    MessageType
	Descriptions []ErrorDescription
}

func (ErrorBody) Kind() MessageType { return Error }

// Envelope pairs a decoded Message with the control-frame fields common to
// every kind: flags and token. TypeData is derived from / encoded into the
// Message body by Encode/Decode and is not duplicated here.
type Envelope struct {
	Flags Flags
	Token Token
	Body  Message
}

func (e Envelope) Kind() MessageType { return e.Body.Kind() }

// ErrPayloadShape indicates a message's payload frame count or structure
// does not match what its kind requires.
var ErrPayloadShape = errors.New("invalid payload shape")

// Decode builds an Envelope from a control frame and its payload frames.
// It performs per-variant structural decoding only; role/greeting gating is
// the validator's job (validator.go).
func Decode(cf ControlFrame, payload [][]byte) (Envelope, error) {
	env := Envelope{Flags: cf.Flags, Token: cf.Token}

	switch cf.Type {
	case Hello, Welcome:
		if len(payload) < 1 {
			return env, fmt.Errorf("%s: no payload frame: %w", cf.Type, ErrPayloadShape)
		}
		g, err := unmarshalGreetingPayload(payload[0])
		if err != nil {
			return env, fmt.Errorf("%s: %w", cf.Type, err)
		}
		if cf.Type == Hello {
			if len(payload) != 1 {
				return env, fmt.Errorf("HELLO: expected 1 frame, got %d: %w", len(payload), ErrPayloadShape)
			}
			env.Body = HelloBody{Peer: g.Peer, Agent: g.Agent}
			return env, nil
		}
		ifaces := make([]InterfaceDescriptor, 0, len(payload)-1)
		for _, f := range payload[1:] {
			d, err := unmarshalInterfaceDescriptor(f)
			if err != nil {
				return env, fmt.Errorf("WELCOME: %w", err)
			}
			ifaces = append(ifaces, d)
		}
		env.Body = WelcomeBody{Peer: g.Peer, Agent: g.Agent, Interfaces: ifaces}
		return env, nil

	case Noop:
		if len(payload) != 0 {
			return env, fmt.Errorf("NOOP: expected 0 frames, got %d: %w", len(payload), ErrPayloadShape)
		}
		env.Body = NoopBody{}
		return env, nil

	case Request, Reply:
		if cf.Type == Request && cf.TypeData&0x00FF == 0 {
			return env, fmt.Errorf("REQUEST: api code must be non-zero: %w", ErrPayloadShape)
		}
		body := struct {
			InterfaceNumber uint8
			APICode         uint8
			Payload         [][]byte
		}{
			InterfaceNumber: uint8(cf.TypeData >> 8),
			APICode:         uint8(cf.TypeData & 0xFF),
			Payload:         payload,
		}
		if cf.Type == Request {
			env.Body = RequestBody(body)
		} else {
			env.Body = ReplyBody(body)
		}
		return env, nil

	case Data:
		env.Body = DataBody{Handle: cf.TypeData, Payload: payload}
		return env, nil

	case Cancel:
		if len(payload) != 1 {
			return env, fmt.Errorf("CANCEL: expected 1 frame, got %d: %w", len(payload), ErrPayloadShape)
		}
		frame := payload[0]
		if len(frame)%8 != 0 {
			return env, fmt.Errorf("CANCEL: token list length %d not a multiple of 8: %w", len(frame), ErrPayloadShape)
		}
		tokens := make([]Token, 0, len(frame)/8)
		for i := 0; i < len(frame); i += 8 {
			var tok Token
			copy(tok[:], frame[i:i+8])
			tokens = append(tokens, tok)
		}
		env.Body = CancelBody{Tokens: tokens}
		return env, nil

	case State:
		if cf.TypeData&0x00FF == 0 {
			return env, fmt.Errorf("STATE: api code must be non-zero: %w", ErrPayloadShape)
		}
		if len(payload) != 1 {
			return env, fmt.Errorf("STATE: expected 1 frame, got %d: %w", len(payload), ErrPayloadShape)
		}
		frame := payload[0]
		if len(frame) < 1 {
			return env, fmt.Errorf("STATE: empty frame: %w", ErrPayloadShape)
		}
		st := State(frame[0])
		if !knownStates[st] {
			return env, fmt.Errorf("STATE: unknown state %d: %w", frame[0], ErrPayloadShape)
		}
		var supplement []byte
		if len(frame) > 1 {
			supplement = frame[1:]
		}
		env.Body = StateBody{
			InterfaceNumber: uint8(cf.TypeData >> 8),
			APICode:         uint8(cf.TypeData & 0xFF),
			State:           st,
			Supplement:      supplement,
		}
		return env, nil

	case Close:
		if len(payload) != 0 {
			return env, fmt.Errorf("CLOSE: expected 0 frames, got %d: %w", len(payload), ErrPayloadShape)
		}
		env.Body = CloseBody{}
		return env, nil

	case Error:
		errCode := cf.TypeData >> 5
		relatesTo := MessageType(cf.TypeData & 0x1F)
		if errCode == 0 {
			return env, fmt.Errorf("ERROR: error code must be non-zero: %w", ErrPayloadShape)
		}
		if !relatesToAllowed[relatesTo] {
			return env, fmt.Errorf("ERROR: relates_to %s not permitted: %w", relatesTo, ErrPayloadShape)
		}
		if len(payload) < 1 {
			return env, fmt.Errorf("ERROR: no description frames: %w", ErrPayloadShape)
		}
		descs := make([]ErrorDescription, 0, len(payload))
		for _, f := range payload {
			d, err := unmarshalErrorDescription(f)
			if err != nil {
				return env, fmt.Errorf("ERROR: %w", err)
			}
			descs = append(descs, d)
		}
		env.Body = ErrorBody{ErrorCode: errCode, RelatesTo: relatesTo, Descriptions: descs}
		return env, nil

	default:
		return env, fmt.Errorf("decode: %w", ErrUnknownMessageType)
	}
}

// relatesToAllowed is the set of message kinds an ERROR may reference.
var relatesToAllowed = map[MessageType]bool{
	Hello: true, Noop: true, Request: true, Data: true, Cancel: true, Close: true,
}

// Encode produces the control frame and payload frames for an Envelope,
// the inverse of Decode.
func Encode(env Envelope) (ControlFrame, [][]byte, error) {
	cf := ControlFrame{Type: env.Kind(), Version: Version, Flags: env.Flags, Token: env.Token}

	switch b := env.Body.(type) {
	case HelloBody:
		g := greetingPayload{Peer: b.Peer, Agent: b.Agent}
		return cf, [][]byte{g.marshalFrame()}, nil

	case WelcomeBody:
		g := greetingPayload{Peer: b.Peer, Agent: b.Agent}
		frames := make([][]byte, 0, 1+len(b.Interfaces))
		frames = append(frames, g.marshalFrame())
		for _, d := range b.Interfaces {
			frames = append(frames, d.marshalFrame())
		}
		return cf, frames, nil

	case NoopBody:
		return cf, nil, nil

	case RequestBody:
		if b.APICode == 0 {
			return cf, nil, fmt.Errorf("REQUEST: api code must be non-zero: %w", ErrPayloadShape)
		}
		cf.TypeData = uint16(b.InterfaceNumber)<<8 | uint16(b.APICode)
		return cf, b.Payload, nil

	case ReplyBody:
		cf.TypeData = uint16(b.InterfaceNumber)<<8 | uint16(b.APICode)
		return cf, b.Payload, nil

	case DataBody:
		cf.TypeData = b.Handle
		return cf, b.Payload, nil

	case CancelBody:
		frame := make([]byte, 0, 8*len(b.Tokens))
		for _, tok := range b.Tokens {
			frame = append(frame, tok[:]...)
		}
		return cf, [][]byte{frame}, nil

	case StateBody:
		if b.APICode == 0 {
			return cf, nil, fmt.Errorf("STATE: api code must be non-zero: %w", ErrPayloadShape)
		}
		if b.State == StateUnknown {
			return cf, nil, fmt.Errorf("STATE: state is unset: %w", ErrPayloadShape)
		}
		cf.TypeData = uint16(b.InterfaceNumber)<<8 | uint16(b.APICode)
		frame := append([]byte{byte(b.State)}, b.Supplement...)
		return cf, [][]byte{frame}, nil

	case CloseBody:
		return cf, nil, nil

	case ErrorBody:
		if b.ErrorCode == 0 {
			return cf, nil, fmt.Errorf("ERROR: error code must be non-zero: %w", ErrPayloadShape)
		}
		if !relatesToAllowed[b.RelatesTo] {
			return cf, nil, fmt.Errorf("ERROR: relates_to %s not permitted: %w", b.RelatesTo, ErrPayloadShape)
		}
		cf.TypeData = b.ErrorCode<<5 | uint16(b.RelatesTo)
		frames := make([][]byte, 0, len(b.Descriptions))
		for _, d := range b.Descriptions {
			frames = append(frames, d.marshalFrame())
		}
		if len(frames) == 0 {
			return cf, nil, fmt.Errorf("ERROR: no description frames: %w", ErrPayloadShape)
		}
		return cf, frames, nil

	default:
		return cf, nil, fmt.Errorf("encode: unknown body type %T", env.Body)
	}
}
