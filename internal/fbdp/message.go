package fbdp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
)

// PipeStream identifies which stream of a data pipe a peer attaches to.
type PipeStream uint8

const (
	StreamInput PipeStream = iota + 1
	StreamOutput
	StreamMonitor
)

func (s PipeStream) String() string {
	switch s {
	case StreamInput:
		return "INPUT"
	case StreamOutput:
		return "OUTPUT"
	case StreamMonitor:
		return "MONITOR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

var knownStreams = map[PipeStream]bool{
	StreamInput: true, StreamOutput: true, StreamMonitor: true,
}

// ErrorCode is the termination code carried in a CLOSE frame's type_data.
// Zero means normal termination.
type ErrorCode uint16

const (
	CodeOK                      ErrorCode = 0
	CodeInvalidMessage          ErrorCode = 1
	CodeProtocolViolation       ErrorCode = 2
	CodeInvalidData             ErrorCode = 3
	CodePipeEndpointUnavailable ErrorCode = 4
	CodeDataFormatNotSupported  ErrorCode = 5
	CodeInternalError           ErrorCode = 6
	CodeTimeout                 ErrorCode = 7
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidMessage:
		return "INVALID_MESSAGE"
	case CodeProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case CodeInvalidData:
		return "INVALID_DATA"
	case CodePipeEndpointUnavailable:
		return "PIPE_ENDPOINT_UNAVAILABLE"
	case CodeDataFormatNotSupported:
		return "DATA_FORMAT_NOT_SUPPORTED"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	case CodeTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(c))
	}
}

// Sentinel errors for message decode and validation.
var (
	ErrPayloadShape    = errors.New("invalid payload shape")
	ErrInvalidGreeting = errors.New("invalid greeting")
	ErrBadDataFormat   = errors.New("data format is not a valid MIME type")
	ErrUnknownStream   = errors.New("unknown pipe stream")
)

// Message is the FBDP tagged union: one concrete type per message kind.
type Message interface {
	Kind() MsgType
}

// OpenBody attaches the initiator to a pipe stream, negotiating the data
// format. DataFormat is a MIME string; MIMEType/MIMEParams are
// its parsed form, populated by Decode and by NewOpen.
type OpenBody struct {
	DataPipeID string
	Stream     PipeStream
	DataFormat string

	MIMEType   string
	MIMEParams map[string]string
}

func (OpenBody) Kind() MsgType { return Open }

// NewOpen builds an OpenBody, parsing and validating format as a MIME
// media type.
func NewOpen(pipeID string, stream PipeStream, format string) (OpenBody, error) {
	mt, params, err := mime.ParseMediaType(format)
	if err != nil {
		return OpenBody{}, fmt.Errorf("open %q: %q: %w", pipeID, format, ErrBadDataFormat)
	}
	return OpenBody{
		DataPipeID: pipeID,
		Stream:     stream,
		DataFormat: format,
		MIMEType:   mt,
		MIMEParams: params,
	}, nil
}

// CloseBody terminates the pipe; Code 0 is a normal close.
type CloseBody struct {
	Code ErrorCode
}

func (CloseBody) Kind() MsgType { return Close }

// ReadyBody grants the peer a transmit voucher: the number of DATA
// messages it may send before another READY is required. Voucher 0 pauses
// the stream.
type ReadyBody struct {
	BatchSize uint16
}

func (ReadyBody) Kind() MsgType { return Ready }

// DataBody carries one opaque payload frame; Handle 0 means unbound.
type DataBody struct {
	Handle  uint16
	Payload []byte
}

func (DataBody) Kind() MsgType { return Data }

// marshalOpenFrame encodes the OPEN payload frame: stream(1) followed by a
// uint16-big-endian length-prefixed pipe id and the data-format string.
func marshalOpenFrame(b OpenBody) []byte {
	buf := make([]byte, 0, 3+len(b.DataPipeID)+len(b.DataFormat))
	buf = append(buf, byte(b.Stream))
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(b.DataPipeID)))
	buf = append(buf, n[:]...)
	buf = append(buf, b.DataPipeID...)
	return append(buf, b.DataFormat...)
}

func unmarshalOpenFrame(frame []byte) (OpenBody, error) {
	if len(frame) < 3 {
		return OpenBody{}, fmt.Errorf("OPEN: frame too short: %w", ErrPayloadShape)
	}
	stream := PipeStream(frame[0])
	if !knownStreams[stream] {
		return OpenBody{}, fmt.Errorf("OPEN: stream %d: %w", frame[0], ErrUnknownStream)
	}
	n := int(binary.BigEndian.Uint16(frame[1:3]))
	if 3+n > len(frame) {
		return OpenBody{}, fmt.Errorf("OPEN: pipe id length %d exceeds frame: %w", n, ErrPayloadShape)
	}
	return NewOpen(string(frame[3:3+n]), stream, string(frame[3+n:]))
}

// Validate enforces the FBDP structural rules on a received
// multi-frame message: at most two frames, a payload frame present only on
// OPEN or on DATA with non-zero type_data, and an OPEN payload that parses
// as the structured record. When greeting is true the message must also be
// a legal greeting for the peer's origin: OPEN from the connecting peer,
// READY or CLOSE from the bind peer.
func Validate(cf ControlFrame, payload [][]byte, fromBindPeer, greeting bool) (Message, error) {
	if greeting {
		legal := cf.Type == Open
		if fromBindPeer {
			legal = cf.Type == Ready || cf.Type == Close
		}
		if !legal {
			return nil, fmt.Errorf("greeting %s (bind peer: %v): %w", cf.Type, fromBindPeer, ErrInvalidGreeting)
		}
	}
	return Decode(cf, payload)
}

// Decode builds a Message from a control frame and its payload frames,
// applying the per-kind structural checks.
func Decode(cf ControlFrame, payload [][]byte) (Message, error) {
	if len(payload) > 1 {
		return nil, fmt.Errorf("%s: too many frames (allowed 2, found %d): %w",
			cf.Type, len(payload)+1, ErrPayloadShape)
	}
	if len(payload) == 1 {
		allowed := cf.Type == Open || (cf.Type == Data && cf.TypeData != 0)
		if !allowed {
			return nil, fmt.Errorf("%s: data frame not allowed: %w", cf.Type, ErrPayloadShape)
		}
	}

	switch cf.Type {
	case Open:
		if len(payload) != 1 {
			return nil, fmt.Errorf("OPEN: missing payload frame: %w", ErrPayloadShape)
		}
		return unmarshalOpenFrame(payload[0])
	case Close:
		return CloseBody{Code: ErrorCode(cf.TypeData)}, nil
	case Ready:
		return ReadyBody{BatchSize: cf.TypeData}, nil
	case Data:
		var p []byte
		if len(payload) == 1 {
			p = payload[0]
		}
		return DataBody{Handle: cf.TypeData, Payload: p}, nil
	default:
		return nil, fmt.Errorf("decode: %w", ErrUnknownMsgType)
	}
}

// Encode produces the control frame and payload frames for a Message, the
// inverse of Decode.
func Encode(msg Message) (ControlFrame, [][]byte, error) {
	cf := ControlFrame{Type: msg.Kind(), Revision: Revision}

	switch b := msg.(type) {
	case OpenBody:
		if !knownStreams[b.Stream] {
			return cf, nil, fmt.Errorf("OPEN: stream %d: %w", b.Stream, ErrUnknownStream)
		}
		return cf, [][]byte{marshalOpenFrame(b)}, nil
	case CloseBody:
		cf.TypeData = uint16(b.Code)
		return cf, nil, nil
	case ReadyBody:
		cf.TypeData = b.BatchSize
		return cf, nil, nil
	case DataBody:
		cf.TypeData = b.Handle
		if len(b.Payload) > 0 {
			if b.Handle == 0 {
				return cf, nil, fmt.Errorf("DATA: payload requires a non-zero handle: %w", ErrPayloadShape)
			}
			return cf, [][]byte{b.Payload}, nil
		}
		return cf, nil, nil
	default:
		return cf, nil, fmt.Errorf("encode: unknown body type %T", msg)
	}
}
