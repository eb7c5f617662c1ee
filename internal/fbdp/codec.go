// Package fbdp implements the Firebird Butler Data Pipe Protocol core:
// the 8-byte control-frame codec, the OPEN/READY/DATA/CLOSE message model
// with MIME data-format negotiation, and the producer/consumer pipe engine
// with batch-voucher flow control on top of internal/transport.
package fbdp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the 4-byte ASCII marker every FBDP control frame starts with.
const Magic = "FBDP"

// Revision is the only protocol revision this package speaks, carried in
// the low 3 bits of the ctrl byte.
const Revision uint8 = 1

// HeaderSize is the fixed control-frame size: magic(4) ctrl(1) type(1)
// type_data(2).
const HeaderSize = 8

// revisionMask isolates the low 3 bits of the ctrl byte; the remaining
// bits are reserved and must be zero.
const revisionMask = 0x07

// MsgType is the FBDP message-kind byte.
type MsgType uint8

const (
	Open  MsgType = 1
	Close MsgType = 2
	Ready MsgType = 3
	Data  MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case Open:
		return "OPEN"
	case Close:
		return "CLOSE"
	case Ready:
		return "READY"
	case Data:
		return "DATA"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

var knownTypes = map[MsgType]bool{
	Open: true, Close: true, Ready: true, Data: true,
}

// ControlFrame is the decoded 8-byte FBDP header.
type ControlFrame struct {
	Type     MsgType
	Revision uint8
	TypeData uint16
}

// Sentinel errors for control-frame decode/encode failures.
var (
	ErrBufTooSmall         = errors.New("buffer too small")
	ErrInvalidMagic        = errors.New("invalid magic")
	ErrUnsupportedRevision = errors.New("unsupported protocol revision")
	ErrReservedBits        = errors.New("reserved bits set")
	ErrUnknownMsgType      = errors.New("unknown message type")
)

// MarshalControlFrame writes cf's 8-byte wire encoding into buf, which must
// be at least HeaderSize bytes.
func MarshalControlFrame(cf ControlFrame, buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("marshal control frame: need %d bytes, got %d: %w",
			HeaderSize, len(buf), ErrBufTooSmall)
	}
	copy(buf[0:4], Magic)
	buf[4] = cf.Revision & revisionMask
	buf[5] = byte(cf.Type)
	binary.BigEndian.PutUint16(buf[6:8], cf.TypeData)
	return HeaderSize, nil
}

// UnmarshalControlFrame decodes the first 8 bytes of buf into a
// ControlFrame, enforcing exact magic, supported revision, zero reserved
// ctrl bits and a known message type.
func UnmarshalControlFrame(buf []byte) (ControlFrame, error) {
	if len(buf) < HeaderSize {
		return ControlFrame{}, fmt.Errorf("unmarshal control frame: received %d bytes, need %d: %w",
			len(buf), HeaderSize, ErrBufTooSmall)
	}
	if string(buf[0:4]) != Magic {
		return ControlFrame{}, fmt.Errorf("unmarshal control frame: got %q: %w", buf[0:4], ErrInvalidMagic)
	}

	ctrl := buf[4]
	if ctrl&^byte(revisionMask) != 0 {
		return ControlFrame{}, fmt.Errorf("unmarshal control frame: ctrl byte 0x%02x: %w", ctrl, ErrReservedBits)
	}
	revision := ctrl & revisionMask
	if revision != Revision {
		return ControlFrame{}, fmt.Errorf("unmarshal control frame: revision %d: %w", revision, ErrUnsupportedRevision)
	}

	typ := MsgType(buf[5])
	if !knownTypes[typ] {
		return ControlFrame{}, fmt.Errorf("unmarshal control frame: type %d: %w", buf[5], ErrUnknownMsgType)
	}

	return ControlFrame{
		Type:     typ,
		Revision: revision,
		TypeData: binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}
