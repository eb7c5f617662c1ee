package fbsp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedRecord indicates a structured payload record could not be
// decoded from its frame.
var ErrMalformedRecord = errors.New("malformed record")

// putString appends a length-prefixed (uint16 big-endian) string to buf.
func putString(buf []byte, s string) []byte {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, s...)
}

// getString reads a length-prefixed string starting at buf[off], returning
// the string and the offset of the byte following it.
func getString(buf []byte, off int) (string, int, error) {
	if off+2 > len(buf) {
		return "", 0, fmt.Errorf("string length field: %w", ErrMalformedRecord)
	}
	n := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+n > len(buf) {
		return "", 0, fmt.Errorf("string body (%d bytes): %w", n, ErrMalformedRecord)
	}
	return string(buf[off : off+n]), off + n, nil
}

// PeerIdentification identifies a connecting peer process.
type PeerIdentification struct {
	UID  string
	PID  uint32
	Host string
}

func (p PeerIdentification) marshal(buf []byte) []byte {
	buf = putString(buf, p.UID)
	var pid [4]byte
	binary.BigEndian.PutUint32(pid[:], p.PID)
	buf = append(buf, pid[:]...)
	return putString(buf, p.Host)
}

func unmarshalPeerIdentification(buf []byte, off int) (PeerIdentification, int, error) {
	var p PeerIdentification
	var err error
	if p.UID, off, err = getString(buf, off); err != nil {
		return p, 0, err
	}
	if off+4 > len(buf) {
		return p, 0, fmt.Errorf("peer pid field: %w", ErrMalformedRecord)
	}
	p.PID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if p.Host, off, err = getString(buf, off); err != nil {
		return p, 0, err
	}
	return p, off, nil
}

// AgentDescriptor identifies the software implementing one endpoint of the
// protocol.
type AgentDescriptor struct {
	UID             string
	Name            string
	Version         string
	VendorUID       string
	Classification  string
	PlatformUID     string
	PlatformVersion string
}

func (a AgentDescriptor) marshal(buf []byte) []byte {
	buf = putString(buf, a.UID)
	buf = putString(buf, a.Name)
	buf = putString(buf, a.Version)
	buf = putString(buf, a.VendorUID)
	buf = putString(buf, a.Classification)
	buf = putString(buf, a.PlatformUID)
	return putString(buf, a.PlatformVersion)
}

func unmarshalAgentDescriptor(buf []byte, off int) (AgentDescriptor, int, error) {
	var a AgentDescriptor
	var err error
	for _, dst := range []*string{&a.UID, &a.Name, &a.Version, &a.VendorUID, &a.Classification, &a.PlatformUID, &a.PlatformVersion} {
		if *dst, off, err = getString(buf, off); err != nil {
			return a, 0, err
		}
	}
	return a, off, nil
}

// InterfaceDescriptor binds a 1-byte session-local interface number to a
// service interface UID.
type InterfaceDescriptor struct {
	Number uint8
	UID    string
}

func (d InterfaceDescriptor) marshalFrame() []byte {
	buf := []byte{d.Number}
	return putString(buf, d.UID)
}

func unmarshalInterfaceDescriptor(frame []byte) (InterfaceDescriptor, error) {
	if len(frame) < 1 {
		return InterfaceDescriptor{}, fmt.Errorf("interface descriptor: empty frame: %w", ErrMalformedRecord)
	}
	d := InterfaceDescriptor{Number: frame[0]}
	uid, off, err := getString(frame, 1)
	if err != nil {
		return InterfaceDescriptor{}, err
	}
	if off != len(frame) {
		return InterfaceDescriptor{}, fmt.Errorf("interface descriptor: trailing bytes: %w", ErrMalformedRecord)
	}
	d.UID = uid
	return d, nil
}

// greetingPayload is the single HELLO/WELCOME payload frame: a
// PeerIdentification followed by an AgentDescriptor.
type greetingPayload struct {
	Peer  PeerIdentification
	Agent AgentDescriptor
}

func (g greetingPayload) marshalFrame() []byte {
	buf := g.Peer.marshal(nil)
	return g.Agent.marshal(buf)
}

func unmarshalGreetingPayload(frame []byte) (greetingPayload, error) {
	var g greetingPayload
	var err error
	var off int
	if g.Peer, off, err = unmarshalPeerIdentification(frame, 0); err != nil {
		return g, err
	}
	if g.Agent, off, err = unmarshalAgentDescriptor(frame, off); err != nil {
		return g, err
	}
	if off != len(frame) {
		return g, fmt.Errorf("greeting payload: trailing bytes: %w", ErrMalformedRecord)
	}
	return g, nil
}

// ErrorDescription is one element of an ERROR message's payload frames
//: a numeric code paired with a human-readable description.
type ErrorDescription struct {
	Code        uint16
	Description string
}

func (e ErrorDescription) marshalFrame() []byte {
	var code [2]byte
	binary.BigEndian.PutUint16(code[:], e.Code)
	return append(code[:], e.Description...)
}

func unmarshalErrorDescription(frame []byte) (ErrorDescription, error) {
	if len(frame) < 2 {
		return ErrorDescription{}, fmt.Errorf("error description: short frame: %w", ErrMalformedRecord)
	}
	return ErrorDescription{
		Code:        binary.BigEndian.Uint16(frame[0:2]),
		Description: string(frame[2:]),
	}, nil
}

// State is the execution-state enum carried by STATE messages.
type State uint8

const (
	// StateUnknown is the zero value. It decodes from an unset STATE byte
	// so callers see a named value, but it is never legal to send.
	StateUnknown State = iota
	StateReady
	StateRunning
	StateWaiting
	StateSuspended
	StateFinished
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateSuspended:
		return "SUSPENDED"
	case StateFinished:
		return "FINISHED"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

var knownStates = map[State]bool{
	StateUnknown: true, StateReady: true, StateRunning: true,
	StateWaiting: true, StateSuspended: true, StateFinished: true,
	StateAborted: true,
}
