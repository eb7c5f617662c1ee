package fbsp

import (
	"errors"
	"fmt"
)

// Role is the local handler's perspective on which side of a session it
// occupies.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleService
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "service"
}

// Sentinel validator errors.
var (
	ErrInvalidGreeting  = errors.New("invalid greeting")
	ErrRoleNotPermitted = errors.New("message type not permitted for peer role")
	ErrFlagNotPermitted = errors.New("flag not permitted for message type")
)

// permittedFromRole is the set of message kinds a peer in the given role
// may originate outside of the ACK_REPLY exception.
var permittedFromRole = map[Role]map[MessageType]bool{
	RoleService: {Error: true, Welcome: true, Noop: true, Reply: true, Data: true, State: true, Close: true},
	RoleClient:  {Hello: true, Noop: true, Request: true, Cancel: true, Data: true, Close: true},
}

// ackReplyExceptionTypes is the set of kinds for which an ACK_REPLY-flagged
// message from the "wrong" direction is still accepted.
var ackReplyExceptionTypes = map[MessageType]bool{
	Noop: true, Request: true, Reply: true, Data: true, State: true, Cancel: true,
}

// flagsPermittedByType restricts which flags each message kind may carry.
func flagsPermittedByType(t MessageType) Flags {
	switch t {
	case Noop, Request, Reply, State, Cancel:
		return AckReq | AckReply
	case Data:
		return AckReq | AckReply | More
	default: // Hello, Welcome, Close, Error
		return 0
	}
}

// Validate decodes and validates one incoming message against the codec
// (already enforced by UnmarshalControlFrame before this is called),
// the greeting phase, the peer-role gate, and per-kind flag and structural
// rules, in the order spec §4.3 specifies.
func Validate(cf ControlFrame, payload [][]byte, role Role, greeting bool) (Envelope, error) {
	if greeting {
		// A SERVICE handler's first message from a new peer must be that
		// peer's HELLO; a CLIENT handler's first message must be the
		// service's WELCOME.
		want := Hello
		if role == RoleClient {
			want = Welcome
		}
		if cf.Type != want {
			return Envelope{}, fmt.Errorf("greeting: expected %s, got %s: %w", want, cf.Type, ErrInvalidGreeting)
		}
	} else if err := checkRoleGate(cf, role); err != nil {
		return Envelope{}, err
	}

	if cf.Flags&^flagsPermittedByType(cf.Type) != 0 {
		return Envelope{}, fmt.Errorf("%s: flags %v not permitted: %w", cf.Type, cf.Flags, ErrFlagNotPermitted)
	}

	return Decode(cf, payload)
}

// checkRoleGate requires that a message comes from a role permitted to
// send it, with the ACK_REPLY direction exception.
func checkRoleGate(cf ControlFrame, localRole Role) error {
	// senderRole is the role of whoever sent cf to a handler acting as
	// localRole: a SERVICE handler validates messages sent by a CLIENT,
	// and vice versa.
	senderRole := RoleClient
	if localRole == RoleClient {
		senderRole = RoleService
	}

	if permittedFromRole[senderRole][cf.Type] {
		return nil
	}
	if cf.Flags.Has(AckReply) && ackReplyExceptionTypes[cf.Type] {
		return nil
	}
	return fmt.Errorf("%s from %s: %w", cf.Type, senderRole, ErrRoleNotPermitted)
}
