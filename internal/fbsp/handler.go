package fbsp

import (
	"fmt"
	"sync"
)

// DispatchFunc processes one validated, in-session message. Returning an
// error invokes the handler's OnDispatchError hook; the session is not
// torn down unless the func itself discards it via Discard.
type DispatchFunc func(s *Session, env Envelope) error

// dispatchKey routes by (message type, type_data) before falling back to
// message type alone.
type dispatchKey struct {
	Type     MessageType
	TypeData uint16
}

// Sender is the narrow interface Handler needs from the send-with-deferral
// path (sendpath.go) to emit ACK_REPLY responses and service-originated
// messages. Kept as an interface so handler.go and sendpath.go can be
// tested independently.
type Sender interface {
	Send(s *Session, env Envelope, deferSend bool) (bool, error)
}

// Hooks are the handler lifecycle callbacks. A nil hook
// is a no-op; handlers typically set at least OnInvalidMessage to log.
type Hooks struct {
	OnInvalidGreeting func(routingID string, err error)
	OnInvalidMessage  func(routingID string, err error)
	OnDispatchError   func(routingID string, err error)

	// OnSessionEstablished runs once per session, after its greeting
	// validates and the handshake completes.
	OnSessionEstablished func(s *Session)

	// OnSessionClosed runs after a received CLOSE discards the session,
	// before the session is forgotten. Owners of outbound sessions use it
	// to disconnect the endpoint stored on the session.
	OnSessionClosed func(s *Session)
}

func (h Hooks) invalidGreeting(routingID string, err error) {
	if h.OnInvalidGreeting != nil {
		h.OnInvalidGreeting(routingID, err)
	}
}
func (h Hooks) invalidMessage(routingID string, err error) {
	if h.OnInvalidMessage != nil {
		h.OnInvalidMessage(routingID, err)
	}
}
func (h Hooks) dispatchError(routingID string, err error) {
	if h.OnDispatchError != nil {
		h.OnDispatchError(routingID, err)
	}
}

// Handler drives one side (CLIENT or SERVICE) of the FBSP handshake and
// message dispatch for every session on one channel. It owns the
// channel's SessionTable and dispatch
// table; the caller supplies a Sender for outbound traffic.
type Handler struct {
	Role   Role
	Table  *SessionTable
	Hooks  Hooks
	Sender Sender

	mu       sync.Mutex
	byKey    map[dispatchKey]DispatchFunc
	byType   map[MessageType]DispatchFunc
	fallback DispatchFunc
}

// NewHandler constructs a Handler for the given role with empty dispatch
// tables and no fallback. A message with no matching dispatch entry goes to
// the handler installed with SetFallback; without one it is dropped: no
// ERROR reply is sent and no hook runs.
func NewHandler(role Role, hooks Hooks, sender Sender) *Handler {
	return &Handler{
		Role:   role,
		Table:  NewSessionTable(),
		Hooks:  hooks,
		Sender: sender,
		byKey:  make(map[dispatchKey]DispatchFunc),
		byType: make(map[MessageType]DispatchFunc),
	}
}

// OnType registers fn as the handler for every message of kind t, unless a
// more specific OnTypeData registration matches first.
func (h *Handler) OnType(t MessageType, fn DispatchFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byType[t] = fn
}

// OnTypeData registers fn for the exact (type, type_data) pair — used, for
// example, to route REQUEST by (interface_number<<8 | api_code).
func (h *Handler) OnTypeData(t MessageType, typeData uint16, fn DispatchFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byKey[dispatchKey{Type: t, TypeData: typeData}] = fn
}

// SetFallback overrides the default-handler behavior for messages with no
// matching dispatch entry.
func (h *Handler) SetFallback(fn DispatchFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallback = fn
}

func (h *Handler) lookup(key dispatchKey) DispatchFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn, ok := h.byKey[key]; ok {
		return fn
	}
	if fn, ok := h.byType[key.Type]; ok {
		return fn
	}
	return h.fallback
}

// Receive advances the handshake state machine and, once a session is
// Established, validates and dispatches one incoming control frame + its
// payload frames.
//
// On a fresh routing id it attempts the greeting handshake. On an
// established session it validates under the non-greeting rules, answers
// any ACK_REQ with an ACK_REPLY, handles CLOSE by discarding the session,
// and otherwise dispatches by (type, type_data) then type alone.
func (h *Handler) Receive(routingID string, cf ControlFrame, payload [][]byte) {
	session, err := h.Table.Get(routingID)
	if err != nil {
		h.receiveGreeting(routingID, cf, payload)
		return
	}
	h.receiveEstablished(session, cf, payload)
}

func (h *Handler) receiveGreeting(routingID string, cf ControlFrame, payload [][]byte) {
	env, err := Validate(cf, payload, h.Role, true)
	if err != nil {
		h.Hooks.invalidGreeting(routingID, err)
		return
	}

	session, err := h.Table.Create(routingID)
	if err != nil {
		// Duplicate greeting for a routing id already mid-handshake: treat
		// as an invalid greeting rather than silently overwriting state.
		h.Hooks.invalidGreeting(routingID, err)
		return
	}
	session.Greeting = env
	session.State = Established
	if h.Hooks.OnSessionEstablished != nil {
		h.Hooks.OnSessionEstablished(session)
	}
}

func (h *Handler) receiveEstablished(session *Session, cf ControlFrame, payload [][]byte) {
	env, err := Validate(cf, payload, h.Role, false)
	if err != nil {
		h.Hooks.invalidMessage(session.RoutingID, err)
		return
	}

	if env.Kind() == Close {
		h.Table.Discard(session.RoutingID)
		session.State = Closed
		if h.Hooks.OnSessionClosed != nil {
			h.Hooks.OnSessionClosed(session)
		}
		return
	}

	if env.Flags.Has(AckReq) && h.Sender != nil {
		reply := Envelope{Flags: AckReply, Token: env.Token, Body: ackBody(env.Body)}
		if _, err := h.Sender.Send(session, reply, true); err != nil {
			h.Hooks.dispatchError(session.RoutingID, fmt.Errorf("ack reply: %w", err))
		}
	}

	key := dispatchKey{Type: env.Kind(), TypeData: cf.TypeData}
	fn := h.lookup(key)
	if fn == nil {
		return
	}
	if err := fn(session, env); err != nil {
		h.Hooks.dispatchError(session.RoutingID, err)
	}
}

// ackBody builds the payload-free body of an ACK_REPLY: same kind and
// type_data as the acknowledged message, no payload frames.
func ackBody(body Message) Message {
	switch b := body.(type) {
	case DataBody:
		return DataBody{Handle: b.Handle}
	case RequestBody:
		return RequestBody{InterfaceNumber: b.InterfaceNumber, APICode: b.APICode}
	case ReplyBody:
		return ReplyBody{InterfaceNumber: b.InterfaceNumber, APICode: b.APICode}
	case CancelBody:
		return CancelBody{}
	case StateBody:
		return StateBody{InterfaceNumber: b.InterfaceNumber, APICode: b.APICode, State: b.State}
	default:
		return body
	}
}

// TokenGenerator produces strictly increasing little-endian uint64 tokens
// starting at 1, the client-side token contract.
// One generator per client handler instance.
type TokenGenerator struct {
	mu   sync.Mutex
	next uint64
}

// NewTokenGenerator returns a generator whose first New() call yields 1.
func NewTokenGenerator() *TokenGenerator { return &TokenGenerator{next: 1} }

// New returns the next token and advances the counter.
func (g *TokenGenerator) New() Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := TokenFromUint64(g.next)
	g.next++
	return t
}
