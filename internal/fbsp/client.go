package fbsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/firebird-butler/fbsp-go/internal/endpoint"
	"github.com/firebird-butler/fbsp-go/internal/transport"
)

// Client-side sentinel errors.
var (
	ErrTimeout          = errors.New("request timed out")
	ErrConnectionClosed = errors.New("connection closed by service")
	ErrNotConnected     = errors.New("client is not connected")
	ErrUnexpectedReply  = errors.New("unexpected message while awaiting reply")
)

// ServiceError is a ServiceError reconstructed from a received ERROR
// message.
type ServiceError struct {
	Code         ErrorCode
	RelatesTo    MessageType
	Descriptions []ErrorDescription
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "service error %s relating to %s", e.Code, e.RelatesTo)
	for _, d := range e.Descriptions {
		fmt.Fprintf(&b, "; [%d] %s", d.Code, d.Description)
	}
	return b.String()
}

// LocalPeer builds the PeerIdentification for this process, with a fresh
// UUID as the peer uid.
func LocalPeer() PeerIdentification {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return PeerIdentification{
		UID:  uuid.NewString(),
		PID:  uint32(os.Getpid()),
		Host: host,
	}
}

// DefaultRequestTimeout bounds Request when the caller passes no timeout.
const DefaultRequestTimeout = 10 * time.Second

// Client drives the CLIENT side of an FBSP conversation over a DEALER
// channel it opens itself: handshake, token generation, request send and
// the bounded reply poll loop.
type Client struct {
	log    *slog.Logger
	mgr    *transport.Manager
	chn    *transport.Channel
	send   *SendPath
	tokens *TokenGenerator

	handler *Handler
	session *Session

	peer  PeerIdentification
	agent AgentDescriptor

	// Welcome is the service's greeting, available after Connect.
	Welcome WelcomeBody
}

// NewClient builds an unconnected client using mgr for its channel and
// poll set. One client owns one session.
func NewClient(mgr *transport.Manager, peer PeerIdentification, agent AgentDescriptor, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		log:    log,
		mgr:    mgr,
		tokens: NewTokenGenerator(),
		peer:   peer,
		agent:  agent,
	}
	c.handler = NewHandler(RoleClient, Hooks{
		OnInvalidMessage: func(routingID string, err error) {
			log.Warn("invalid message from service", "routing_id", routingID, "error", err)
		},
		OnInvalidGreeting: func(routingID string, err error) {
			log.Warn("invalid greeting from service", "routing_id", routingID, "error", err)
		},
		OnSessionClosed: func(s *Session) { c.disconnectSession(s) },
	}, nil)
	return c
}

// Connect opens a DEALER channel to ep, sends HELLO and waits up to
// timeout for the service's WELCOME. On success the session is
// established with ep recorded as its outbound endpoint, so Close can
// disconnect it.
func (c *Client) Connect(ctx context.Context, ep endpoint.Endpoint, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	chn, err := c.mgr.OpenChannel("client-"+c.peer.UID, transport.KindDealer, transport.DirBoth)
	if err != nil {
		return fmt.Errorf("client connect: %w", err)
	}
	if err := chn.Connect(ep); err != nil {
		c.closeChannel(chn)
		return fmt.Errorf("client connect: %w", err)
	}
	chn.SetSendTimeout(0)

	c.chn = chn
	c.send = NewSendPath(chn, c.mgr, c.log)
	c.handler.Sender = c.send

	session := c.handler.Table.GetOrCreate(InternalRoutingID)
	session.OutboundEndpoint = ep.String()
	session.State = AwaitingGreeting
	c.session = session

	hello := Envelope{Token: TokenFromUint64(0), Body: HelloBody{Peer: c.peer, Agent: c.agent}}
	if _, err := c.send.Send(session, hello, false); err != nil {
		c.teardown()
		return fmt.Errorf("client connect: send HELLO: %w", err)
	}

	env, err := c.awaitGreeting(ctx, timeout)
	if err != nil {
		c.teardown()
		return err
	}
	welcome, ok := env.Body.(WelcomeBody)
	if !ok {
		c.teardown()
		return fmt.Errorf("client connect: got %s: %w", env.Kind(), ErrInvalidGreeting)
	}

	session.Greeting = env
	session.State = Established
	c.Welcome = welcome
	c.log.Info("connected", "endpoint", ep.String(), "service", welcome.Agent.Name)
	return nil
}

// NewToken returns the next request token for this client.
func (c *Client) NewToken() Token { return c.tokens.New() }

// Request sends a REQUEST and polls for its outcome until timeout. The
// result is the matching REPLY (plus any DATA payload frames that
// preceded it, in order); an ERROR for the token is returned as a
// *ServiceError, and expiry as ErrTimeout.
func (c *Client) Request(ctx context.Context, ifaceNum, apiCode uint8, payload [][]byte, timeout time.Duration) (ReplyBody, [][]byte, error) {
	if c.session == nil || c.session.State != Established {
		return ReplyBody{}, nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	token := c.tokens.New()
	req := Envelope{Token: token, Body: RequestBody{
		InterfaceNumber: ifaceNum,
		APICode:         apiCode,
		Payload:         payload,
	}}
	if _, err := c.send.Send(c.session, req, false); err != nil {
		return ReplyBody{}, nil, fmt.Errorf("client request: %w", err)
	}

	var stream [][]byte
	deadline := time.Now().Add(timeout)
	for {
		env, err := c.poll(ctx, deadline)
		if err != nil {
			return ReplyBody{}, nil, err
		}
		if env == nil {
			continue
		}

		switch body := env.Body.(type) {
		case ReplyBody:
			if env.Token == token {
				return body, stream, nil
			}
		case DataBody:
			if env.Token == token {
				stream = append(stream, body.Payload...)
				if env.Flags.Has(AckReq) {
					ack := Envelope{Flags: AckReply, Token: env.Token, Body: DataBody{Handle: body.Handle}}
					if _, err := c.send.Send(c.session, ack, false); err != nil {
						return ReplyBody{}, nil, fmt.Errorf("client request: ack: %w", err)
					}
				}
			}
		case StateBody:
			c.log.Debug("service state", "token", env.Token.Uint64(), "state", body.State.String())
		case ErrorBody:
			svcErr := &ServiceError{
				Code:         ErrorCode(body.ErrorCode),
				RelatesTo:    body.RelatesTo,
				Descriptions: body.Descriptions,
			}
			if svcErr.Code.Fatal() {
				// Codes >= 2000 oblige the recipient to close the session.
				c.Close()
			}
			return ReplyBody{}, nil, svcErr
		case CloseBody:
			c.teardown()
			return ReplyBody{}, nil, ErrConnectionClosed
		case NoopBody:
			// Keep-alive; answer an ACK_REQ and keep polling.
			if env.Flags.Has(AckReq) {
				ack := Envelope{Flags: AckReply, Token: env.Token, Body: NoopBody{}}
				if _, err := c.send.Send(c.session, ack, false); err != nil {
					return ReplyBody{}, nil, fmt.Errorf("client request: ack: %w", err)
				}
			}
		default:
			return ReplyBody{}, nil, fmt.Errorf("client request: %s: %w", env.Kind(), ErrUnexpectedReply)
		}
	}
}

// Cancel asks the service to abandon the given tokens. Its effect is
// service-defined.
func (c *Client) Cancel(tokens ...Token) error {
	if c.session == nil || c.session.State != Established {
		return ErrNotConnected
	}
	env := Envelope{Token: c.tokens.New(), Body: CancelBody{Tokens: tokens}}
	if _, err := c.send.Send(c.session, env, false); err != nil {
		return fmt.Errorf("client cancel: %w", err)
	}
	return nil
}

// Close sends CLOSE, disconnects the outbound endpoint and releases the
// channel. Safe to call on an unconnected client.
func (c *Client) Close() {
	if c.session != nil && c.session.State == Established {
		env := Envelope{Token: TokenFromUint64(0), Body: CloseBody{}}
		if _, err := c.send.Send(c.session, env, false); err != nil {
			c.log.Debug("close send failed", "error", err)
		}
	}
	c.teardown()
}

// awaitGreeting polls for the WELCOME completing the handshake.
func (c *Client) awaitGreeting(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		frames, err := c.recv(ctx, deadline)
		if err != nil {
			return nil, err
		}
		if frames == nil {
			continue
		}
		cf, err := UnmarshalControlFrame(frames[0])
		if err != nil {
			return nil, fmt.Errorf("client greeting: %w", err)
		}
		env, err := Validate(cf, frames[1:], RoleClient, true)
		if err != nil {
			return nil, fmt.Errorf("client greeting: %w", err)
		}
		return &env, nil
	}
}

// poll reads and validates one in-session message, returning nil (no
// message yet) on an empty poll interval.
func (c *Client) poll(ctx context.Context, deadline time.Time) (*Envelope, error) {
	frames, err := c.recv(ctx, deadline)
	if err != nil {
		return nil, err
	}
	if frames == nil {
		return nil, nil
	}
	cf, err := UnmarshalControlFrame(frames[0])
	if err != nil {
		return nil, fmt.Errorf("client poll: %w", err)
	}
	env, err := Validate(cf, frames[1:], RoleClient, false)
	if err != nil {
		return nil, fmt.Errorf("client poll: %w", err)
	}
	return &env, nil
}

// recv waits for the client channel to poll readable before the deadline
// and reads one multipart message. Returns (nil, nil) when the poll
// interval elapsed without events.
func (c *Client) recv(ctx context.Context, deadline time.Time) ([][]byte, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, ErrTimeout
	}
	interval := 100 * time.Millisecond
	if remaining < interval {
		interval = remaining
	}

	ch, err := c.mgr.Poll(ctx, interval)
	if err != nil {
		return nil, fmt.Errorf("client recv: %w", err)
	}
	if ch == nil || ch.ID() != c.chn.ID() {
		return nil, nil
	}
	frames, err := ch.Recv()
	if err != nil {
		return nil, fmt.Errorf("client recv: %w", err)
	}
	return frames, nil
}

func (c *Client) disconnectSession(s *Session) {
	if c.chn == nil || s.OutboundEndpoint == "" {
		return
	}
	ep, err := endpoint.Parse(s.OutboundEndpoint)
	if err != nil {
		return
	}
	if err := c.chn.Disconnect(ep); err != nil {
		c.log.Debug("disconnect failed", "endpoint", s.OutboundEndpoint, "error", err)
	}
}

func (c *Client) teardown() {
	if c.session != nil {
		c.handler.Table.Discard(c.session.RoutingID)
		c.session.State = Closed
		c.session = nil
	}
	if c.chn != nil {
		c.closeChannel(c.chn)
		c.chn = nil
	}
}

func (c *Client) closeChannel(chn *transport.Channel) {
	if err := c.mgr.CloseChannel(chn.ID()); err != nil {
		c.log.Debug("close channel failed", "error", err)
	}
}
