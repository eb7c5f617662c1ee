package transport

import (
	"fmt"
	"sync"

	"github.com/firebird-butler/fbsp-go/internal/endpoint"
)

// Channel wraps a single ZeroMQ socket with the identity, direction and
// bind/connect bookkeeping the FBSP/FBDP layers need on top of it.
type Channel struct {
	id   int
	name string
	kind SocketKind
	dir  Direction

	mu        sync.Mutex
	sock      rawSocket
	mode      Mode
	endpoints []endpoint.Endpoint
	closed    bool

	sndTimeoutMs int
}

// newChannel constructs a Channel around an already-created raw socket. Not
// exported: channels are always created through a Manager so they share its
// poll set and deferred queue.
func newChannel(id int, name string, kind SocketKind, dir Direction, sock rawSocket) *Channel {
	return &Channel{
		id:           id,
		name:         name,
		kind:         kind,
		dir:          dir,
		sock:         sock,
		sndTimeoutMs: -1, // block by default; callers needing non-blocking set it explicitly
	}
}

// ID returns the channel's manager-assigned identifier.
func (c *Channel) ID() int { return c.id }

// Name returns the channel's human-readable label, used in logs.
func (c *Channel) Name() string { return c.name }

// Kind returns the underlying ZeroMQ socket pattern.
func (c *Channel) Kind() SocketKind { return c.kind }

// Direction returns the channel's declared data direction.
func (c *Channel) Direction() Direction { return c.dir }

// Mode reports whether the channel has bound, connected, or neither yet.
func (c *Channel) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Endpoints returns a copy of the endpoints currently bound or connected on
// this channel.
func (c *Channel) Endpoints() []endpoint.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]endpoint.Endpoint, len(c.endpoints))
	copy(out, c.endpoints)
	return out
}

// SetSendTimeout sets the socket's non-blocking send timeout in
// milliseconds. 0 means fully non-blocking (immediate EAGAIN); -1 (the
// default) blocks indefinitely.
func (c *Channel) SetSendTimeout(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sndTimeoutMs = ms
	c.sock.SetSndtimeo(ms)
}

// Bind binds the channel to ep. A PAIR channel accepts only one endpoint
// total (bound or connected); any other kind accepts many.
func (c *Channel) Bind(ep endpoint.Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("channel %d (%s): %w", c.id, c.name, ErrChannelClosed)
	}
	if c.mode == ModeConnect {
		return invalidModeErr(c.id, ModeBind, c.mode)
	}
	if c.kind == KindPair && len(c.endpoints) >= 1 {
		return fmt.Errorf("channel %d (%s): %w", c.id, c.name, ErrPairSingleEndpoint)
	}
	if _, err := c.sock.Bind(ep.String()); err != nil {
		return fmt.Errorf("channel %d (%s): bind %s: %w", c.id, c.name, ep.String(), err)
	}
	c.mode = ModeBind
	c.endpoints = append(c.endpoints, ep)
	return nil
}

// Connect connects the channel to ep, under the same single-endpoint
// constraint for PAIR channels as Bind.
func (c *Channel) Connect(ep endpoint.Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("channel %d (%s): %w", c.id, c.name, ErrChannelClosed)
	}
	if c.mode == ModeBind {
		return invalidModeErr(c.id, ModeConnect, c.mode)
	}
	if c.kind == KindPair && len(c.endpoints) >= 1 {
		return fmt.Errorf("channel %d (%s): %w", c.id, c.name, ErrPairSingleEndpoint)
	}
	if err := c.sock.Connect(ep.String()); err != nil {
		return fmt.Errorf("channel %d (%s): connect %s: %w", c.id, c.name, ep.String(), err)
	}
	c.mode = ModeConnect
	c.endpoints = append(c.endpoints, ep)
	return nil
}

// Disconnect drops a previously connected endpoint, leaving the channel
// open for its remaining endpoints. Used when an outbound session closes.
func (c *Channel) Disconnect(ep endpoint.Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("channel %d (%s): %w", c.id, c.name, ErrChannelClosed)
	}
	if err := c.sock.Disconnect(ep.String()); err != nil {
		return fmt.Errorf("channel %d (%s): disconnect %s: %w", c.id, c.name, ep.String(), err)
	}
	for i, e := range c.endpoints {
		if e == ep {
			c.endpoints = append(c.endpoints[:i], c.endpoints[i+1:]...)
			break
		}
	}
	return nil
}

// Send writes one multipart message to the socket. On EAGAIN/EHOSTUNREACH
// it returns ErrWouldBlock/ErrHostUnreachable (via errors.Is) so the caller
// (internal/fbsp's send-with-deferral path) can decide whether to queue a
// retry or cancel the session.
func (c *Channel) Send(frames [][]byte) error {
	c.mu.Lock()
	sock := c.sock
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("channel %d (%s): %w", c.id, c.name, ErrChannelClosed)
	}
	if err := sock.SendMessage(frames); err != nil {
		return classifySendErr(err)
	}
	return nil
}

// Recv reads one multipart message. Intended to be called only after the
// Manager's poller reports this channel as readable.
func (c *Channel) Recv() ([][]byte, error) {
	c.mu.Lock()
	sock := c.sock
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("channel %d (%s): %w", c.id, c.name, ErrChannelClosed)
	}
	frames, err := sock.RecvMessage()
	if err != nil {
		return nil, fmt.Errorf("channel %d (%s): recv: %w", c.id, c.name, err)
	}
	return frames, nil
}

// RoutingID extracts the leading routing-id frame from a multipart message
// received on a ROUTER channel. It returns an empty string for non-routed
// socket kinds.
func (c *Channel) RoutingID(frames [][]byte) string {
	if !c.kind.routed() || len(frames) == 0 {
		return ""
	}
	return string(frames[0])
}

// close destroys the underlying socket. Called by Manager, which owns
// poll-set de-registration.
func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.sock.Destroy()
	c.closed = true
}
