package transport

import (
	"errors"
	"strings"
	"syscall"

	czmq "github.com/zeromq/goczmq"
)

// rawSocket is the subset of *czmq.Sock a Channel needs. Extracting it as
// an interface keeps Channel testable without opening real sockets; the
// package still imports goczmq, so its tests link libczmq.
type rawSocket interface {
	Bind(endpoint string) (string, error)
	Connect(endpoint string) error
	Disconnect(endpoint string) error
	Unbind(endpoint string) error
	SetSndtimeo(int)
	SendMessage(frames [][]byte) error
	RecvMessage() ([][]byte, error)
	Destroy()
}

// socketFactory builds the raw socket backing a Channel. Production code
// uses newCzmqSocket; tests inject a fake.
type socketFactory func(kind SocketKind) (rawSocket, error)

func czmqType(kind SocketKind) int {
	switch kind {
	case KindDealer:
		return czmq.Dealer
	case KindRouter:
		return czmq.Router
	case KindPair:
		return czmq.Pair
	case KindPub:
		return czmq.Pub
	case KindSub:
		return czmq.Sub
	case KindPush:
		return czmq.Push
	case KindPull:
		return czmq.Pull
	case KindXPub:
		return czmq.XPub
	case KindXSub:
		return czmq.XSub
	default:
		return -1
	}
}

// czmqAdapter wraps a real *czmq.Sock to satisfy rawSocket, and exposes the
// concrete socket for poll-set registration (czmq.Poller only accepts
// *czmq.Sock, not arbitrary interfaces).
type czmqAdapter struct {
	sock *czmq.Sock
}

func (a *czmqAdapter) Bind(endpoint string) (string, error) { return a.sock.Bind(endpoint) }
func (a *czmqAdapter) Connect(endpoint string) error         { return a.sock.Connect(endpoint) }
func (a *czmqAdapter) Disconnect(endpoint string) error      { return a.sock.Disconnect(endpoint) }
func (a *czmqAdapter) Unbind(endpoint string) error          { return a.sock.Unbind(endpoint) }
func (a *czmqAdapter) SetSndtimeo(ms int)                    { a.sock.SetSndtimeo(ms) }
func (a *czmqAdapter) SendMessage(frames [][]byte) error     { return a.sock.SendMessage(frames) }
func (a *czmqAdapter) RecvMessage() ([][]byte, error)        { return a.sock.RecvMessage() }
func (a *czmqAdapter) Destroy()                              { a.sock.Destroy() }

// Raw returns the underlying *czmq.Sock for poll-set registration.
func (a *czmqAdapter) Raw() *czmq.Sock { return a.sock }

// newCzmqSocket creates an unbound, unconnected CZMQ socket of the given
// kind.
func newCzmqSocket(kind SocketKind) (rawSocket, error) {
	t := czmqType(kind)
	if t < 0 {
		return nil, errors.New("transport: unknown socket kind " + kind.String())
	}
	return &czmqAdapter{sock: czmq.NewSock(t)}, nil
}

// classifySendErr maps a raw send error onto the package sentinels a caller
// can match with errors.Is. CZMQ propagates the underlying zmq_errno as
// part of the error text; we check both the wrapped syscall.Errno (when the
// binding preserves it) and the conventional message text as a fallback.
func classifySendErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, syscall.EAGAIN):
		return ErrWouldBlock
	case errors.Is(err, syscall.EHOSTUNREACH):
		return ErrHostUnreachable
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Resource temporarily unavailable"):
		return ErrWouldBlock
	case strings.Contains(msg, "Host unreachable"), strings.Contains(msg, "No route to host"):
		return ErrHostUnreachable
	default:
		return err
	}
}
