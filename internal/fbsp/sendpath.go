package fbsp

import (
	"errors"
	"log/slog"
	"time"

	"github.com/firebird-butler/fbsp-go/internal/transport"
)

// DefaultResumeTimeout is how long a session may remain suspended under
// EAGAIN before it is cancelled.
const DefaultResumeTimeout = 10 * time.Second

// rawChannel is the subset of *transport.Channel the send path needs. An
// interface keeps this file's retry logic testable without a real socket.
type rawChannel interface {
	Send(frames [][]byte) error
	RoutingID(frames [][]byte) string
}

// deferrer is the subset of *transport.Manager the send path needs to
// schedule retries on the deferred queue.
type deferrer interface {
	Defer(fn func())
}

// SendPath implements non-blocking send with per-session deferral.
// It is the concrete Sender a Handler uses to emit ACK_REPLY and
// service-originated traffic.
type SendPath struct {
	Channel rawChannel
	Manager deferrer
	Log     *slog.Logger

	// ResumeTimeout bounds how long a session may stay suspended under
	// EAGAIN before CancelSession is invoked. Zero means DefaultResumeTimeout.
	ResumeTimeout time.Duration

	// SuspendSession/ResumeSession/CancelSession observe the session's
	// backpressure lifecycle; all may be nil.
	SuspendSession func(s *Session)
	ResumeSession  func(s *Session)
	CancelSession  func(s *Session)

	routed bool
}

// NewSendPath builds a SendPath over ch, tagging whether ch is a routed
// (ROUTER) channel so Send knows to prepend the session's routing id.
func NewSendPath(ch *transport.Channel, mgr *transport.Manager, log *slog.Logger) *SendPath {
	return &SendPath{Channel: ch, Manager: mgr, Log: log, routed: ch.Kind() == transport.KindRouter}
}

func (p *SendPath) resumeTimeout() time.Duration {
	if p.ResumeTimeout > 0 {
		return p.ResumeTimeout
	}
	return DefaultResumeTimeout
}

func (p *SendPath) buildFrames(s *Session, env Envelope) ([][]byte, error) {
	cf, payload, err := Encode(env)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize)
	if _, err := MarshalControlFrame(cf, buf); err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, 2+len(payload))
	if p.routed && s.RoutingID != InternalRoutingID {
		frames = append(frames, []byte(s.RoutingID))
	}
	frames = append(frames, buf)
	frames = append(frames, payload...)
	return frames, nil
}

// Send implements the Sender interface. deferSend is
// forced false by callers that have no session to suspend.
func (p *SendPath) Send(s *Session, env Envelope, deferSend bool) (bool, error) {
	frames, err := p.buildFrames(s, env)
	if err != nil {
		return false, err
	}

	if s.QueueLen() > 0 {
		s.Enqueue(frames)
		return false, nil
	}

	err = p.Channel.Send(frames)
	if err == nil {
		return true, nil
	}

	if !deferSend {
		return false, err
	}

	switch {
	case errors.Is(err, transport.ErrWouldBlock):
		s.Enqueue(frames)
		s.SetPendingSince(time.Now())
		p.scheduleRetry(s)
		if p.SuspendSession != nil {
			p.SuspendSession(s)
		}
		return false, nil
	case errors.Is(err, transport.ErrHostUnreachable):
		if p.CancelSession != nil {
			p.CancelSession(s)
		}
		return false, nil
	default:
		return false, err
	}
}

func (p *SendPath) scheduleRetry(s *Session) {
	p.Manager.Defer(func() { p.retrySend(s) })
}

// retrySend drains s's queue in FIFO order. It is the
// deferred callback scheduleRetry registers.
func (p *SendPath) retrySend(s *Session) {
	sentAny := false
	for {
		frames, ok := s.PeekFront()
		if !ok {
			break
		}
		err := p.Channel.Send(frames)
		if err == nil {
			s.PopFront()
			sentAny = true
			continue
		}
		if errors.Is(err, transport.ErrWouldBlock) {
			s.SetPendingSince(time.Now())
			if since, suspended := s.PendingSince(); suspended && time.Since(since) >= p.resumeTimeout() {
				p.cancelForTimeout(s)
				return
			}
			p.scheduleRetry(s)
			return
		}
		// EHOSTUNREACH or any other send error cancels the session.
		if p.Log != nil {
			p.Log.Warn("retry send failed, cancelling session", "routing_id", s.RoutingID, "error", err)
		}
		if p.CancelSession != nil {
			p.CancelSession(s)
		}
		return
	}

	s.ClearPendingSince()
	if sentAny && p.ResumeSession != nil {
		p.ResumeSession(s)
	}
}

func (p *SendPath) cancelForTimeout(s *Session) {
	if p.Log != nil {
		p.Log.Warn("resume timeout exceeded, cancelling session",
			"routing_id", s.RoutingID, "timeout", p.resumeTimeout())
	}
	if p.CancelSession != nil {
		p.CancelSession(s)
	}
}
