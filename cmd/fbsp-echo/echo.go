package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/firebird-butler/fbsp-go/internal/config"
	"github.com/firebird-butler/fbsp-go/internal/endpoint"
	"github.com/firebird-butler/fbsp-go/internal/fbdp"
	"github.com/firebird-butler/fbsp-go/internal/fbsp"
	fbspmetrics "github.com/firebird-butler/fbsp-go/internal/metrics"
	"github.com/firebird-butler/fbsp-go/internal/service"
	"github.com/firebird-butler/fbsp-go/internal/transport"
)

// Service identity, derived from OID strings the same way the protocol
// family derives its protocol UIDs.
var (
	echoVendorUID    = uuid.NewSHA1(uuid.NameSpaceOID, []byte("1.3.6.1.4.1.53446")).String()
	echoAgentUID     = uuid.NewSHA1(uuid.NameSpaceOID, []byte("1.3.6.1.4.1.53446.1.2.1")).String()
	echoInterfaceUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("1.3.6.1.4.1.53446.1.3.1")).String()
)

// Echo interface addressing.
const (
	echoInterfaceNumber uint8 = 1

	apiEcho  uint8 = 1
	apiRoman uint8 = 2
)

// recentLimit bounds the ring of echoed payloads kept for the monitor
// pipe.
const recentLimit = 256

// echoService answers ECHO and ROMAN requests on a ROUTER channel and, if
// pipes are configured, streams recently echoed payloads over FBDP.
type echoService struct {
	cfg       *config.Config
	collector *fbspmetrics.Collector
	log       *slog.Logger

	container *service.Container
	router    *transport.Channel
	send      *fbsp.SendPath
	handler   *fbsp.Handler
	pipes     []*fbdp.Pipe

	mu     sync.Mutex
	recent [][]byte
}

func newEchoService(cfg *config.Config, collector *fbspmetrics.Collector, log *slog.Logger) *echoService {
	return &echoService{
		cfg:       cfg,
		collector: collector,
		log:       log.With(slog.String("service", cfg.Service.Name)),
	}
}

// Initialize opens the ROUTER channel, binds the configured endpoints and
// wires the FBSP handler and any configured data pipes into the container.
func (s *echoService) Initialize(c *service.Container) error {
	s.container = c
	mgr := c.Manager()

	router, err := mgr.OpenChannel("service", transport.KindRouter, transport.DirBoth)
	if err != nil {
		return err
	}
	s.router = router
	router.SetSendTimeout(0)

	for _, raw := range s.cfg.Service.Endpoints {
		ep, err := endpoint.Parse(raw)
		if err != nil {
			return err
		}
		if err := router.Bind(ep); err != nil {
			return err
		}
		s.log.Info("listening", slog.String("endpoint", ep.String()), slog.String("domain", ep.Domain().String()))
	}

	s.send = fbsp.NewSendPath(router, mgr, s.log)
	s.send.SuspendSession = func(*fbsp.Session) { s.collector.SessionSuspended("service", "service") }
	s.send.ResumeSession = func(*fbsp.Session) { s.collector.SessionResumed("service", "service") }
	s.send.CancelSession = func(sess *fbsp.Session) {
		if _, suspended := sess.PendingSince(); suspended {
			s.collector.SuspendedSessions.WithLabelValues("service", "service").Dec()
		}
		s.collector.SessionCancelled("service", "resume_timeout")
		s.collector.UnregisterSession("service", "service")
		s.handler.Table.Discard(sess.RoutingID)
	}

	s.handler = fbsp.NewHandler(fbsp.RoleService, fbsp.Hooks{
		OnInvalidGreeting: func(routingID string, err error) {
			s.collector.IncInvalidMessages("service", "service")
			s.log.Warn("invalid greeting", slog.String("routing_id", routingID), slog.String("error", err.Error()))
		},
		OnInvalidMessage: func(routingID string, err error) {
			s.collector.IncInvalidMessages("service", "service")
			s.log.Warn("invalid message", slog.String("routing_id", routingID), slog.String("error", err.Error()))
		},
		OnDispatchError: func(routingID string, err error) {
			s.log.Error("dispatch failed", slog.String("routing_id", routingID), slog.String("error", err.Error()))
		},
		OnSessionEstablished: func(sess *fbsp.Session) {
			s.collector.RegisterSession("service", "service")
			s.log.Info("session established", slog.String("routing_id", sess.RoutingID))
			s.sendWelcome(sess)
		},
		OnSessionClosed: func(sess *fbsp.Session) {
			s.collector.UnregisterSession("service", "service")
			s.log.Info("session closed", slog.String("routing_id", sess.RoutingID))
		},
	}, s.send)

	s.handler.OnTypeData(fbsp.Request, requestKey(apiEcho), s.onEcho)
	s.handler.OnTypeData(fbsp.Request, requestKey(apiRoman), s.onRoman)
	s.handler.SetFallback(s.onUnknown)

	c.OnChannel(router, s.receive)

	return s.initPipes(c)
}

// requestKey packs the echo interface number and an api code into the
// REQUEST type_data used for dispatch.
func requestKey(api uint8) uint16 {
	return uint16(echoInterfaceNumber)<<8 | uint16(api)
}

func (s *echoService) Configure() error {
	s.send.ResumeTimeout = s.cfg.Flow.ResumeTimeout
	return nil
}

func (s *echoService) Validate() error {
	return config.Validate(s.cfg)
}

func (s *echoService) Run(ctx context.Context) error {
	return s.container.Run(ctx)
}

func (s *echoService) Finalize() {
	for _, p := range s.pipes {
		if p.Active() {
			if err := p.CloseOK(); err != nil {
				s.log.Warn("pipe close failed", slog.String("pipe", p.ID), slog.String("error", err.Error()))
			}
		}
	}
}

// receive feeds one ROUTER message into the FBSP handler.
func (s *echoService) receive(frames [][]byte) error {
	routingID := s.router.RoutingID(frames)
	if routingID == "" {
		routingID = fbsp.InternalRoutingID
	} else {
		frames = frames[1:]
	}
	if len(frames) == 0 {
		return fmt.Errorf("empty message from %q", routingID)
	}

	cf, err := fbsp.UnmarshalControlFrame(frames[0])
	if err != nil {
		s.collector.IncInvalidMessages("service", "service")
		s.log.Warn("bad control frame", slog.String("routing_id", routingID), slog.String("error", err.Error()))
		return nil
	}
	s.collector.IncMessagesReceived("service", cf.Type.String())
	s.handler.Receive(routingID, cf, frames[1:])
	return nil
}

// sendWelcome answers a validated HELLO with this service's identity and
// interface list.
func (s *echoService) sendWelcome(sess *fbsp.Session) {
	welcome := fbsp.Envelope{
		Token: sess.Greeting.Token,
		Body: fbsp.WelcomeBody{
			Peer:  fbsp.LocalPeer(),
			Agent: agentDescriptor(s.cfg),
			Interfaces: []fbsp.InterfaceDescriptor{
				{Number: echoInterfaceNumber, UID: echoInterfaceUID},
			},
		},
	}
	if _, err := s.send.Send(sess, welcome, true); err != nil {
		s.log.Error("welcome send failed", slog.String("routing_id", sess.RoutingID), slog.String("error", err.Error()))
		return
	}
	s.collector.IncMessagesSent("service", fbsp.Welcome.String())
}

// onEcho answers a REQUEST with a REPLY carrying the same payload frames.
func (s *echoService) onEcho(sess *fbsp.Session, env fbsp.Envelope) error {
	req := env.Body.(fbsp.RequestBody)
	if err := sess.NoteRequest(env); err != nil {
		return err
	}
	defer sess.RequestDone(env.Token)

	s.remember(req.Payload)
	reply := fbsp.Envelope{Token: env.Token, Body: fbsp.ReplyBody{
		InterfaceNumber: req.InterfaceNumber,
		APICode:         req.APICode,
		Payload:         req.Payload,
	}}
	if _, err := s.send.Send(sess, reply, true); err != nil {
		return err
	}
	s.collector.IncMessagesSent("service", fbsp.Reply.String())
	return nil
}

// onRoman answers a REQUEST whose frames are decimal integers with a REPLY
// carrying their Roman-numeral renderings.
func (s *echoService) onRoman(sess *fbsp.Session, env fbsp.Envelope) error {
	req := env.Body.(fbsp.RequestBody)
	if err := sess.NoteRequest(env); err != nil {
		return err
	}
	defer sess.RequestDone(env.Token)

	out := make([][]byte, 0, len(req.Payload))
	for _, f := range req.Payload {
		n, err := strconv.Atoi(string(f))
		if err != nil || n < 1 || n > 3999 {
			return s.sendError(sess, env, fbsp.ErrCodeBadRequest,
				fmt.Sprintf("not a number in 1..3999: %q", f))
		}
		out = append(out, []byte(roman(n)))
	}

	s.remember(out)
	reply := fbsp.Envelope{Token: env.Token, Body: fbsp.ReplyBody{
		InterfaceNumber: req.InterfaceNumber,
		APICode:         req.APICode,
		Payload:         out,
	}}
	if _, err := s.send.Send(sess, reply, true); err != nil {
		return err
	}
	s.collector.IncMessagesSent("service", fbsp.Reply.String())
	return nil
}

// onUnknown is the dispatch fallback: anything unrecognized is answered
// with ERROR/INVALID_MESSAGE.
func (s *echoService) onUnknown(sess *fbsp.Session, env fbsp.Envelope) error {
	relates := env.Kind()
	if _, ok := env.Body.(fbsp.RequestBody); ok {
		relates = fbsp.Request
	}
	errEnv := fbsp.Envelope{Token: env.Token, Body: fbsp.ErrorBody{
		ErrorCode: uint16(fbsp.ErrCodeInvalidMessage),
		RelatesTo: relates,
		Descriptions: []fbsp.ErrorDescription{
			{Code: uint16(fbsp.ErrCodeInvalidMessage), Description: "unsupported message or api code"},
		},
	}}
	if _, err := s.send.Send(sess, errEnv, true); err != nil {
		return err
	}
	s.collector.IncMessagesSent("service", fbsp.Error.String())
	return nil
}

func (s *echoService) sendError(sess *fbsp.Session, env fbsp.Envelope, code fbsp.ErrorCode, desc string) error {
	errEnv := fbsp.Envelope{Token: env.Token, Body: fbsp.ErrorBody{
		ErrorCode: uint16(code),
		RelatesTo: fbsp.Request,
		Descriptions: []fbsp.ErrorDescription{
			{Code: uint16(code), Description: desc},
		},
	}}
	if _, err := s.send.Send(sess, errEnv, true); err != nil {
		return err
	}
	s.collector.IncMessagesSent("service", fbsp.Error.String())
	return nil
}

// remember appends frames to the ring feeding the monitor pipe.
func (s *echoService) remember(frames [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range frames {
		s.recent = append(s.recent, f)
	}
	if over := len(s.recent) - recentLimit; over > 0 {
		s.recent = s.recent[over:]
	}
}

// nextRecent pops the oldest remembered payload; fbdp.ErrNoData when the
// ring is empty.
func (s *echoService) nextRecent() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recent) == 0 {
		return nil, fbdp.ErrNoData
	}
	f := s.recent[0]
	s.recent = s.recent[1:]
	return f, nil
}

// initPipes opens one channel per configured data pipe and wires the pipe
// engine into the container loop.
func (s *echoService) initPipes(c *service.Container) error {
	mgr := c.Manager()

	for _, pc := range s.cfg.Pipes {
		ep, err := endpoint.Parse(pc.Endpoint)
		if err != nil {
			return err
		}

		chn, err := mgr.OpenChannel("pipe-"+pc.ID, transport.KindDealer, transport.DirBoth)
		if err != nil {
			return err
		}
		chn.SetSendTimeout(0)

		pipe := s.newPipe(pc, chn, mgr)
		if pc.Mode == "bind" {
			if err := chn.Bind(ep); err != nil {
				return err
			}
		} else {
			if err := chn.Connect(ep); err != nil {
				return err
			}
			if err := pipe.Open(); err != nil {
				return err
			}
		}

		c.OnChannel(chn, func(frames [][]byte) error { return pipe.Receive(frames) })
		s.pipes = append(s.pipes, pipe)
		s.log.Info("data pipe ready",
			slog.String("pipe", pc.ID),
			slog.String("stream", pc.Stream),
			slog.String("mode", pc.Mode),
			slog.String("endpoint", ep.String()),
		)
	}
	return nil
}

// newPipe builds the pipe engine for one config entry. Output pipes
// produce from the echo ring; input pipes consume into the log.
func (s *echoService) newPipe(pc config.PipeConfig, chn *transport.Channel, mgr *transport.Manager) *fbdp.Pipe {
	pipe := fbdp.NewPipe(chn, mgr, s.log, fbdp.Callbacks{
		OnAcceptClient: func(open fbdp.OpenBody) (uint16, error) {
			if open.DataPipeID != pc.ID {
				return 0, fbdp.CloseWith(fbdp.CodePipeEndpointUnavailable,
					"unknown data pipe "+open.DataPipeID)
			}
			return s.pipeBatch(pc), nil
		},
		OnProduceData: s.nextRecent,
		OnAcceptData: func(data []byte) error {
			s.log.Info("pipe data", slog.String("pipe", pc.ID), slog.Int("bytes", len(data)))
			return nil
		},
		OnPipeClosed: func(code fbdp.ErrorCode) {
			s.collector.SetPipeVoucher(pc.ID, 0)
			s.log.Info("pipe closed", slog.String("pipe", pc.ID), slog.String("code", code.String()))
		},
	})
	pipe.ID = pc.ID
	pipe.DataFormat = pc.Format
	pipe.BindPeer = pc.Mode == "bind"
	pipe.BatchSize = s.pipeBatch(pc)

	switch pc.Stream {
	case "output":
		pipe.Stream = fbdp.StreamOutput
		pipe.Role = fbdp.RoleProducer
	case "monitor":
		pipe.Stream = fbdp.StreamMonitor
		pipe.Role = fbdp.RoleProducer
	default:
		pipe.Stream = fbdp.StreamInput
		pipe.Role = fbdp.RoleConsumer
	}
	return pipe
}

func (s *echoService) pipeBatch(pc config.PipeConfig) uint16 {
	if pc.BatchSize != 0 {
		return pc.BatchSize
	}
	return s.cfg.Flow.BatchSize
}

// roman renders n (1..3999) in Roman numerals.
func roman(n int) string {
	values := []int{1000, 900, 500, 400, 100, 90, 50, 40, 10, 9, 5, 4, 1}
	symbols := []string{"M", "CM", "D", "CD", "C", "XC", "L", "XL", "X", "IX", "V", "IV", "I"}

	var out []byte
	for i, v := range values {
		for n >= v {
			out = append(out, symbols[i]...)
			n -= v
		}
	}
	return string(out)
}
