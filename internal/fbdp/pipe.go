package fbdp

import (
	"errors"
	"fmt"
	"log/slog"
)

// PipeState is the per-pipe state machine. Closed is reachable
// from every state on CLOSE or a fatal error.
type PipeState uint8

const (
	StateUnknown PipeState = iota
	StateOpen
	StateReady
	StateTransmitting
	StateClosed
)

func (s PipeState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	case StateTransmitting:
		return "transmitting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role distinguishes the peer that sends DATA from the peer that grants
// vouchers via READY. Either side may be the bind or connect peer
// independently of role.
type Role uint8

const (
	RoleProducer Role = iota + 1
	RoleConsumer
)

func (r Role) String() string {
	if r == RoleProducer {
		return "producer"
	}
	return "consumer"
}

// Sentinel errors used by the pipe engine and its data-source callbacks.
var (
	// ErrStop signals a clean end of data from a producer's source; the
	// pipe is closed with CodeOK.
	ErrStop = errors.New("end of data")

	// ErrNoData signals that the producer's source has nothing available
	// right now; the batch is rescheduled on the deferred queue rather
	// than blocking.
	ErrNoData = errors.New("no data available")

	// ErrPipeClosed indicates an operation on a pipe already in
	// StateClosed.
	ErrPipeClosed = errors.New("pipe is closed")

	// ErrNoVoucher indicates a consumer received DATA after the batch
	// voucher it granted was used up.
	ErrNoVoucher = errors.New("transmit voucher exhausted")
)

// stopError pairs ErrStop-style early termination with the CLOSE code the
// peer should see. OnAcceptClient callbacks return it (via CloseWith) to
// reject an OPEN with a specific code.
type stopError struct {
	code ErrorCode
	msg  string
}

func (e *stopError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.msg) }

// CloseWith builds an error that, when returned from OnAcceptClient,
// rejects the OPEN and closes the pipe with the given code. Errors from the
// data hooks are not inspected for it.
func CloseWith(code ErrorCode, msg string) error {
	return &stopError{code: code, msg: msg}
}

// sender is the subset of *transport.Channel the pipe engine needs.
type sender interface {
	Send(frames [][]byte) error
}

// deferrer is the subset of *transport.Manager the engine uses to
// reschedule a stalled batch.
type deferrer interface {
	Defer(fn func())
}

// Callbacks are the application hooks a Pipe drives. All are optional
// except the role-appropriate data hook: a producer needs OnProduceData, a
// consumer needs OnAcceptData.
type Callbacks struct {
	// OnAcceptClient runs on the bind peer when an OPEN arrives. It
	// validates the requested (pipe, stream, format) and returns the
	// initial batch voucher. Return CloseWith(CodePipeEndpointUnavailable,
	// ...) or CloseWith(CodeDataFormatNotSupported, ...) to reject.
	OnAcceptClient func(open OpenBody) (uint16, error)

	// OnServerReady runs on the connect peer for every READY that
	// arrives; the return value caps the granted voucher. Zero means
	// accept the grant as-is.
	OnServerReady func(batchSize uint16) uint16

	// OnProduceData returns the next DATA payload. ErrNoData defers the
	// batch; ErrStop closes the pipe with CodeOK; any other error closes
	// it with CodeInvalidData.
	OnProduceData func() ([]byte, error)

	// OnAcceptData consumes one received DATA payload. An error closes
	// the pipe with CodeInvalidData.
	OnAcceptData func(data []byte) error

	// OnPipeClosed runs once when the pipe reaches StateClosed, with the
	// code the CLOSE carried (CodeOK for a local normal close).
	OnPipeClosed func(code ErrorCode)
}

// Pipe drives one end of an FBDP data pipe over a single-peer channel
// (DEALER or PAIR): the handshake, the batch-voucher flow control and the
// deferred-batch backpressure.
type Pipe struct {
	log *slog.Logger
	chn sender
	mgr deferrer

	// ID, Stream and DataFormat describe the pipe endpoint this engine
	// serves (bind peer) or requests (connect peer).
	ID         string
	Stream     PipeStream
	DataFormat string

	// Role selects the data direction; BindPeer selects which greeting
	// rules apply. BatchSize is the voucher granted per READY when this
	// pipe is the consumer.
	Role      Role
	BindPeer  bool
	BatchSize uint16

	// Handle tags outgoing DATA frames; the wire format requires it to be
	// non-zero when a payload is present.
	Handle uint16

	callbacks Callbacks

	state     PipeState
	active    bool
	format    OpenBody // negotiated format, set on OPEN accept / send
	transmit  uint16   // producer: remaining transmit voucher
	remaining uint16   // consumer: DATA messages left before a new READY is due
	closeCode ErrorCode
}

// NewPipe builds a Pipe over chn, scheduling deferred batches through mgr.
func NewPipe(chn sender, mgr deferrer, log *slog.Logger, cb Callbacks) *Pipe {
	if log == nil {
		log = slog.Default()
	}
	return &Pipe{
		log:       log,
		chn:       chn,
		mgr:       mgr,
		BatchSize: 50,
		Handle:    1,
		callbacks: cb,
		state:     StateUnknown,
	}
}

// State returns the pipe's current state.
func (p *Pipe) State() PipeState { return p.state }

// Active reports whether the pipe handshake completed and the pipe has not
// yet closed.
func (p *Pipe) Active() bool { return p.active }

// Transmit returns the producer's remaining voucher.
func (p *Pipe) Transmit() uint16 { return p.transmit }

// CloseCode returns the code the pipe closed with; meaningful only in
// StateClosed.
func (p *Pipe) CloseCode() ErrorCode { return p.closeCode }

// NegotiatedFormat returns the OPEN record the handshake settled on,
// including the parsed MIME type and parameters.
func (p *Pipe) NegotiatedFormat() OpenBody { return p.format }

// Open starts the handshake from the connect peer: it sends OPEN for the
// pipe's (ID, Stream, DataFormat) and moves to StateOpen awaiting READY or
// CLOSE.
func (p *Pipe) Open() error {
	if p.state == StateClosed {
		return fmt.Errorf("pipe %q: %w", p.ID, ErrPipeClosed)
	}
	open, err := NewOpen(p.ID, p.Stream, p.DataFormat)
	if err != nil {
		return err
	}
	if err := p.send(open); err != nil {
		return fmt.Errorf("pipe %q: send OPEN: %w", p.ID, err)
	}
	p.format = open
	p.state = StateOpen
	return nil
}

// CloseOK terminates the pipe normally from the local side.
func (p *Pipe) CloseOK() error { return p.closeWith(CodeOK) }

// Receive validates and dispatches one incoming multi-frame message. It is
// the entry point the owning service calls when the pipe's channel polls
// readable.
func (p *Pipe) Receive(frames [][]byte) error {
	if p.state == StateClosed {
		return fmt.Errorf("pipe %q: %w", p.ID, ErrPipeClosed)
	}
	if len(frames) == 0 {
		return fmt.Errorf("pipe %q: empty message: %w", p.ID, ErrPayloadShape)
	}
	cf, err := UnmarshalControlFrame(frames[0])
	if err != nil {
		return fmt.Errorf("pipe %q: %w", p.ID, err)
	}

	greeting := p.state == StateUnknown || p.state == StateOpen
	// The greeting arriving at the bind peer is the connect peer's OPEN;
	// the greeting arriving at the connect peer is the bind peer's READY
	// or CLOSE.
	msg, err := Validate(cf, frames[1:], !p.BindPeer, greeting)
	if err != nil {
		return fmt.Errorf("pipe %q: %w", p.ID, err)
	}

	switch m := msg.(type) {
	case OpenBody:
		return p.onOpen(m)
	case ReadyBody:
		return p.onReady(m)
	case DataBody:
		return p.onData(m)
	case CloseBody:
		p.markClosed(m.Code)
		return nil
	default:
		return fmt.Errorf("pipe %q: %s: %w", p.ID, cf.Type, ErrUnknownMsgType)
	}
}

// onOpen runs on the bind peer: it validates the client's request via
// OnAcceptClient and answers READY with the initial voucher, or CLOSE with
// the rejection code.
func (p *Pipe) onOpen(open OpenBody) error {
	voucher := p.BatchSize
	if p.callbacks.OnAcceptClient != nil {
		v, err := p.callbacks.OnAcceptClient(open)
		if err != nil {
			code := CodePipeEndpointUnavailable
			var stop *stopError
			if errors.As(err, &stop) {
				code = stop.code
			}
			if cerr := p.closeWith(code); cerr != nil {
				return cerr
			}
			return nil
		}
		voucher = v
	}

	p.format = open
	p.active = true
	if p.Role == RoleConsumer {
		return p.grantVoucher(voucher)
	}
	// A bind-peer producer acknowledges the OPEN and waits for the
	// consumer's READY before transmitting.
	p.state = StateReady
	return p.send(ReadyBody{BatchSize: voucher})
}

// onReady completes the handshake on the connect peer and drives flow
// control. A producer loads the transmit voucher and starts a batch; a
// consumer answers the producer's readiness with its own grant, capped by
// OnServerReady on the connect side.
func (p *Pipe) onReady(ready ReadyBody) error {
	if !p.active {
		p.active = true
	}
	voucher := ready.BatchSize
	if !p.BindPeer && p.callbacks.OnServerReady != nil {
		if capped := p.callbacks.OnServerReady(voucher); capped != 0 && capped < voucher {
			voucher = capped
		}
	}

	if p.Role == RoleProducer {
		if voucher == 0 {
			// Voucher 0 pauses the stream until the peer grants again.
			p.state = StateReady
			return nil
		}
		p.transmit = voucher
		p.state = StateTransmitting
		p.batchStart()
		return nil
	}

	// Consumer: the peer's READY signals producer readiness. Answer with a
	// grant unless one is still outstanding.
	if p.remaining == 0 {
		grant := p.BatchSize
		if voucher < grant {
			grant = voucher
		}
		return p.grantVoucher(grant)
	}
	p.state = StateReady
	return nil
}

// Grant re-arms the consumer's receive budget with an explicit voucher,
// resuming a stream paused with READY(0).
func (p *Pipe) Grant(n uint16) error {
	if p.state == StateClosed {
		return fmt.Errorf("pipe %q: %w", p.ID, ErrPipeClosed)
	}
	return p.grantVoucher(n)
}

// onData runs on the consumer: it hands the payload to OnAcceptData,
// tracks the outstanding grant, and issues a fresh READY once the granted
// batch is fully received.
func (p *Pipe) onData(data DataBody) error {
	if p.Role != RoleProducer {
		if p.remaining == 0 {
			// Peer sent more DATA than the last voucher authorized.
			if err := p.closeWith(CodeProtocolViolation); err != nil {
				return err
			}
			return fmt.Errorf("pipe %q: %w", p.ID, ErrNoVoucher)
		}
		p.remaining--
		if p.callbacks.OnAcceptData != nil {
			if err := p.callbacks.OnAcceptData(data.Payload); err != nil {
				if cerr := p.closeWith(CodeInvalidData); cerr != nil {
					return cerr
				}
				return fmt.Errorf("pipe %q: accept data: %w", p.ID, err)
			}
		}
		if p.remaining == 0 {
			return p.grantVoucher(p.BatchSize)
		}
		return nil
	}
	// A producer receiving DATA is a protocol violation.
	if err := p.closeWith(CodeProtocolViolation); err != nil {
		return err
	}
	return fmt.Errorf("pipe %q: DATA received by producer: %w", p.ID, ErrPayloadShape)
}

// grantVoucher sends READY(n) and arms the consumer's receive budget.
func (p *Pipe) grantVoucher(n uint16) error {
	p.remaining = n
	p.state = StateReady
	if err := p.send(ReadyBody{BatchSize: n}); err != nil {
		return fmt.Errorf("pipe %q: send READY: %w", p.ID, err)
	}
	return nil
}

// batchStart drains the transmit voucher, one OnProduceData call per DATA
// sent. When the source reports ErrNoData the batch is rescheduled on the
// deferred queue, applying backpressure without blocking. The voucher
// strictly bounds the number of DATA messages sent.
func (p *Pipe) batchStart() {
	for p.transmit > 0 && p.state == StateTransmitting {
		data, err := p.callbacks.OnProduceData()
		switch {
		case err == nil:
		case errors.Is(err, ErrNoData):
			p.mgr.Defer(p.batchStart)
			return
		case errors.Is(err, ErrStop):
			if cerr := p.closeWith(CodeOK); cerr != nil {
				p.log.Error("pipe close after end of data failed", "pipe", p.ID, "error", cerr)
			}
			return
		default:
			p.log.Warn("data source failed, closing pipe", "pipe", p.ID, "error", err)
			if cerr := p.closeWith(CodeInvalidData); cerr != nil {
				p.log.Error("pipe close after data error failed", "pipe", p.ID, "error", cerr)
			}
			return
		}

		p.transmit--
		if err := p.send(DataBody{Handle: p.Handle, Payload: data}); err != nil {
			p.log.Warn("DATA send failed, closing pipe", "pipe", p.ID, "error", err)
			if cerr := p.closeWith(CodeInternalError); cerr != nil {
				p.log.Error("pipe close after send error failed", "pipe", p.ID, "error", cerr)
			}
			return
		}
	}
	if p.state == StateTransmitting {
		// Voucher exhausted: stop and wait for the peer's next READY.
		p.state = StateReady
	}
}

// closeWith emits CLOSE(code) and moves the pipe to StateClosed.
func (p *Pipe) closeWith(code ErrorCode) error {
	if p.state == StateClosed {
		return nil
	}
	err := p.send(CloseBody{Code: code})
	p.markClosed(code)
	if err != nil {
		return fmt.Errorf("pipe %q: send CLOSE: %w", p.ID, err)
	}
	return nil
}

func (p *Pipe) markClosed(code ErrorCode) {
	if p.state == StateClosed {
		return
	}
	p.state = StateClosed
	p.active = false
	p.closeCode = code
	if p.callbacks.OnPipeClosed != nil {
		p.callbacks.OnPipeClosed(code)
	}
}

func (p *Pipe) send(msg Message) error {
	cf, payload, err := Encode(msg)
	if err != nil {
		return err
	}
	buf := make([]byte, HeaderSize)
	if _, err := MarshalControlFrame(cf, buf); err != nil {
		return err
	}
	frames := make([][]byte, 0, 1+len(payload))
	frames = append(frames, buf)
	frames = append(frames, payload...)
	return p.chn.Send(frames)
}
