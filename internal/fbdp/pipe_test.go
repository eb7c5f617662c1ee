package fbdp

import (
	"errors"
	"fmt"
	"testing"
)

// wireLog captures every multipart message the pipe sends.
type wireLog struct {
	sent [][][]byte
}

func (w *wireLog) Send(frames [][]byte) error {
	w.sent = append(w.sent, frames)
	return nil
}

// decodeSent decodes message i of the wire log.
func (w *wireLog) decodeSent(t *testing.T, i int) Message {
	t.Helper()
	if i >= len(w.sent) {
		t.Fatalf("wire log has %d messages, wanted index %d", len(w.sent), i)
	}
	frames := w.sent[i]
	cf, err := UnmarshalControlFrame(frames[0])
	if err != nil {
		t.Fatalf("sent message %d: %v", i, err)
	}
	msg, err := Decode(cf, frames[1:])
	if err != nil {
		t.Fatalf("sent message %d: %v", i, err)
	}
	return msg
}

// fakeDeferrer collects deferred callbacks for explicit draining, standing
// in for the channel manager's deferred queue.
type fakeDeferrer struct {
	tasks []func()
}

func (d *fakeDeferrer) Defer(fn func()) { d.tasks = append(d.tasks, fn) }

func (d *fakeDeferrer) drain() {
	for len(d.tasks) > 0 {
		fn := d.tasks[0]
		d.tasks = d.tasks[1:]
		fn()
	}
}

// deliver encodes msg and feeds it to the pipe as a received message.
func deliver(t *testing.T, p *Pipe, msg Message) error {
	t.Helper()
	cf, payload, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode(%+v): %v", msg, err)
	}
	buf := make([]byte, HeaderSize)
	if _, err := MarshalControlFrame(cf, buf); err != nil {
		t.Fatalf("MarshalControlFrame: %v", err)
	}
	frames := append([][]byte{buf}, payload...)
	return p.Receive(frames)
}

func newProducerPipe(wire *wireLog, def *fakeDeferrer, produce func() ([]byte, error)) *Pipe {
	p := NewPipe(wire, def, nil, Callbacks{OnProduceData: produce})
	p.ID = "feed"
	p.Stream = StreamOutput
	p.DataFormat = "text/plain"
	p.Role = RoleProducer
	return p
}

func TestProducerHonorsBatchVoucher(t *testing.T) {
	wire := &wireLog{}
	def := &fakeDeferrer{}

	produced := 0
	p := newProducerPipe(wire, def, func() ([]byte, error) {
		produced++
		return fmt.Appendf(nil, "item-%d", produced), nil
	})

	if err := p.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p.State() != StateOpen {
		t.Fatalf("state after Open = %s, want open", p.State())
	}

	if err := deliver(t, p, ReadyBody{BatchSize: 3}); err != nil {
		t.Fatalf("deliver READY: %v", err)
	}

	// OPEN + exactly 3 DATA, then the producer stops and waits.
	if len(wire.sent) != 4 {
		t.Fatalf("sent %d messages, want 4 (OPEN + 3 DATA)", len(wire.sent))
	}
	for i := 1; i <= 3; i++ {
		data, ok := wire.decodeSent(t, i).(DataBody)
		if !ok {
			t.Fatalf("sent message %d is not DATA", i)
		}
		if want := fmt.Sprintf("item-%d", i); string(data.Payload) != want {
			t.Fatalf("DATA %d payload = %q, want %q", i, data.Payload, want)
		}
	}
	if p.State() != StateReady {
		t.Fatalf("state after voucher exhausted = %s, want ready", p.State())
	}
	if produced != 3 {
		t.Fatalf("produced %d items, want 3", produced)
	}

	// A fresh voucher resumes transmission.
	if err := deliver(t, p, ReadyBody{BatchSize: 2}); err != nil {
		t.Fatalf("deliver second READY: %v", err)
	}
	if len(wire.sent) != 6 {
		t.Fatalf("sent %d messages after second voucher, want 6", len(wire.sent))
	}
}

func TestProducerDefersWhenNoData(t *testing.T) {
	wire := &wireLog{}
	def := &fakeDeferrer{}

	available := false
	p := newProducerPipe(wire, def, func() ([]byte, error) {
		if !available {
			return nil, ErrNoData
		}
		return []byte("late"), nil
	})

	if err := p.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := deliver(t, p, ReadyBody{BatchSize: 1}); err != nil {
		t.Fatalf("deliver READY: %v", err)
	}

	// Nothing available: the batch must be rescheduled, not transmitted.
	if len(wire.sent) != 1 {
		t.Fatalf("sent %d messages, want only OPEN", len(wire.sent))
	}
	if len(def.tasks) != 1 {
		t.Fatalf("deferred %d tasks, want 1", len(def.tasks))
	}

	available = true
	def.drain()
	if len(wire.sent) != 2 {
		t.Fatalf("sent %d messages after drain, want 2", len(wire.sent))
	}
	if _, ok := wire.decodeSent(t, 1).(DataBody); !ok {
		t.Fatalf("deferred batch did not send DATA")
	}
}

func TestProducerClosesOKOnStop(t *testing.T) {
	wire := &wireLog{}
	def := &fakeDeferrer{}
	p := newProducerPipe(wire, def, func() ([]byte, error) { return nil, ErrStop })

	if err := p.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := deliver(t, p, ReadyBody{BatchSize: 5}); err != nil {
		t.Fatalf("deliver READY: %v", err)
	}

	cls, ok := wire.decodeSent(t, 1).(CloseBody)
	if !ok {
		t.Fatalf("expected CLOSE after end of data")
	}
	if cls.Code != CodeOK {
		t.Fatalf("CLOSE code = %s, want OK", cls.Code)
	}
	if p.State() != StateClosed {
		t.Fatalf("state = %s, want closed", p.State())
	}
}

func TestProducerClosesInvalidDataOnSourceError(t *testing.T) {
	wire := &wireLog{}
	def := &fakeDeferrer{}
	p := newProducerPipe(wire, def, func() ([]byte, error) {
		return nil, errors.New("corrupt record")
	})

	if err := p.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := deliver(t, p, ReadyBody{BatchSize: 5}); err != nil {
		t.Fatalf("deliver READY: %v", err)
	}

	cls, ok := wire.decodeSent(t, 1).(CloseBody)
	if !ok {
		t.Fatalf("expected CLOSE after source error")
	}
	if cls.Code != CodeInvalidData {
		t.Fatalf("CLOSE code = %s, want INVALID_DATA", cls.Code)
	}
}

func newConsumerPipe(wire *wireLog, def *fakeDeferrer, cb Callbacks) *Pipe {
	p := NewPipe(wire, def, nil, cb)
	p.ID = "feed"
	p.Stream = StreamInput
	p.DataFormat = "text/plain"
	p.Role = RoleConsumer
	p.BindPeer = true
	p.BatchSize = 2
	return p
}

func TestConsumerGrantsVoucherOnOpen(t *testing.T) {
	wire := &wireLog{}
	def := &fakeDeferrer{}

	var got [][]byte
	p := newConsumerPipe(wire, def, Callbacks{
		OnAcceptData: func(data []byte) error {
			got = append(got, data)
			return nil
		},
	})

	open, _ := NewOpen("feed", StreamInput, "text/plain")
	if err := deliver(t, p, open); err != nil {
		t.Fatalf("deliver OPEN: %v", err)
	}

	ready, ok := wire.decodeSent(t, 0).(ReadyBody)
	if !ok {
		t.Fatalf("expected READY after OPEN")
	}
	if ready.BatchSize != 2 {
		t.Fatalf("initial voucher = %d, want 2", ready.BatchSize)
	}
	if !p.Active() {
		t.Fatalf("pipe not active after accepted OPEN")
	}

	// Consume the granted batch; a new READY must follow the last DATA.
	for i := range 2 {
		if err := deliver(t, p, DataBody{Handle: 1, Payload: fmt.Appendf(nil, "d%d", i)}); err != nil {
			t.Fatalf("deliver DATA %d: %v", i, err)
		}
	}
	if len(got) != 2 {
		t.Fatalf("accepted %d payloads, want 2", len(got))
	}
	if _, ok := wire.decodeSent(t, 1).(ReadyBody); !ok {
		t.Fatalf("expected fresh READY after batch fully received")
	}
}

func TestConsumerRejectsOpenWithCode(t *testing.T) {
	wire := &wireLog{}
	def := &fakeDeferrer{}
	p := newConsumerPipe(wire, def, Callbacks{
		OnAcceptClient: func(open OpenBody) (uint16, error) {
			return 0, CloseWith(CodeDataFormatNotSupported, "only text/plain")
		},
	})

	open, _ := NewOpen("feed", StreamInput, "application/octet-stream")
	if err := deliver(t, p, open); err != nil {
		t.Fatalf("deliver OPEN: %v", err)
	}

	cls, ok := wire.decodeSent(t, 0).(CloseBody)
	if !ok {
		t.Fatalf("expected CLOSE after rejected OPEN")
	}
	if cls.Code != CodeDataFormatNotSupported {
		t.Fatalf("CLOSE code = %s, want DATA_FORMAT_NOT_SUPPORTED", cls.Code)
	}
	if p.State() != StateClosed {
		t.Fatalf("state = %s, want closed", p.State())
	}
}

func TestConsumerClosesOnVoucherOverrun(t *testing.T) {
	wire := &wireLog{}
	def := &fakeDeferrer{}
	p := newConsumerPipe(wire, def, Callbacks{
		OnAcceptClient: func(OpenBody) (uint16, error) { return 1, nil },
	})

	open, _ := NewOpen("feed", StreamInput, "text/plain")
	if err := deliver(t, p, open); err != nil {
		t.Fatalf("deliver OPEN: %v", err)
	}
	if err := deliver(t, p, DataBody{Handle: 1, Payload: []byte("ok")}); err != nil {
		t.Fatalf("deliver DATA within voucher: %v", err)
	}

	// The grant renews automatically after a full batch; consume one DATA
	// of the renewed voucher, zero what is left of it, then overrun.
	if err := deliver(t, p, DataBody{Handle: 1, Payload: []byte("ok2")}); err != nil {
		t.Fatalf("deliver DATA within renewed voucher: %v", err)
	}
	p.remaining = 0
	err := deliver(t, p, DataBody{Handle: 1, Payload: []byte("overrun")})
	if !errors.Is(err, ErrNoVoucher) {
		t.Fatalf("expected ErrNoVoucher, got %v", err)
	}

	last := wire.decodeSent(t, len(wire.sent)-1)
	cls, ok := last.(CloseBody)
	if !ok {
		t.Fatalf("expected CLOSE after voucher overrun")
	}
	if cls.Code != CodeProtocolViolation {
		t.Fatalf("CLOSE code = %s, want PROTOCOL_VIOLATION", cls.Code)
	}
}

func TestConnectConsumerAnswersProducerReady(t *testing.T) {
	wire := &wireLog{}
	def := &fakeDeferrer{}
	p := NewPipe(wire, def, nil, Callbacks{
		OnServerReady: func(batch uint16) uint16 { return 3 },
	})
	p.ID = "feed"
	p.Stream = StreamInput
	p.DataFormat = "text/plain"
	p.Role = RoleConsumer
	p.BatchSize = 10

	if err := p.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := deliver(t, p, ReadyBody{BatchSize: 8}); err != nil {
		t.Fatalf("deliver READY: %v", err)
	}

	grant, ok := wire.decodeSent(t, 1).(ReadyBody)
	if !ok {
		t.Fatalf("expected READY grant from consumer")
	}
	if grant.BatchSize != 3 {
		t.Fatalf("grant = %d, want 3 (capped by OnServerReady)", grant.BatchSize)
	}
}
