package transport

import (
	"errors"
	"sync"
	"testing"

	"github.com/firebird-butler/fbsp-go/internal/endpoint"
)

// fakeSocket is an in-memory rawSocket used for unit tests that exercise
// Channel/Manager bookkeeping without opening real sockets. It does not
// implement rawPollable, so channels built from it are never added to a
// real poll set.
type fakeSocket struct {
	mu        sync.Mutex
	bound     []string
	connected []string
	outbox    [][][]byte
	inbox     [][][]byte
	sendErr   error
	destroyed bool
}

func (f *fakeSocket) Bind(ep string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = append(f.bound, ep)
	return ep, nil
}

func (f *fakeSocket) Connect(ep string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, ep)
	return nil
}

func (f *fakeSocket) Disconnect(string) error { return nil }
func (f *fakeSocket) Unbind(string) error     { return nil }
func (f *fakeSocket) SetSndtimeo(int)         {}

func (f *fakeSocket) SendMessage(frames [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.outbox = append(f.outbox, frames)
	return nil
}

func (f *fakeSocket) RecvMessage() ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return nil, errors.New("fakeSocket: empty inbox")
	}
	msg := f.inbox[0]
	f.inbox = f.inbox[1:]
	return msg, nil
}

func (f *fakeSocket) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
}

func fakeFactory() (socketFactory, *fakeSocket) {
	s := &fakeSocket{}
	return func(SocketKind) (rawSocket, error) { return s, nil }, s
}

func mustEndpoint(t *testing.T, s string) endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.Parse(s)
	if err != nil {
		t.Fatalf("endpoint.Parse(%q): %v", s, err)
	}
	return ep
}

func TestManagerOpenChannelAssignsIncreasingIDs(t *testing.T) {
	factory, _ := fakeFactory()
	m := NewManager(nil, factory)

	a, err := m.OpenChannel("a", KindDealer, DirBoth)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	b, err := m.OpenChannel("b", KindPush, DirOut)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatalf("expected distinct ids, got %d and %d", a.ID(), b.ID())
	}
	if _, err := m.Channel(a.ID()); err != nil {
		t.Fatalf("Channel(%d): %v", a.ID(), err)
	}
}

func TestManagerChannelNotFound(t *testing.T) {
	factory, _ := fakeFactory()
	m := NewManager(nil, factory)
	if _, err := m.Channel(99); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestChannelBindThenConnectConflicts(t *testing.T) {
	factory, _ := fakeFactory()
	m := NewManager(nil, factory)
	ch, err := m.OpenChannel("c", KindRouter, DirBoth)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if err := ch.Bind(mustEndpoint(t, "tcp://*:9000")); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := ch.Connect(mustEndpoint(t, "tcp://10.0.0.1:9000")); !errors.Is(err, ErrModeConflict) {
		t.Fatalf("expected ErrModeConflict, got %v", err)
	}
}

func TestChannelPairSingleEndpoint(t *testing.T) {
	factory, _ := fakeFactory()
	m := NewManager(nil, factory)
	ch, err := m.OpenChannel("p", KindPair, DirBoth)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if err := ch.Connect(mustEndpoint(t, "inproc://worker-1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.Connect(mustEndpoint(t, "inproc://worker-2")); !errors.Is(err, ErrPairSingleEndpoint) {
		t.Fatalf("expected ErrPairSingleEndpoint, got %v", err)
	}
}

func TestChannelSendAfterCloseFails(t *testing.T) {
	factory, _ := fakeFactory()
	m := NewManager(nil, factory)
	ch, err := m.OpenChannel("c", KindDealer, DirBoth)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if err := m.CloseChannel(ch.ID()); err != nil {
		t.Fatalf("CloseChannel: %v", err)
	}
	if err := ch.Send([][]byte{[]byte("hi")}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestChannelSendClassifiesWouldBlock(t *testing.T) {
	factory, sock := fakeFactory()
	m := NewManager(nil, factory)
	ch, err := m.OpenChannel("c", KindDealer, DirOut)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	sock.sendErr = errors.New("Resource temporarily unavailable")
	if err := ch.Send([][]byte{[]byte("x")}); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestDeferredQueueDrainsOnce(t *testing.T) {
	factory, _ := fakeFactory()
	m := NewManager(nil, factory)

	var calls int
	m.Defer(func() { calls++ })
	m.Defer(func() { calls++ })
	if !m.HasDeferred() {
		t.Fatal("expected HasDeferred true before ProcessDeferred")
	}
	m.ProcessDeferred()
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if m.HasDeferred() {
		t.Fatal("expected HasDeferred false after ProcessDeferred")
	}
}

func TestProcessOneDeferredRunsFIFO(t *testing.T) {
	factory, _ := fakeFactory()
	m := NewManager(nil, factory)

	var order []int
	m.Defer(func() { order = append(order, 1) })
	m.Defer(func() { order = append(order, 2) })

	if !m.ProcessOneDeferred() {
		t.Fatal("expected a deferred task to run")
	}
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("order = %v, want [1]", order)
	}
	if !m.ProcessOneDeferred() {
		t.Fatal("expected the second deferred task to run")
	}
	if m.ProcessOneDeferred() {
		t.Fatal("expected no further deferred tasks")
	}
	if len(order) != 2 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestRoutingIDOnlyForRouter(t *testing.T) {
	factory, _ := fakeFactory()
	m := NewManager(nil, factory)

	router, err := m.OpenChannel("r", KindRouter, DirBoth)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if got := router.RoutingID([][]byte{[]byte("peer-1"), []byte("body")}); got != "peer-1" {
		t.Fatalf("RoutingID = %q, want %q", got, "peer-1")
	}

	dealer, err := m.OpenChannel("d", KindDealer, DirBoth)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if got := dealer.RoutingID([][]byte{[]byte("peer-1"), []byte("body")}); got != "" {
		t.Fatalf("RoutingID on dealer = %q, want empty", got)
	}
}
