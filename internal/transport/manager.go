package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	czmq "github.com/zeromq/goczmq"
)

// rawPollable is implemented by socket adapters that can be registered with
// the real CZMQ poller. The in-memory fake used in tests does not
// implement it, so channels built from a fake factory simply never surface
// from Poll — tests drive them directly through Send/Recv instead.
type rawPollable interface {
	Raw() *czmq.Sock
}

// Manager owns a table of Channels, their shared poll set, and the
// deferred-callback FIFO. One Manager backs one service container
// (internal/service).
type Manager struct {
	log     *slog.Logger
	factory socketFactory

	mu       sync.Mutex
	channels map[int]*Channel
	nextID   int

	poller   *czmq.Poller
	byRawPtr map[*czmq.Sock]int

	deferred deferredQueue
}

// NewManager constructs an empty Manager. Pass nil for factory to use the
// real CZMQ-backed sockets.
func NewManager(log *slog.Logger, factory socketFactory) *Manager {
	if factory == nil {
		factory = newCzmqSocket
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		factory:  factory,
		channels: make(map[int]*Channel),
		byRawPtr: make(map[*czmq.Sock]int),
	}
}

// OpenChannel creates a new Channel of the given kind/direction, registers
// it in the channel table, and adds it to the poll set when its socket
// supports polling.
func (m *Manager) OpenChannel(name string, kind SocketKind, dir Direction) (*Channel, error) {
	sock, err := m.factory(kind)
	if err != nil {
		return nil, fmt.Errorf("transport: open channel %q: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	ch := newChannel(id, name, kind, dir, sock)
	m.channels[id] = ch

	if p, ok := sock.(rawPollable); ok {
		raw := p.Raw()
		if m.poller == nil {
			poller, perr := czmq.NewPoller(raw)
			if perr != nil {
				delete(m.channels, id)
				return nil, fmt.Errorf("transport: create poller for channel %q: %w", name, perr)
			}
			m.poller = poller
		} else if aerr := m.poller.Add(raw); aerr != nil {
			delete(m.channels, id)
			return nil, fmt.Errorf("transport: register channel %q with poller: %w", name, aerr)
		}
		m.byRawPtr[raw] = id
	}

	m.log.Debug("channel opened", "id", id, "name", name, "kind", kind.String(), "direction", dir)
	return ch, nil
}

// Channel looks up a previously opened channel by id.
func (m *Manager) Channel(id int) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, fmt.Errorf("transport: channel %d: %w", id, ErrChannelNotFound)
	}
	return ch, nil
}

// CloseChannel closes and de-registers a channel.
func (m *Manager) CloseChannel(id int) error {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("transport: channel %d: %w", id, ErrChannelNotFound)
	}
	delete(m.channels, id)
	for raw, rid := range m.byRawPtr {
		if rid == id {
			delete(m.byRawPtr, raw)
			if m.poller != nil {
				m.poller.Remove(raw)
			}
			break
		}
	}
	m.mu.Unlock()

	ch.close()
	m.log.Debug("channel closed", "id", id, "name", ch.Name())
	return nil
}

// Defer queues fn to run on the next call to ProcessDeferred.
func (m *Manager) Defer(fn func()) { m.deferred.push(fn) }

// HasDeferred reports whether any deferred callback is waiting.
func (m *Manager) HasDeferred() bool { return m.deferred.pending() }

// ProcessDeferred runs and clears every queued deferred callback.
func (m *Manager) ProcessDeferred() {
	for _, t := range m.deferred.drain() {
		t.fn()
	}
}

// ProcessOneDeferred runs the oldest queued deferred callback, reporting
// whether one was run. The container loop calls this once per tick unless
// configured to drain the whole queue.
func (m *Manager) ProcessOneDeferred() bool {
	t, ok := m.deferred.pop()
	if !ok {
		return false
	}
	t.fn()
	return true
}

// Poll waits up to timeout for any pollable channel to become readable and
// returns it. A timeout of 0 polls without blocking; a negative timeout
// blocks until a channel is ready. ctx is not watched during the wait; it
// is checked only when the wait ends with no channel ready. Returns
// (nil, nil) on a plain timeout.
func (m *Manager) Poll(ctx context.Context, timeout time.Duration) (*Channel, error) {
	m.mu.Lock()
	poller := m.poller
	m.mu.Unlock()
	if poller == nil {
		return nil, nil
	}

	ms := int(timeout / time.Millisecond)
	ready := poller.Wait(ms)
	if ready == nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	id, ok := m.byRawPtr[ready]
	ch := m.channels[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return ch, nil
}

// Shutdown closes every open channel and tears down the poll set.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]int, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	poller := m.poller
	m.poller = nil
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.CloseChannel(id)
	}
	if poller != nil {
		poller.Destroy()
	}
}
