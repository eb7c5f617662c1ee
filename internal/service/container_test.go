package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/firebird-butler/fbsp-go/internal/transport"
)

// newTestContainer builds a container over a manager with no open
// channels: Poll always reports no events, so ticks exercise the deferred
// and idle paths deterministically.
func newTestContainer(cfg Config) *Container {
	return NewContainer(transport.NewManager(nil, nil), cfg, nil)
}

func TestTickProcessesOneDeferredByDefault(t *testing.T) {
	c := newTestContainer(Config{PollTimeout: time.Millisecond})

	var calls int
	c.Manager().Defer(func() { calls++ })
	c.Manager().Defer(func() { calls++ })

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls after first tick = %d, want 1", calls)
	}
	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls after second tick = %d, want 2", calls)
	}
}

func TestTickProcessesAllDeferredWhenConfigured(t *testing.T) {
	c := newTestContainer(Config{PollTimeout: time.Millisecond, ProcessAllDeferred: true})

	var calls int
	c.Manager().Defer(func() { calls++ })
	c.Manager().Defer(func() { calls++ })
	c.Manager().Defer(func() { calls++ })

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestTickRunsIdleOnEmptyPoll(t *testing.T) {
	c := newTestContainer(Config{PollTimeout: time.Millisecond})

	var idles int
	c.OnIdle(func() { idles++ })

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if idles != 1 {
		t.Fatalf("idles = %d, want 1", idles)
	}
}

func TestRunStopsOnStop(t *testing.T) {
	c := newTestContainer(Config{PollTimeout: time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	c.Stop()
	c.Stop() // idempotent

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := newTestContainer(Config{PollTimeout: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
