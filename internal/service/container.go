// Package service implements the container event loop that drives one
// protocol service instance: process deferred tasks, poll the channel
// manager, dispatch readable channels, run the idle hook.
// Each container runs on a single goroutine; sockets are never shared
// across containers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebird-butler/fbsp-go/internal/transport"
)

// DefaultPollTimeout bounds one poll on the channel manager per tick.
const DefaultPollTimeout = 1000 * time.Millisecond

// ErrNoReceiver indicates a channel polled readable but no receiver was
// registered for it.
var ErrNoReceiver = errors.New("no receiver registered for channel")

// ReceiveFunc consumes one multipart message read from a readable channel.
type ReceiveFunc func(frames [][]byte) error

// Config tunes the container loop.
type Config struct {
	// PollTimeout bounds each poll; zero means DefaultPollTimeout.
	PollTimeout time.Duration

	// ProcessAllDeferred drains the whole deferred queue each tick
	// instead of the default one-task-per-tick.
	ProcessAllDeferred bool
}

// Container owns a channel manager and runs the event loop over its poll
// set. Receivers are registered per channel; the idle hook runs on ticks
// where the poll returned no events.
type Container struct {
	log *slog.Logger
	mgr *transport.Manager
	cfg Config

	receivers map[int]ReceiveFunc
	idle      func()

	stop chan struct{}
}

// NewContainer builds a container around mgr.
func NewContainer(mgr *transport.Manager, cfg Config, log *slog.Logger) *Container {
	if log == nil {
		log = slog.Default()
	}
	return &Container{
		log:       log,
		mgr:       mgr,
		cfg:       cfg,
		receivers: make(map[int]ReceiveFunc),
		stop:      make(chan struct{}),
	}
}

// Manager exposes the container's channel manager so handlers can open
// channels and schedule deferred work.
func (c *Container) Manager() *transport.Manager { return c.mgr }

// OnChannel registers fn as the receiver invoked when ch polls readable.
func (c *Container) OnChannel(ch *transport.Channel, fn ReceiveFunc) {
	c.receivers[ch.ID()] = fn
}

// OnIdle registers the hook run on ticks with no poll events.
func (c *Container) OnIdle(fn func()) { c.idle = fn }

// Stop signals the loop to exit after the current tick. Safe to call more
// than once.
func (c *Container) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Container) pollTimeout() time.Duration {
	if c.cfg.PollTimeout > 0 {
		return c.cfg.PollTimeout
	}
	return DefaultPollTimeout
}

// Run executes the event loop until ctx is cancelled or Stop is called.
func (c *Container) Run(ctx context.Context) error {
	c.log.Info("container loop started", "poll_timeout", c.pollTimeout())
	defer c.log.Info("container loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		default:
		}

		if err := c.Tick(ctx); err != nil {
			return err
		}
	}
}

// Tick runs one iteration of the loop: deferred tasks, poll, dispatch or
// idle. Exposed separately so tests can single-step the loop.
func (c *Container) Tick(ctx context.Context) error {
	if c.cfg.ProcessAllDeferred {
		c.mgr.ProcessDeferred()
	} else {
		c.mgr.ProcessOneDeferred()
	}

	ch, err := c.mgr.Poll(ctx, c.pollTimeout())
	if err != nil {
		return fmt.Errorf("container poll: %w", err)
	}
	if ch == nil {
		if c.idle != nil {
			c.idle()
		}
		return nil
	}

	fn, ok := c.receivers[ch.ID()]
	if !ok {
		c.log.Warn("readable channel has no receiver", "channel", ch.Name())
		return fmt.Errorf("channel %d (%s): %w", ch.ID(), ch.Name(), ErrNoReceiver)
	}

	frames, err := ch.Recv()
	if err != nil {
		// A receive failure on one tick is logged, not fatal: the channel
		// may deliver cleanly on the next poll.
		c.log.Warn("channel receive failed", "channel", ch.Name(), "error", err)
		return nil
	}
	if err := fn(frames); err != nil {
		c.log.Warn("receiver failed", "channel", ch.Name(), "error", err)
	}
	return nil
}
