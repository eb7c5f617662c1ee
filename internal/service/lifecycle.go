package service

import (
	"context"
	"fmt"
	"log/slog"
)

// Service is the lifecycle contract a protocol service implements:
// initialize -> configure -> validate -> run, with finalize guaranteed on
// every exit path once initialize has succeeded.
type Service interface {
	// Initialize opens channels and registers receivers on the container.
	Initialize(c *Container) error

	// Configure applies already-validated configuration values.
	Configure() error

	// Validate checks cross-field consistency before the loop starts.
	Validate() error

	// Run executes the service, normally by driving the container loop.
	Run(ctx context.Context) error

	// Finalize releases resources. Called exactly once, on every exit
	// path after a successful Initialize; not called if Initialize fails.
	Finalize()
}

// Execute drives svc through its full lifecycle. Errors from Run are
// logged and converted to finalization rather than panicking the
// container's goroutine; setup errors abort before Run.
func Execute(ctx context.Context, svc Service, c *Container, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	if err := svc.Initialize(c); err != nil {
		return fmt.Errorf("service initialize: %w", err)
	}
	defer svc.Finalize()

	if err := svc.Configure(); err != nil {
		return fmt.Errorf("service configure: %w", err)
	}
	if err := svc.Validate(); err != nil {
		return fmt.Errorf("service validate: %w", err)
	}

	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("service run failed", "error", err)
		return fmt.Errorf("service run: %w", err)
	}
	return nil
}
