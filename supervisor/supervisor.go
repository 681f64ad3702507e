// Package supervisor runs the broker's staged startup/shutdown sequence.
// Observability, external transports, and the connection registry are
// constructed by the caller before Run; Run starts the persistence pipeline
// and then the HTTP/WebSocket surface, and tears down in reverse (server,
// pipeline, then the transport closers) with each step isolated from the
// others' failures.
package supervisor

import (
	"context"
	"time"

	"github.com/justapithecus/telemetry-broker/log"
)

// Server is the HTTP/WebSocket surface; started last and stopped first.
type Server interface {
	// Start begins serving in the background and returns once the
	// listener is bound, or returns an error if it cannot bind.
	Start() error
	// Shutdown stops accepting new connections and waits up to the
	// context deadline for in-flight requests to finish.
	Shutdown(ctx context.Context) error
}

// Pipeline is the persistence pipeline's lifecycle surface.
type Pipeline interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
}

// Closer is any dependency that owns a resource to release on shutdown
// (a Redis client, a database pool, a dead-letter archive).
type Closer interface {
	Close() error
}

// Deps bundles everything the supervisor starts and stops, in the order
// given. Any of Pipeline, Closers may be nil/empty if that concern is
// disabled.
type Deps struct {
	Server        Server
	Pipeline      Pipeline
	Closers       []Closer
	ShutdownGrace time.Duration
	Logger        *log.Logger
}

// Supervisor runs the broker process end to end: start every dependency in
// order, block until ctx is cancelled (typically by a SIGINT/SIGTERM
// handler), then drain and tear down in reverse order.
type Supervisor struct {
	deps Deps
}

// New creates a Supervisor over deps. ShutdownGrace defaults to 5s.
func New(deps Deps) *Supervisor {
	if deps.ShutdownGrace <= 0 {
		deps.ShutdownGrace = 5 * time.Second
	}
	return &Supervisor{deps: deps}
}

// Run starts every dependency, blocks until ctx is cancelled, then drains
// and shuts everything down. It returns the first startup error, if any;
// shutdown errors are logged but never returned, since by the time shutdown
// runs the process is exiting regardless.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := s.deps.Logger

	if s.deps.Pipeline != nil {
		logger.Info("starting persistence pipeline", nil)
		s.deps.Pipeline.Start(ctx)
	}

	if s.deps.Server != nil {
		logger.Info("starting http/websocket surface", nil)
		if err := s.deps.Server.Start(); err != nil {
			logger.Error("failed to start http/websocket surface", map[string]any{"error": err.Error()})
			s.shutdown(context.WithoutCancel(ctx))
			return err
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining", map[string]any{"grace": s.deps.ShutdownGrace.String()})

	s.shutdown(context.WithoutCancel(ctx))
	return nil
}

// shutdown tears down every dependency in reverse start order. Each step is
// isolated: a failure in one step is logged and does not prevent the
// remaining steps from running.
func (s *Supervisor) shutdown(ctx context.Context) {
	logger := s.deps.Logger

	if s.deps.Server != nil {
		drainCtx, cancel := context.WithTimeout(ctx, s.deps.ShutdownGrace)
		if err := s.deps.Server.Shutdown(drainCtx); err != nil {
			logger.Warn("http/websocket surface shutdown failed", map[string]any{"error": err.Error()})
		}
		cancel()
	}

	if s.deps.Pipeline != nil {
		flushCtx, cancel := context.WithTimeout(ctx, s.deps.ShutdownGrace)
		s.deps.Pipeline.Stop(flushCtx)
		cancel()
	}

	for _, closer := range s.deps.Closers {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil {
			logger.Warn("dependency close failed", map[string]any{"error": err.Error()})
		}
	}

	logger.Info("shutdown complete", nil)
}
