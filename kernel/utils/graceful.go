package utils

import (
	"context"
	"sync"
	"time"
)

// GracefulShutdown runs registered cleanup functions in reverse order
// of registration, bounded by a timeout.
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []namedShutdown
	timeout    time.Duration
	logger     *Logger
}

type namedShutdown struct {
	name string
	fn   func(context.Context) error
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a named cleanup step
func (g *GracefulShutdown) Register(name string, fn func(context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, namedShutdown{name: name, fn: fn})
}

// Shutdown executes the registered steps LIFO. A region must be unmapped
// only after everything reading through it has stopped, so steps run
// sequentially rather than in parallel.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	steps := g.shutdownFn
	g.shutdownFn = nil
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", Int("components", len(steps)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := shutdownCtx.Err(); err != nil {
			g.logger.Warn("Graceful shutdown timed out", String("pending", steps[i].name))
			return Combine(append(errs, TimeoutError("shutdown"))...)
		}
		if err := steps[i].fn(shutdownCtx); err != nil {
			g.logger.Error("Shutdown step failed", String("step", steps[i].name), Err(err))
			errs = append(errs, WrapError(err, steps[i].name))
		}
	}

	g.logger.Info("Graceful shutdown complete")
	return Combine(errs...)
}
