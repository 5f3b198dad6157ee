// Package lifecycle provides graceful shutdown for a run.
// A signal cancels the run context; the run then finalizes its partial
// output and the registered resources are released in reverse order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// Closer interface for services that need cleanup.
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }

type namedCloser struct {
	name string
	c    Closer
}

// ShutdownManager releases run resources exactly once.
type ShutdownManager struct {
	mu sync.Mutex

	logger  *zap.Logger
	signals []os.Signal

	closers []namedCloser
	closed  bool
	signal  os.Signal
}

// NewShutdownManager creates a manager that reacts to SIGINT and SIGTERM.
func NewShutdownManager(logger *zap.Logger) *ShutdownManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownManager{
		logger:  logger,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Register adds a resource to be closed during shutdown. Resources are
// closed in reverse registration order.
func (m *ShutdownManager) Register(name string, c Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, namedCloser{name: name, c: c})
}

// RegisterFunc adds a cleanup function.
func (m *ShutdownManager) RegisterFunc(name string, fn func() error) {
	m.Register(name, CloserFunc(fn))
}

// HandleSignals returns a context that is cancelled on the first shutdown
// signal. stop releases the signal handler.
func (m *ShutdownManager) HandleSignals(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, m.signals...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case sig := <-sigChan:
			m.mu.Lock()
			m.signal = sig
			m.mu.Unlock()
			m.logger.Warn("received signal, finalizing partial output", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
		<-done
	}
}

// Signal returns the signal that cancelled the run, if any.
func (m *ShutdownManager) Signal() os.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signal
}

// Shutdown closes every registered resource. Later calls are no-ops.
func (m *ShutdownManager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil // Already shut down
	}
	m.closed = true
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		nc := closers[i]
		if err := nc.c.Close(); err != nil {
			m.logger.Warn("failed to close resource", zap.String("resource", nc.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", nc.name, err))
		}
	}
	return errors.Join(errs...)
}
