// Package shutdown coordinates graceful process teardown: running a set of
// long-lived servers to completion or cancellation, then unwinding cleanup
// in reverse registration order, per spec.md §4.7's shutdown sequencing.
// cmd/device-agent does not use this package.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Server is a long-running component driven by Manager.Run. Run blocks
// until ctx is done or the component fails on its own.
type Server interface {
	Run(ctx context.Context) error
}

// ServerFunc adapts a plain function to Server.
type ServerFunc func(ctx context.Context) error

func (f ServerFunc) Run(ctx context.Context) error { return f(ctx) }

// NewServerFunc wraps fn as a Server.
func NewServerFunc(fn func(ctx context.Context) error) Server {
	return ServerFunc(fn)
}

// ServerError names which server produced err, so a caller can tell which
// component failed without string-matching the message.
type ServerError struct {
	ServerName string
	Err        error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s server: %v", e.ServerName, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

type namedServer struct {
	name   string
	server Server
}

type namedCleanup struct {
	name string
	fn   func() error
}

// Manager runs a set of servers to completion in parallel, then unwinds a
// set of named cleanup functions in reverse registration order.
type Manager struct {
	log *logrus.Logger

	signals   []os.Signal
	servers   []namedServer
	cleanups  []namedCleanup
	forceStop func()
}

// NewManager returns a Manager whose signal set defaults to SIGTERM,
// SIGINT, and SIGQUIT. The set is only recorded: Run does not install
// signal handlers.
func NewManager(log *logrus.Logger) *Manager {
	return &Manager{
		log:     log,
		signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT},
	}
}

// AddServer registers a server under name, for builder-style chaining.
func (m *Manager) AddServer(name string, s Server) *Manager {
	m.servers = append(m.servers, namedServer{name: name, server: s})
	return m
}

// AddCleanup registers a cleanup function run during unwind, LIFO.
func (m *Manager) AddCleanup(name string, fn func() error) *Manager {
	m.cleanups = append(m.cleanups, namedCleanup{name: name, fn: fn})
	return m
}

// WithSignals overrides the default signal set.
func (m *Manager) WithSignals(sigs ...os.Signal) *Manager {
	m.signals = sigs
	return m
}

// WithForceStop sets a function invoked as soon as any server fails, to
// unblock the others (e.g. closing a shared listener).
func (m *Manager) WithForceStop(fn func()) *Manager {
	m.forceStop = fn
	return m
}

// Run starts every registered server and blocks until they have all
// returned, then runs cleanup in reverse order. The first non-cancellation
// server error is returned; cleanup errors are logged, not returned.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.servers) == 0 {
		return fmt.Errorf("no servers configured")
	}

	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error

	for _, ns := range m.servers {
		wg.Add(1)
		go func(ns namedServer) {
			defer wg.Done()
			err := ns.server.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			once.Do(func() {
				firstErr = &ServerError{ServerName: ns.name, Err: err}
				if m.forceStop != nil {
					m.forceStop()
				}
			})
		}(ns)
	}
	wg.Wait()

	m.runCleanups()
	return firstErr
}

func (m *Manager) runCleanups() {
	for i := len(m.cleanups) - 1; i >= 0; i-- {
		c := m.cleanups[i]
		if err := c.fn(); err != nil && m.log != nil {
			m.log.WithError(err).Warnf("cleanup %s failed", c.name)
		}
	}
}

// CloseErrFunc adapts a Close()-style func() error into a cleanup, purely
// for call-site readability at AddCleanup sites.
func CloseErrFunc(fn func() error) func() error {
	return fn
}

// StopWaitFunc adapts a stop/wait pair (e.g. a worker pool's Stop + Wait)
// into a single cleanup function.
func StopWaitFunc(name string, stop func(), wait func()) func() error {
	return func() error {
		stop()
		wait()
		return nil
	}
}
