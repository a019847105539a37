package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"slidepatch/internal/logger"
)

const hookTimeout = 10 * time.Second

type hook struct {
	name string
	fn   func()
}

// Manager cancels its context on SIGINT/SIGTERM and runs registered hooks in
// reverse order exactly once.
type Manager struct {
	hooks  []hook
	logger logger.Logger
	mu     sync.Mutex
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(parent context.Context, log logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)

	return &Manager{
		logger: log,
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (m *Manager) Register(name string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Listen cancels the context on the first signal. A second signal exits
// immediately.
func (m *Manager) Listen() {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			m.logger.Warning("ShutdownManager", "signal received, finishing current slides", map[string]interface{}{
				"signal": sig.String(),
			})
			m.cancel()
		case <-m.done:
			return
		}

		select {
		case <-sigChan:
			m.logger.Warning("ShutdownManager", "second signal, exiting", nil)
			os.Exit(130)
		case <-m.done:
		}
	}()
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.cancel()

	for i := len(m.hooks) - 1; i >= 0; i-- {
		h := m.hooks[i]

		finished := make(chan struct{})
		go func() {
			defer close(finished)
			h.fn()
		}()

		select {
		case <-finished:
		case <-time.After(hookTimeout):
			m.logger.Warning("ShutdownManager", "shutdown hook timeout", map[string]interface{}{
				"hook": h.name,
			})
		}
	}
}

func (m *Manager) Context() context.Context {
	return m.ctx
}

func (m *Manager) Done() <-chan struct{} {
	return m.done
}
