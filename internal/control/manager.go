package control

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arcmux/arcmux/internal/config"
	"github.com/arcmux/arcmux/internal/executor"
)

// Manager owns every control connection of one client instance and routes
// executor line events to them. At most one live connection exists per
// scope+session key.
type Manager struct {
	cfg      config.Config
	logger   *slog.Logger
	notifier Notifier

	mu      sync.Mutex
	clients map[string]*Client
	watched map[executor.Executor]struct{}
}

func NewManager(cfg config.Config, logger *slog.Logger, notifier Notifier) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		clients:  map[string]*Client{},
		watched:  map[executor.Executor]struct{}{},
	}
}

// Client returns the connection for exec's scope and session, creating it
// Disconnected on first use. The executor's event feed gets one dedicated
// reader task the first time it is seen.
func (m *Manager) Client(exec executor.Executor, session string) *Client {
	key := executor.ControlKey(exec.Scope(), session)
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[key]; ok {
		return c
	}
	c := newClient(m.cfg, m.logger, m.notifier, exec, session)
	m.clients[key] = c
	if _, ok := m.watched[exec]; !ok {
		m.watched[exec] = struct{}{}
		go m.dispatch(exec.Events())
	}
	return c
}

// Lookup returns an existing connection without creating one.
func (m *Manager) Lookup(scopeKey, session string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[executor.ControlKey(scopeKey, session)]
	return c, ok
}

// EnsureReady starts the connection if necessary and waits for readiness.
func (m *Manager) EnsureReady(ctx context.Context, exec executor.Executor, session string) (*Client, error) {
	c := m.Client(exec, session)
	if c.Ready() {
		return c, nil
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	if err := c.WaitReady(ctx, m.cfg.ControlReadyTimeout); err != nil {
		c.Stop()
		return nil, err
	}
	return c, nil
}

// StopAll tears down every connection, rejecting outstanding commands.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()
	for _, c := range clients {
		c.Stop()
	}
}

func (m *Manager) dispatch(events <-chan executor.Event) {
	for ev := range events {
		m.mu.Lock()
		c, ok := m.clients[ev.Key]
		m.mu.Unlock()
		if !ok {
			m.logger.Debug("event for unknown control key", "key", ev.Key, "kind", ev.Kind)
			continue
		}
		c.handleEvent(ev)
	}
}
