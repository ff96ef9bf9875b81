package pool

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/joao-brasil/store-backend/internal/logx"
	"github.com/joao-brasil/store-backend/pkg/backend"
)

// ConnectorFactory builds the Connector for a backend.
type ConnectorFactory func(b *backend.Backend) Connector

// DefaultConnectorFactory uses database/sql with the backend's driver.
func DefaultConnectorFactory(b *backend.Backend) Connector {
	return NewSQLConnector(b)
}

// Manager owns one Pool per configured backend. It is created once at
// startup and handed to the executors.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool // keyed by backend name
	log   zerolog.Logger
}

// NewManager creates a Manager and initializes a Pool for each backend.
func NewManager(ctx context.Context, backends []backend.Backend, factory ConnectorFactory) (*Manager, error) {
	if factory == nil {
		factory = DefaultConnectorFactory
	}

	m := &Manager{
		pools: make(map[string]*Pool, len(backends)),
		log:   logx.Component("pool"),
	}

	for i := range backends {
		b := &backends[i]
		if _, dup := m.pools[b.Name]; dup {
			m.Close()
			return nil, errors.Errorf("duplicate backend name %q", b.Name)
		}
		p, err := New(ctx, b, factory(b))
		if err != nil {
			// Close any pools already created before returning.
			m.Close()
			return nil, errors.Wrapf(err, "initializing pool for backend %s", b.Name)
		}
		m.pools[b.Name] = p
	}

	m.log.Info().Int("pools", len(m.pools)).Msg("manager initialized")
	return m, nil
}

// Acquire leases a connection from the named backend's pool, waiting up to
// the backend's acquire timeout.
func (m *Manager) Acquire(ctx context.Context, name string) (*PooledConn, error) {
	p, ok := m.Pool(name)
	if !ok {
		return nil, errors.Errorf("unknown backend: %s", name)
	}
	return p.Acquire(ctx, 0)
}

// Release returns a connection to the pool it came from.
func (m *Manager) Release(pc *PooledConn) error {
	if pc == nil {
		return nil
	}
	return pc.pool.Release(pc)
}

// MarkDead takes a connection out of circulation in the pool it came from.
func (m *Manager) MarkDead(pc *PooledConn) {
	if pc == nil {
		return
	}
	pc.pool.MarkDead(pc)
}

// Stats returns statistics for every pool, sorted by backend name.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Backend < stats[j].Backend })
	return stats
}

// Pool returns the Pool of a backend.
func (m *Manager) Pool(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Names returns the backend names in alphabetical order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down every pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, p := range m.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing pool %s", name)
		}
	}
	m.pools = nil

	m.log.Info().Msg("manager closed")
	return firstErr
}
