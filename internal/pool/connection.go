// Package pool provides connection pooling for the relational backends.
// Each backend gets its own pool with min/max sizing, an acquire timeout,
// health checks and a session reset on release.
package pool

import (
	"context"
	"sync"
	"time"
)

// Row is a result row keyed by column name.
type Row map[string]any

// Conn is a physical database connection. Implementations need not be safe
// for concurrent use: the pool guarantees a single owner at a time.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTx() bool
	Ping(ctx context.Context) error
	Close() error
}

// Connector opens new physical connections to a backend.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnState is the lifecycle state of a pooled connection.
type ConnState int

const (
	ConnStateIdle   ConnState = iota // Available for reuse
	ConnStateActive                  // Leased to a caller
	ConnStateClosed                  // Removed from the pool
)

// physConn is the unit managed by Pool. Mutable fields are guarded by
// Pool.mu, except autocommit, which belongs to the current owner.
type physConn struct {
	conn    Conn
	id      uint64
	backend string

	state      ConnState
	dead       bool
	autocommit bool

	createdAt       time.Time
	lastUsedAt      time.Time
	lastHealthCheck time.Time
	useCount        uint64

	closeOnce sync.Once
}

func newPhysConn(id uint64, backend string, conn Conn) *physConn {
	now := time.Now()
	return &physConn{
		conn:            conn,
		id:              id,
		backend:         backend,
		state:           ConnStateIdle,
		autocommit:      true,
		createdAt:       now,
		lastUsedAt:      now,
		lastHealthCheck: now,
	}
}

// markAcquired moves the connection to the active state.
func (c *physConn) markAcquired() {
	c.state = ConnStateActive
	c.lastUsedAt = time.Now()
	c.useCount++
}

// markIdle moves the connection back to idle.
func (c *physConn) markIdle() {
	c.state = ConnStateIdle
	c.lastUsedAt = time.Now()
}

func (c *physConn) idleDuration() time.Duration {
	return time.Since(c.lastUsedAt)
}

// close closes the underlying connection exactly once.
func (c *physConn) close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

type leaseState int

const (
	leaseHeld leaseState = iota
	leaseReleased
	leaseDiscarded
)

// PooledConn is the handle returned by Acquire. Every acquire creates a new
// handle, so a second Release of the same handle is detected even after the
// physical connection has been handed to another caller.
type PooledConn struct {
	pool       *Pool
	phys       *physConn
	state      leaseState // guarded by pool.mu
	acquiredAt time.Time
}

// ID returns the physical connection's identifier.
func (c *PooledConn) ID() uint64 { return c.phys.id }

// Backend returns the name of the backend owning the connection.
func (c *PooledConn) Backend() string { return c.phys.backend }

// Conn returns the underlying physical connection.
func (c *PooledConn) Conn() Conn { return c.phys.conn }

// Alive reports whether the connection has not been marked dead.
func (c *PooledConn) Alive() bool {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return !c.phys.dead
}

// Autocommit reports whether the connection is in autocommit mode.
func (c *PooledConn) Autocommit() bool { return c.phys.autocommit }

// Query runs query on the physical connection.
func (c *PooledConn) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return c.phys.conn.Query(ctx, query, args...)
}

// Begin turns autocommit off and opens an explicit transaction.
func (c *PooledConn) Begin(ctx context.Context) error {
	if err := c.phys.conn.Begin(ctx); err != nil {
		return err
	}
	c.phys.autocommit = false
	return nil
}

// Commit commits the transaction opened by Begin.
func (c *PooledConn) Commit(ctx context.Context) error {
	return c.phys.conn.Commit(ctx)
}

// Rollback rolls back the transaction opened by Begin.
func (c *PooledConn) Rollback(ctx context.Context) error {
	return c.phys.conn.Rollback(ctx)
}

// RestoreAutocommit turns autocommit back on. Whoever called Begin must call
// it before releasing.
func (c *PooledConn) RestoreAutocommit() {
	c.phys.autocommit = true
}
