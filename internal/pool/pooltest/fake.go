// Package pooltest provides in-memory pool.Connector and pool.Conn fakes.
package pooltest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joao-brasil/store-backend/internal/pool"
	"github.com/joao-brasil/store-backend/internal/sqlerr"
)

// QueryFunc answers a query issued on conn.
type QueryFunc func(conn *Conn, query string, args []any) ([]pool.Row, error)

// Connector hands out fake connections and counts them.
type Connector struct {
	mu sync.Mutex

	// Query answers every query on every connection. Nil returns no rows.
	Query QueryFunc

	// ExecErr is returned by Exec on every connection.
	ExecErr error

	err     error
	failN   int
	conns   []*Conn
	dialled atomic.Int64
	open    atomic.Int64
	maxOpen atomic.Int64
}

// ErrUnreachable is returned by Connect while the connector is failing.
var ErrUnreachable = errors.New("backend unreachable")

// Connect returns a new fake connection, or the configured failure.
func (c *Connector) Connect(ctx context.Context) (pool.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.failN > 0 {
		c.failN--
		c.mu.Unlock()
		return nil, ErrUnreachable
	}
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	conn := &Conn{connector: c, N: len(c.conns) + 1}
	c.conns = append(c.conns, conn)
	c.mu.Unlock()

	c.dialled.Add(1)
	n := c.open.Add(1)
	for {
		m := c.maxOpen.Load()
		if n <= m || c.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	return conn, nil
}

// Fail makes every Connect return err until Fail(nil).
func (c *Connector) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// FailNext makes the next n Connect calls return ErrUnreachable.
func (c *Connector) FailNext(n int) {
	c.mu.Lock()
	c.failN = n
	c.mu.Unlock()
}

// Dialled is the number of successful Connect calls.
func (c *Connector) Dialled() int { return int(c.dialled.Load()) }

// Open is the number of connections not yet closed.
func (c *Connector) Open() int { return int(c.open.Load()) }

// MaxOpen is the high-water mark of Open.
func (c *Connector) MaxOpen() int { return int(c.maxOpen.Load()) }

// Conns returns the connections created so far, oldest first.
func (c *Connector) Conns() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Conn, len(c.conns))
	copy(out, c.conns)
	return out
}

// Conn is a fake physical connection that records what it was asked to do.
type Conn struct {
	connector *Connector

	// N is the 1-based creation order.
	N int

	mu        sync.Mutex
	inTx      bool
	closed    bool
	pingErr   error
	queries   []string
	begins    int
	commits   int
	rollbacks int
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) ([]pool.Row, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, sqlerr.ErrConnectionLost
	}
	c.queries = append(c.queries, query)
	c.mu.Unlock()

	if c.connector.Query == nil {
		return []pool.Row{}, nil
	}
	return c.connector.Query(c, query, args)
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	c.mu.Lock()
	c.queries = append(c.queries, query)
	c.mu.Unlock()
	return 0, c.connector.ExecErr
}

func (c *Conn) Begin(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx {
		return errors.New("transaction already open")
	}
	c.inTx = true
	c.begins++
	return nil
}

func (c *Conn) Commit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	c.commits++
	return nil
}

func (c *Conn) Rollback(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTx = false
	c.rollbacks++
	return nil
}

func (c *Conn) InTx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

func (c *Conn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.connector.open.Add(-1)
	}
	return nil
}

// SetPingErr changes the error returned by Ping.
func (c *Conn) SetPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Queries returns the statements issued on this connection.
func (c *Conn) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.queries))
	copy(out, c.queries)
	return out
}

// TxCounts returns the number of begins, commits and rollbacks.
func (c *Conn) TxCounts() (begins, commits, rollbacks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.begins, c.commits, c.rollbacks
}
