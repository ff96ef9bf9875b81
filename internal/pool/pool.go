package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/joao-brasil/store-backend/internal/logx"
	"github.com/joao-brasil/store-backend/internal/metrics"
	"github.com/joao-brasil/store-backend/pkg/backend"
)

var (
	// ErrPoolExhausted is returned when no connection became available
	// within the acquisition timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrAlreadyReleased is returned by a second Release of the same handle.
	ErrAlreadyReleased = errors.New("connection already released")
)

const (
	defaultAcquireTimeout      = 30 * time.Second
	defaultConnectTimeout      = 10 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	resetTimeout               = 5 * time.Second
	defaultWaiterRetry         = time.Second
)

// ConnectError wraps a failure to open a new physical connection.
type ConnectError struct {
	Backend string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to backend %s: %v", e.Backend, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Pool manages a bounded set of connections to a single backend.
// It provides acquire/release semantics with configurable limits, a warm set
// of idle connections, FIFO waiters, eviction of stale connections and
// health checking.
type Pool struct {
	mu sync.Mutex

	backend   *backend.Backend
	connector Connector

	// idle holds connections available for reuse, most recently used last.
	idle []*physConn

	// active tracks checked-out connections (keyed by connection ID).
	active map[uint64]*physConn

	// pending counts connections being dialled; they count against max.
	pending int

	nextID atomic.Uint64

	closed bool

	// waiters is the FIFO of callers blocked in Acquire. A connection is
	// handed over by sending it on the waiter's channel while holding mu.
	waiters []chan *physConn

	// replenish wakes the maintenance loop to restore the minimum size.
	replenish chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	log zerolog.Logger
}

// New creates a pool for the given backend and eagerly opens
// MinConnections connections. Connection failures at this point are logged,
// not fatal: the maintenance loop and later acquires retry.
func New(ctx context.Context, b *backend.Backend, connector Connector) (*Pool, error) {
	if b.MaxConnections <= 0 {
		return nil, errors.Errorf("backend %s: max_connections must be positive", b.Name)
	}
	if connector == nil {
		return nil, errors.Errorf("backend %s: nil connector", b.Name)
	}

	p := &Pool{
		backend:   b,
		connector: connector,
		idle:      make([]*physConn, 0, b.MaxConnections),
		active:    make(map[uint64]*physConn),
		replenish: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		log:       logx.Component("pool").With().Str("backend", b.Name).Logger(),
	}

	for i := 0; i < b.MinConnections; i++ {
		c, err := p.createConn(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msgf("failed to create warm connection %d/%d", i+1, b.MinConnections)
			continue
		}
		c.markIdle()
		p.idle = append(p.idle, c)
	}

	metrics.ConnectionsMax.WithLabelValues(b.Name).Set(float64(b.MaxConnections))
	p.updateMetrics()
	p.log.Info().
		Int("idle", len(p.idle)).
		Int("min", b.MinConnections).
		Int("max", b.MaxConnections).
		Msg("pool initialized")

	p.wg.Add(1)
	go p.maintenanceLoop()

	return p, nil
}

// Backend returns the backend this pool serves.
func (p *Pool) Backend() *backend.Backend { return p.backend }

// Acquire obtains a connection from the pool. An idle connection is reused
// if available, otherwise a new one is opened while under the maximum size,
// otherwise the caller waits in FIFO order until a release hands one over.
// A timeout of zero uses the backend's acquire timeout; ErrPoolExhausted is
// returned once it elapses.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*PooledConn, error) {
	start := time.Now()
	name := p.backend.Name

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Wrapf(ErrPoolClosed, "backend %s", name)
	}

	c, stale := p.popIdle()
	if c != nil {
		pc := p.leaseLocked(c)
		p.updateMetrics()
		p.mu.Unlock()
		p.closeConns(stale, "idle_expired")
		metrics.ConnectionsTotal.WithLabelValues(name, "acquired").Inc()
		return pc, nil
	}

	if p.totalLocked() < p.backend.MaxConnections {
		p.pending++
		p.mu.Unlock()
		p.closeConns(stale, "idle_expired")

		c, err := p.createConn(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.updateMetrics()
			p.mu.Unlock()
			// The freed slot may be the only one a queued caller can use.
			p.fillWaiters()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			_ = c.close()
			return nil, errors.Wrapf(ErrPoolClosed, "backend %s", name)
		}
		pc := p.leaseLocked(c)
		p.updateMetrics()
		p.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(name, "acquired").Inc()
		return pc, nil
	}

	// Pool is full, enter the wait queue.
	waiterCh := make(chan *physConn, 1)
	p.waiters = append(p.waiters, waiterCh)
	position := len(p.waiters)
	metrics.WaitersLength.WithLabelValues(name).Set(float64(position))
	p.mu.Unlock()
	p.closeConns(stale, "idle_expired")

	if timeout <= 0 {
		timeout = p.acquireTimeout()
	}
	p.log.Debug().Int("position", position).Dur("timeout", timeout).Msg("waiting for connection")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c, ok := <-waiterCh:
		if !ok || c == nil {
			metrics.ConnectionsTotal.WithLabelValues(name, "closed").Inc()
			return nil, errors.Wrapf(ErrPoolClosed, "backend %s", name)
		}
		metrics.AcquireWaitDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		metrics.ConnectionsTotal.WithLabelValues(name, "acquired").Inc()
		return p.newLease(c), nil

	case <-timer.C:
		// A release may have handed a connection over concurrently.
		if c, ok := p.abandonWait(waiterCh); ok {
			metrics.AcquireWaitDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			metrics.ConnectionsTotal.WithLabelValues(name, "acquired").Inc()
			return p.newLease(c), nil
		}
		metrics.ConnectionsTotal.WithLabelValues(name, "timeout").Inc()
		metrics.AcquireWaitDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		return nil, errors.Wrapf(ErrPoolExhausted, "backend %s: no connection within %v", name, timeout)

	case <-ctx.Done():
		if c, ok := p.abandonWait(waiterCh); ok {
			_ = p.Release(p.newLease(c))
		}
		metrics.ConnectionsTotal.WithLabelValues(name, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// Release returns a connection to the pool: any open transaction is rolled
// back, autocommit is restored and the connection goes to the oldest waiter
// or back to the idle set. A connection that cannot be reset is discarded;
// it still stops counting as checked out. Releasing the same handle twice
// returns ErrAlreadyReleased and leaves the counters untouched. Releasing a
// handle already passed to MarkDead is a no-op.
func (p *Pool) Release(pc *PooledConn) error {
	if pc == nil {
		return nil
	}
	if pc.pool != p {
		return errors.Errorf("connection %d does not belong to backend %s", pc.phys.id, p.backend.Name)
	}
	name := p.backend.Name

	p.mu.Lock()
	switch pc.state {
	case leaseReleased:
		p.mu.Unlock()
		metrics.ConnectionErrors.WithLabelValues(name, "double_release").Inc()
		p.log.Warn().Uint64("conn_id", pc.phys.id).Msg("connection released twice")
		return errors.Wrapf(ErrAlreadyReleased, "backend %s conn %d", name, pc.phys.id)
	case leaseDiscarded:
		p.mu.Unlock()
		return nil
	}
	pc.state = leaseReleased
	c := pc.phys
	if p.closed {
		delete(p.active, c.id)
		p.mu.Unlock()
		_ = c.close()
		return nil
	}
	p.mu.Unlock()

	// The connection stays in active while it is being reset so that the
	// size bound holds.
	resetErr := p.resetConn(c)

	p.mu.Lock()
	delete(p.active, c.id)
	if resetErr != nil || p.closed {
		c.state = ConnStateClosed
		p.updateMetrics()
		below := p.belowMinLocked()
		p.mu.Unlock()

		_ = c.close()
		if resetErr != nil {
			metrics.ConnectionErrors.WithLabelValues(name, "reset_failed").Inc()
			p.log.Warn().Err(resetErr).Uint64("conn_id", c.id).Msg("reset failed on release, discarding connection")
			p.afterShrink(below)
		}
		return nil
	}
	p.putLocked(c)
	p.updateMetrics()
	p.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues(name, "released").Inc()
	return nil
}

// MarkDead removes a checked-out connection from circulation after a
// connection-level failure. If the pool drops below its minimum size a
// replacement is scheduled; if the backend is unreachable the replacement
// fails quietly and the next Acquire tries again.
func (p *Pool) MarkDead(pc *PooledConn) {
	if pc == nil || pc.pool != p {
		return
	}

	p.mu.Lock()
	if pc.state != leaseHeld {
		p.mu.Unlock()
		return
	}
	pc.state = leaseDiscarded
	c := pc.phys
	c.dead = true
	c.state = ConnStateClosed
	delete(p.active, c.id)
	p.updateMetrics()
	below := p.belowMinLocked()
	p.mu.Unlock()

	_ = c.close()
	metrics.ConnectionErrors.WithLabelValues(p.backend.Name, "marked_dead").Inc()
	p.log.Warn().Uint64("conn_id", c.id).Msg("connection marked dead")

	p.afterShrink(below)
}

// WithConn borrows a connection for the duration of fn and returns it on
// every exit path. If fn panics the connection is discarded and the panic
// continues.
func (p *Pool) WithConn(ctx context.Context, fn func(pc *PooledConn) error) error {
	pc, err := p.Acquire(ctx, 0)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			p.MarkDead(pc)
			panic(r)
		}
		if err := p.Release(pc); err != nil {
			p.log.Warn().Err(err).Msg("release after scoped use")
		}
	}()

	return fn(pc)
}

// Close shuts down the pool, closing all connections and failing waiters.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	close(p.stopCh)

	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil

	conns := make([]*physConn, 0, len(p.idle)+len(p.active))
	conns = append(conns, p.idle...)
	for _, c := range p.active {
		conns = append(conns, c)
	}
	for _, c := range conns {
		c.state = ConnStateClosed
	}
	p.idle = nil
	p.active = make(map[uint64]*physConn)
	p.updateMetrics()
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.close()
	}

	p.wg.Wait()

	p.log.Info().Msg("pool closed")
	return nil
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Backend: p.backend.Name,
		Active:  len(p.active),
		Idle:    len(p.idle),
		Pending: p.pending,
		Waiters: len(p.waiters),
		Min:     p.backend.MinConnections,
		Max:     p.backend.MaxConnections,
	}
}

// Stats holds pool statistics.
type Stats struct {
	Backend string `json:"backend"`
	Active  int    `json:"active"`
	Idle    int    `json:"idle"`
	Pending int    `json:"pending"`
	Waiters int    `json:"waiters"`
	Min     int    `json:"min"`
	Max     int    `json:"max"`
}

// Total is the number of connections counted against the maximum.
func (s Stats) Total() int { return s.Active + s.Idle + s.Pending }

// ── Internal helpers ─────────────────────────────────────────────────────

func (p *Pool) acquireTimeout() time.Duration {
	if p.backend.AcquireTimeout > 0 {
		return p.backend.AcquireTimeout
	}
	return defaultAcquireTimeout
}

func (p *Pool) connectTimeout() time.Duration {
	if p.backend.ConnectTimeout > 0 {
		return p.backend.ConnectTimeout
	}
	return defaultConnectTimeout
}

// createConn opens a new physical connection for this backend.
func (p *Pool) createConn(ctx context.Context) (*physConn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout())
	defer cancel()

	conn, err := p.connector.Connect(ctx)
	if err != nil {
		metrics.ConnectionErrors.WithLabelValues(p.backend.Name, "create_failed").Inc()
		return nil, &ConnectError{Backend: p.backend.Name, Err: err}
	}
	metrics.ConnectionsTotal.WithLabelValues(p.backend.Name, "created").Inc()
	return newPhysConn(p.nextID.Add(1), p.backend.Name, conn), nil
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.active) + p.pending
}

func (p *Pool) belowMinLocked() bool {
	return !p.closed && p.totalLocked() < p.backend.MinConnections
}

func (p *Pool) newLease(c *physConn) *PooledConn {
	return &PooledConn{pool: p, phys: c, acquiredAt: time.Now()}
}

func (p *Pool) leaseLocked(c *physConn) *PooledConn {
	c.markAcquired()
	p.active[c.id] = c
	return p.newLease(c)
}

// putLocked hands c to the oldest waiter or appends it to the idle set.
func (p *Pool) putLocked(c *physConn) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		metrics.WaitersLength.WithLabelValues(p.backend.Name).Set(float64(len(p.waiters)))
		c.markAcquired()
		p.active[c.id] = c
		ch <- c
		return
	}
	c.markIdle()
	p.idle = append(p.idle, c)
}

// popIdle removes and returns the most recently used idle connection. Idle
// connections past max_idle_time are returned separately for closing.
func (p *Pool) popIdle() (*physConn, []*physConn) {
	var stale []*physConn
	for len(p.idle) > 0 {
		n := len(p.idle) - 1
		c := p.idle[n]
		p.idle = p.idle[:n]

		if p.backend.MaxIdleTime > 0 && c.idleDuration() > p.backend.MaxIdleTime {
			c.state = ConnStateClosed
			stale = append(stale, c)
			continue
		}
		return c, stale
	}
	return nil, stale
}

// abandonWait removes ch from the wait queue. If a connection was already
// handed over it is returned.
func (p *Pool) abandonWait(ch chan *physConn) (*physConn, bool) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			metrics.WaitersLength.WithLabelValues(p.backend.Name).Set(float64(len(p.waiters)))
			p.mu.Unlock()
			return nil, false
		}
	}
	p.mu.Unlock()

	// Not queued any more: either handed a connection or closed.
	c, ok := <-ch
	return c, ok && c != nil
}

func (p *Pool) closeConns(conns []*physConn, reason string) {
	for _, c := range conns {
		_ = c.close()
	}
	if len(conns) > 0 {
		metrics.ConnectionErrors.WithLabelValues(p.backend.Name, reason).Add(float64(len(conns)))
		p.log.Debug().Int("count", len(conns)).Str("reason", reason).Msg("closed connections")
	}
}

// resetConn cleans session state so the connection is safe for reuse.
func (p *Pool) resetConn(c *physConn) error {
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()

	if c.conn.InTx() {
		if err := c.conn.Rollback(ctx); err != nil {
			return errors.Wrap(err, "rollback open transaction")
		}
	}
	c.autocommit = true

	if q := p.backend.ResetQuery; q != "" {
		if _, err := c.conn.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "reset query")
		}
	}
	return nil
}

// afterShrink reacts to a connection leaving the pool.
func (p *Pool) afterShrink(belowMin bool) {
	p.fillWaiters()
	if belowMin {
		p.requestReplenish()
	}
}

// fillWaiters opens connections for queued callers while under max.
func (p *Pool) fillWaiters() {
	p.mu.Lock()
	n := 0
	for !p.closed && len(p.waiters) > n && p.totalLocked() < p.backend.MaxConnections {
		p.pending++
		n++
	}
	p.wg.Add(n)
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		go p.createForWaiter()
	}
}

func (p *Pool) createForWaiter() {
	defer p.wg.Done()

	c, err := p.createConn(context.Background())

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.updateMetrics()
		p.mu.Unlock()
		p.log.Warn().Err(err).Msg("failed to open connection for waiter")
		p.retryWaiters()
		return
	}
	if p.closed {
		p.mu.Unlock()
		_ = c.close()
		return
	}
	p.putLocked(c)
	p.updateMetrics()
	p.mu.Unlock()
}

// retryWaiters waits reconnect_idle and then dials again for whoever is
// still queued. Waiters leave on their own timeout, so the retries stop
// once the queue drains.
func (p *Pool) retryWaiters() {
	backoff := p.backend.ReconnectIdle
	if backoff <= 0 {
		backoff = defaultWaiterRetry
	}
	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-p.stopCh:
		return
	case <-t.C:
	}
	p.fillWaiters()
}

func (p *Pool) requestReplenish() {
	select {
	case p.replenish <- struct{}{}:
	default:
	}
}

// updateMetrics refreshes Prometheus gauges for this pool. Callers hold mu.
func (p *Pool) updateMetrics() {
	metrics.ConnectionsActive.WithLabelValues(p.backend.Name).Set(float64(len(p.active)))
	metrics.ConnectionsIdle.WithLabelValues(p.backend.Name).Set(float64(len(p.idle)))
}

// maintenanceLoop runs periodic eviction, health checks and replenishment.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	interval := p.backend.HealthCheckInterval
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictStale()
			p.HealthCheck()
			p.ensureMinConns()
		case <-p.replenish:
			p.ensureMinConns()
		}
	}
}

// evictStale closes idle connections past max_idle_time, keeping the pool
// at its minimum size.
func (p *Pool) evictStale() {
	if p.backend.MaxIdleTime <= 0 {
		return
	}

	p.mu.Lock()
	remaining := make([]*physConn, 0, len(p.idle))
	var evicted []*physConn
	for _, c := range p.idle {
		if c.idleDuration() > p.backend.MaxIdleTime &&
			p.totalLocked()-len(evicted) > p.backend.MinConnections {
			c.state = ConnStateClosed
			evicted = append(evicted, c)
			continue
		}
		remaining = append(remaining, c)
	}
	p.idle = remaining
	if len(evicted) > 0 {
		p.updateMetrics()
	}
	p.mu.Unlock()

	p.closeConns(evicted, "evicted")
}

// ensureMinConns opens connections until the pool is back at its minimum.
func (p *Pool) ensureMinConns() {
	created := 0
	for {
		p.mu.Lock()
		if p.closed || p.totalLocked() >= p.backend.MinConnections ||
			p.totalLocked() >= p.backend.MaxConnections {
			p.mu.Unlock()
			break
		}
		p.pending++
		p.mu.Unlock()

		c, err := p.createConn(context.Background())

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.updateMetrics()
			p.mu.Unlock()
			p.log.Warn().Err(err).Msg("failed to replenish minimum connections")
			break
		}
		if p.closed {
			p.mu.Unlock()
			_ = c.close()
			break
		}
		p.putLocked(c)
		p.updateMetrics()
		p.mu.Unlock()
		created++
	}

	if created > 0 {
		p.log.Info().Int("created", created).Msg("replenished connections")
	}
}
