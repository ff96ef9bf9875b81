package pool

import (
	"context"
	"time"
)

const pingTimeout = 5 * time.Second

// HealthCheck pings every idle connection and discards the ones that fail.
// Connections under check are taken out of the idle set and counted as
// pending, so they cannot be handed out concurrently. Called periodically
// by the maintenance loop.
func (p *Pool) HealthCheck() {
	p.mu.Lock()
	if p.closed || len(p.idle) == 0 {
		p.mu.Unlock()
		return
	}
	conns := p.idle
	p.idle = make([]*physConn, 0, p.backend.MaxConnections)
	p.pending += len(conns)
	p.mu.Unlock()

	healthy := make([]*physConn, 0, len(conns))
	var unhealthy []*physConn

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err := c.conn.Ping(ctx)
		cancel()

		if err != nil {
			p.log.Warn().Err(err).Uint64("conn_id", c.id).Msg("health check failed")
			unhealthy = append(unhealthy, c)
			continue
		}
		healthy = append(healthy, c)
	}

	now := time.Now()
	p.mu.Lock()
	p.pending -= len(conns)
	for _, c := range healthy {
		if p.closed {
			unhealthy = append(unhealthy, c)
			continue
		}
		c.lastHealthCheck = now
		// Keep the original idle timestamp so eviction still applies.
		lastUsed := c.lastUsedAt
		p.putLocked(c)
		if c.state == ConnStateIdle {
			c.lastUsedAt = lastUsed
		}
	}
	for _, c := range unhealthy {
		c.state = ConnStateClosed
	}
	p.updateMetrics()
	below := p.belowMinLocked()
	p.mu.Unlock()

	p.closeConns(unhealthy, "health_check_failed")
	if len(unhealthy) > 0 {
		p.log.Info().Int("removed", len(unhealthy)).Msg("health check removed unhealthy connections")
		p.afterShrink(below)
	}
}
