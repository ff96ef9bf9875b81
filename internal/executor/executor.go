// Package executor runs queries against a pool with bounded retry on
// connection-level failures.
package executor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/joao-brasil/store-backend/internal/logx"
	"github.com/joao-brasil/store-backend/internal/metrics"
	"github.com/joao-brasil/store-backend/internal/pool"
	"github.com/joao-brasil/store-backend/internal/sqlerr"
)

const (
	defaultAttempts  = 3
	defaultIdleDelay = time.Second
)

// Options tunes the retry loop. Zero values fall back to the backend's
// reconnect settings.
type Options struct {
	Attempts  int
	IdleDelay time.Duration
}

// Executor wraps every query in acquire, run and release, retrying the whole
// cycle on a fresh connection when the connection itself fails.
type Executor struct {
	pool      *pool.Pool
	attempts  int
	idleDelay time.Duration
	log       zerolog.Logger
}

// New returns an executor bound to p.
func New(p *pool.Pool, opts Options) *Executor {
	b := p.Backend()

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = b.ReconnectTries
	}
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	idle := opts.IdleDelay
	if idle <= 0 {
		idle = b.ReconnectIdle
	}
	if idle <= 0 {
		idle = defaultIdleDelay
	}

	return &Executor{
		pool:      p,
		attempts:  attempts,
		idleDelay: idle,
		log:       logx.Component("executor").With().Str("backend", b.Name).Logger(),
	}
}

// Pool returns the pool the executor draws from.
func (e *Executor) Pool() *pool.Pool { return e.pool }

// Execute runs req. Connection-level failures mark the connection dead and
// retry up to the configured attempts, then return *ExhaustedRetriesError.
// pool.ErrPoolExhausted and query errors are returned unchanged.
func (e *Executor) Execute(ctx context.Context, req QueryRequest) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	name := e.pool.Backend().Name
	start := time.Now()
	defer func() {
		metrics.QueryDuration.WithLabelValues(name, req.Fetch.String()).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		res, err := e.attempt(ctx, req)
		if err == nil {
			metrics.QueryAttempts.WithLabelValues(name, "success").Inc()
			if attempt > 1 {
				e.log.Info().Int("attempt", attempt).Msg("query succeeded after reconnect")
			}
			res.Attempts = attempt
			return res, nil
		}

		if !retryable(err) {
			outcome := "error"
			if errors.Is(err, pool.ErrPoolExhausted) {
				outcome = "pool_exhausted"
			}
			metrics.QueryAttempts.WithLabelValues(name, outcome).Inc()
			return Result{}, err
		}

		lastErr = err
		metrics.QueryAttempts.WithLabelValues(name, "connection_lost").Inc()
		e.log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", e.attempts).
			Msg("connection failure")

		if attempt == e.attempts {
			break
		}
		if err := sleep(ctx, e.idleDelay); err != nil {
			return Result{}, errors.Wrapf(err, "retry aborted after %d attempts (last error: %v)", attempt, lastErr)
		}
	}

	metrics.QueryAttempts.WithLabelValues(name, "exhausted_retries").Inc()
	e.log.Error().Err(lastErr).Int("attempts", e.attempts).Msg("giving up on backend")
	return Result{}, &ExhaustedRetriesError{Backend: name, Attempts: e.attempts, Err: lastErr}
}

// FetchOne returns the first row of query, or an empty Row.
func (e *Executor) FetchOne(ctx context.Context, query string, args ...any) (Row, error) {
	res, err := e.Execute(ctx, QueryRequest{Query: query, Args: args, Fetch: FetchOne})
	if err != nil {
		return nil, err
	}
	return res.Row, nil
}

// FetchAll returns every row of query.
func (e *Executor) FetchAll(ctx context.Context, query string, args ...any) ([]Row, error) {
	res, err := e.Execute(ctx, QueryRequest{Query: query, Args: args, Fetch: FetchAll})
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// ExecuteMany runs query once per tuple in a single transaction and returns
// the rows produced, in order.
func (e *Executor) ExecuteMany(ctx context.Context, query string, batch [][]any) ([]Row, error) {
	res, err := e.Execute(ctx, QueryRequest{Query: query, Batch: batch, Fetch: ExecuteMany})
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

func (e *Executor) attempt(ctx context.Context, req QueryRequest) (Result, error) {
	var res Result
	err := e.pool.WithConn(ctx, func(pc *pool.PooledConn) error {
		var err error
		res, err = e.run(ctx, pc, req)
		if err != nil && sqlerr.IsTransient(err) {
			e.pool.MarkDead(pc)
		}
		return err
	})
	return res, err
}

func (e *Executor) run(ctx context.Context, pc *pool.PooledConn, req QueryRequest) (Result, error) {
	if !req.transactional() {
		rows, err := e.query(ctx, pc, req)
		if err != nil {
			return Result{}, err
		}
		return shape(req.Fetch, rows), nil
	}

	if err := pc.Begin(ctx); err != nil {
		return Result{}, err
	}
	defer pc.RestoreAutocommit()

	rows, err := e.query(ctx, pc, req)
	if err != nil {
		if rbErr := pc.Rollback(ctx); rbErr != nil {
			e.log.Warn().Err(rbErr).Uint64("conn_id", pc.ID()).Msg("rollback failed")
		}
		return Result{}, err
	}
	if err := pc.Commit(ctx); err != nil {
		return Result{}, err
	}
	return shape(req.Fetch, rows), nil
}

func (e *Executor) query(ctx context.Context, pc *pool.PooledConn, req QueryRequest) ([]Row, error) {
	if req.Fetch != ExecuteMany {
		return pc.Query(ctx, req.Query, req.args()...)
	}

	out := make([]Row, 0, len(req.Batch))
	for _, tuple := range req.Batch {
		rows, err := pc.Query(ctx, req.Query, tuple...)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func shape(mode FetchMode, rows []Row) Result {
	if mode == FetchOne {
		if len(rows) == 0 {
			return Result{Row: Row{}}
		}
		return Result{Row: rows[0]}
	}
	if rows == nil {
		rows = []Row{}
	}
	return Result{Rows: rows}
}

// retryable reports errors that warrant a fresh connection.
func retryable(err error) bool {
	var ce *pool.ConnectError
	if errors.As(err, &ce) {
		return true
	}
	return sqlerr.IsTransient(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
