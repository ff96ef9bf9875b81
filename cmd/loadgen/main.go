// Package main is the entrypoint for the load generator. It drives many
// concurrent callers against one backend, either through the executor or by
// holding leased connections, and reports how the pool held up.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/joao-brasil/store-backend/internal/config"
	"github.com/joao-brasil/store-backend/internal/executor"
	"github.com/joao-brasil/store-backend/internal/logx"
	"github.com/joao-brasil/store-backend/internal/pool"
	"github.com/joao-brasil/store-backend/internal/sqlerr"
	"github.com/joao-brasil/store-backend/pkg/backend"
)

type options struct {
	configPath  string
	backend     string
	query       string
	concurrency int
	requests    int
	duration    time.Duration
	hold        time.Duration
}

var opts options

var rootCmd = &cobra.Command{
	Use:          "loadgen",
	Short:        "Hammer a backend pool with concurrent queries",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "configs/storecore.yaml", "path to the YAML configuration file")
	f.StringVar(&opts.backend, "backend", "", "backend to load (defaults to the first configured)")
	f.StringVar(&opts.query, "query", "", "query to run (defaults to the backend ping query)")
	f.IntVar(&opts.concurrency, "concurrency", 20, "number of concurrent callers")
	f.IntVar(&opts.requests, "requests", 50, "queries per caller")
	f.DurationVar(&opts.duration, "duration", 0, "run for this long instead of a fixed number of requests")
	f.DurationVar(&opts.hold, "hold", 0, "lease connections directly and keep each one this long before releasing")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// report aggregates the outcome of a run.
type report struct {
	ok, exhausted, unreachable, failed atomic.Int64
	dead                               atomic.Int64
	peakActive, peakWaiters            atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (r *report) record(d time.Duration, err error) {
	switch {
	case err == nil:
		r.ok.Add(1)
	case errors.Is(err, pool.ErrPoolExhausted):
		r.exhausted.Add(1)
	case executor.IsExhaustedRetries(err):
		r.unreachable.Add(1)
	default:
		r.failed.Add(1)
	}
	r.mu.Lock()
	r.latencies = append(r.latencies, d)
	r.mu.Unlock()
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func run(ctx context.Context, out io.Writer, o options) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	logx.Setup(logx.Options{Level: "warn", Environment: cfg.Service.Environment, Service: "loadgen"})

	b := &cfg.Backends[0]
	if o.backend != "" {
		var ok bool
		if b, ok = cfg.BackendByName(o.backend); !ok {
			return errors.Errorf("unknown backend %q", o.backend)
		}
	}
	query := o.query
	if query == "" {
		query = b.PingQuery
	}

	mgr, err := pool.NewManager(context.Background(), []backend.Backend{*b}, pool.DefaultConnectorFactory)
	if err != nil {
		return err
	}
	defer mgr.Close()
	p, _ := mgr.Pool(b.Name)

	rep := &report{}
	call := func(ctx context.Context) error {
		return holdConn(ctx, mgr, b.Name, query, o.hold, rep)
	}
	if o.hold <= 0 {
		ex := executor.New(p, executor.Options{})
		call = func(ctx context.Context) error {
			_, err := ex.FetchAll(ctx, query)
			return err
		}
	}

	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	fmt.Fprintf(out, "backend=%s driver=%s max=%d callers=%d hold=%s query=%q\n",
		b.Name, b.DriverName(), b.MaxConnections, o.concurrency, o.hold, query)

	sampleCtx, stopSampling := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(20 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-sampleCtx.Done():
				return
			case <-t.C:
				s := p.Stats()
				storeMax(&rep.peakActive, int64(s.Active))
				storeMax(&rep.peakWaiters, int64(s.Waiters))
			}
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < o.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; o.duration > 0 || n < o.requests; n++ {
				if ctx.Err() != nil {
					return
				}
				t0 := time.Now()
				err := call(ctx)
				if ctx.Err() != nil {
					return
				}
				rep.record(time.Since(t0), err)
			}
		}()
	}
	wg.Wait()
	stopSampling()
	elapsed := time.Since(start)

	sort.Slice(rep.latencies, func(i, j int) bool { return rep.latencies[i] < rep.latencies[j] })
	total := len(rep.latencies)

	fmt.Fprintf(out, "\n%d queries in %s (%.1f/s)\n", total, elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds())
	fmt.Fprintf(out, "  ok=%d exhausted=%d unreachable=%d failed=%d dead=%d\n",
		rep.ok.Load(), rep.exhausted.Load(), rep.unreachable.Load(), rep.failed.Load(), rep.dead.Load())
	fmt.Fprintf(out, "  latency p50=%s p95=%s p99=%s max=%s\n",
		percentile(rep.latencies, 0.50), percentile(rep.latencies, 0.95),
		percentile(rep.latencies, 0.99), percentile(rep.latencies, 1))
	fmt.Fprintf(out, "  peak active=%d/%d peak waiters=%d\n",
		rep.peakActive.Load(), b.MaxConnections, rep.peakWaiters.Load())

	if rep.peakActive.Load() > int64(b.MaxConnections) {
		return errors.Errorf("pool exceeded its maximum: %d > %d", rep.peakActive.Load(), b.MaxConnections)
	}
	return nil
}

// holdConn leases a connection from the manager, runs query on it and keeps
// it for hold. Connections that fail with a transient error are taken out of
// circulation instead of being released.
func holdConn(ctx context.Context, mgr *pool.Manager, name, query string, hold time.Duration, rep *report) error {
	pc, err := mgr.Acquire(ctx, name)
	if err != nil {
		return err
	}
	if _, err := pc.Query(ctx, query); err != nil {
		if sqlerr.IsTransient(err) {
			mgr.MarkDead(pc)
			rep.dead.Add(1)
			return err
		}
		_ = mgr.Release(pc)
		return err
	}

	if hold > 0 {
		t := time.NewTimer(hold)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
	return mgr.Release(pc)
}
