// Package metrics defines Prometheus metrics for the store core.
// All collectors are registered upfront on the default registry and served
// by the /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks checked-out connections per backend.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "store_pool_connections_active",
		Help: "Number of checked-out connections per backend",
	}, []string{"backend"})

	// ConnectionsIdle tracks the number of idle connections per backend.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "store_pool_connections_idle",
		Help: "Number of idle connections in the pool per backend",
	}, []string{"backend"})

	// ConnectionsMax tracks the configured max connections per backend.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "store_pool_connections_max",
		Help: "Configured maximum connections per backend",
	}, []string{"backend"})

	// ConnectionsTotal counts acquire/release outcomes.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "store_pool_connections_total",
		Help: "Total connection operations",
	}, []string{"backend", "status"})

	// WaitersLength tracks callers blocked in Acquire per backend.
	WaitersLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "store_pool_waiters",
		Help: "Number of callers waiting for a connection per backend",
	}, []string{"backend"})

	// AcquireWaitDuration tracks the time callers spend waiting for a connection.
	AcquireWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "store_pool_acquire_wait_seconds",
		Help:    "Time spent waiting for a pooled connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"backend"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "store_pool_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"backend", "error_type"})

	// QueryDuration tracks query execution time, including retries.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "store_query_duration_seconds",
		Help:    "Query execution duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"backend", "fetch"})

	// QueryAttempts counts executor attempts by outcome.
	QueryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "store_query_attempts_total",
		Help: "Total executor attempts by outcome",
	}, []string{"backend", "outcome"})

	// RedisOperations counts broker operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "store_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})

	// QueueTasks counts tasks by queue and outcome.
	QueueTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "store_queue_tasks_total",
		Help: "Total queue tasks by outcome",
	}, []string{"queue", "outcome"})

	// ReplyWaitDuration tracks how long producers block for a reply.
	ReplyWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "store_queue_reply_wait_seconds",
		Help:    "Time spent waiting for a task reply",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"queue", "outcome"})

	// PendingReplies tracks producers currently blocked in SubmitAndWait.
	PendingReplies = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "store_queue_pending_replies",
		Help: "Number of producers waiting for a reply",
	}, []string{"queue"})
)
