package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_requests_latency_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// Ledger
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transactions_total",
			Help: "Ledger transactions appended, by kind",
		},
		[]string{"kind"},
	)
	OperationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operation_failures_total",
			Help: "Ledger operations that returned an error",
		},
		[]string{"op"},
	)

	// Sweep
	SweepRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_sweep_runs_total",
			Help: "Expiry sweep runs",
		},
	)
	LocksSettled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_locks_settled_total",
			Help: "Time locks settled by the sweep",
		},
	)
	LockSettleFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_lock_settle_failures_total",
			Help: "Time locks the sweep failed to settle and skipped",
		},
	)

	// Mirror
	MirrorAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_attempts_total",
			Help: "Publish attempts to external networks",
		},
		[]string{"network", "result"}, // confirmed|failed
	)
	MirrorDueRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirror_due_records",
			Help: "Mirror records picked up by the last sender run",
		},
	)
	MirrorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirror_queue_depth",
			Help: "Publish tasks still waiting for a worker once the last run was queued",
		},
	)
)

var Handler = promhttp.Handler

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			RequestLatency,
			TransactionsTotal,
			OperationFailures,
			SweepRuns,
			LocksSettled,
			LockSettleFailures,
			MirrorAttempts,
			MirrorDueRecords,
			MirrorQueueDepth,
		)
	})
}
